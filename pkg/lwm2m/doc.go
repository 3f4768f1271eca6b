// Package lwm2m holds the small value types shared by the server core:
// resource paths, binding modes and peer identities.
package lwm2m
