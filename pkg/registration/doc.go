// Package registration holds the registration store and the expiration
// sweeper.
//
// The Store is the single source of truth for which clients are
// registered. Every other server component keys its state by registration
// id and listens to the store to clean up when a registration goes away,
// whether the client deregistered, the lifetime expired, or a new
// registration for the same endpoint replaced it.
package registration
