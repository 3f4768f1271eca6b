// Package persistence stores server state that must survive restarts.
//
// Two backends are provided. FileStore keeps a single CBOR snapshot file and
// suits one node on its own. SQLStore keeps records in SQLite or PostgreSQL
// so a cluster of nodes can share registrations, observations and security
// infos. Both implement registration.Backend and observation.Backend;
// SQLStore also implements security.Store.
//
// Records are encoded with canonical CBOR so that equal values produce
// identical bytes.
package persistence
