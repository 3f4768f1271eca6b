// Package server assembles the LWM2M session core.
//
// A Server owns the registration store, the expiration sweeper, the
// presence tracker, the queue manager and the observation engine, and wires
// them together:
//
//   - a new or updated registration marks a queue-mode client awake
//   - a removed registration drops its presence state, fails its buffered
//     request and cancels its observations
//   - a client waking up gets its buffered request delivered
//   - pmax reads go through the queue like any other request
//
// The transport layer drives the server through Register, Update,
// Deregister, MessageReceived, PeerUnreachable and ValueReceived, and hands
// it a transport.Sender for outgoing requests. Operators send requests with
// Send and subscribe to events with the Add*Listener methods.
//
// Storage is selected by Config.Storage: in memory only, a CBOR snapshot
// file, or a SQL database (SQLite or PostgreSQL). Server events can be
// captured to a CBOR log file readable by the lwm2m-log tool and published
// to an MQTT broker.
package server
