// Package transport defines the boundary between the server core and the
// wire transport that carries LWM2M requests to clients.
//
// The core never speaks CoAP itself. It hands a Request to a Sender and
// gets back a Response or an error. Senders report a client that cannot be
// reached with ErrPeerUnreachable and a queue-mode client known to be
// asleep with ErrPeerSleeping; a request whose context deadline passes is
// a timeout.
package transport
