// Package presence tracks whether queue-mode clients are awake.
//
// A queue-mode client is awake after any message from it and goes back to
// sleep when its awake time elapses, when a request to it times out, or
// when the transport reports it unreachable.
package presence
