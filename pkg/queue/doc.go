// Package queue delivers requests to clients that may be asleep.
//
// Each queue-mode client has a mailbox of depth one. A request sent while
// the client sleeps waits there until the client wakes, and is then sent
// once. Every request resolves to exactly one outcome:
//
//	SUCCEEDED         the client answered
//	PEER_UNREACHABLE  the transport could not reach the client
//	TIMED_OUT         no answer before the deadline
//	SUPERSEDED        a newer request replaced it in the mailbox
//	NOT_FOUND         the registration went away first
//	CANCELLED         the caller gave up, or the manager closed
//	FAILED            any other transport error
package queue
