// Package observation decides which observed values are notified to
// operators.
//
// # Notification Rule
//
// Each observation keeps the bytes and time of its last notification.
// A new value is notified when:
//   - pmax is set and at least pmax has passed since the last notification, or
//   - its bytes differ from the last notified bytes.
//
// Comparison is byte-exact on the encoded payload. "21.5" and "21.50" are
// different values.
//
// # Timing
//
// With pmax set, the engine reads the value itself at each pmax boundary,
// so an unchanged value is still notified at least once per pmax. A failed
// read is reported to listeners and retried at the next boundary.
//
// With pmin set, values arriving less than pmin after the previous sample
// are held back; the latest held value is evaluated once pmin has passed.
package observation
