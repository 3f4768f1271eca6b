// Package scheduler provides keyed one-shot timers.
//
// Components that need "run this later unless something changes" (awake
// timeouts, request deadlines, observation pmin/pmax checks) arm a timer
// under a key and cancel or replace it by the same key. This keeps timer
// bookkeeping in one place instead of every component holding raw
// *time.Timer values.
package scheduler
