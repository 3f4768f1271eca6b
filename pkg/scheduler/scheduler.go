package scheduler

import (
	"sync"
	"time"
)

// Timer describes a pending scheduled call.
type Timer[K comparable] struct {
	// Key identifies this timer.
	Key K

	// StartTime is when the timer was armed.
	StartTime time.Time

	// Delay is the time from StartTime to firing.
	Delay time.Duration
}

// FiresAt returns when the timer will fire.
func (t Timer[K]) FiresAt() time.Time {
	return t.StartTime.Add(t.Delay)
}

type pending struct {
	gen       uint64
	startTime time.Time
	delay     time.Duration
	timer     *time.Timer
}

// Scheduler runs closures after a delay, at most one per key.
//
// Scheduling a key that already has a pending timer replaces it. A timer
// that was replaced or cancelled never runs, even if its underlying
// time.Timer already fired and is waiting for the lock.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	timers  map[K]*pending
	gen     uint64
	stopped bool
}

// New creates an empty scheduler.
func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		timers: make(map[K]*pending),
	}
}

// Schedule arms a timer for key that calls fn after delay.
// A negative delay fires immediately. Returns false if the scheduler is stopped.
func (s *Scheduler[K]) Schedule(key K, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
	}

	s.gen++
	p := &pending{
		gen:       s.gen,
		startTime: time.Now(),
		delay:     delay,
	}
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() {
		s.fire(key, gen, fn)
	})
	s.timers[key] = p
	return true
}

// ScheduleAt arms a timer for key that calls fn at the given instant.
func (s *Scheduler[K]) ScheduleAt(key K, at time.Time, fn func()) bool {
	return s.Schedule(key, time.Until(at), fn)
}

// Cancel stops the timer for key. Returns false if none was pending.
func (s *Scheduler[K]) Cancel(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.timers[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelWhere stops every timer whose key matches and returns how many were cancelled.
func (s *Scheduler[K]) CancelWhere(match func(K) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, p := range s.timers {
		if match(key) {
			p.timer.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Get returns the pending timer for key.
func (s *Scheduler[K]) Get(key K) (Timer[K], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.timers[key]
	if !ok {
		return Timer[K]{}, false
	}
	return Timer[K]{Key: key, StartTime: p.startTime, Delay: p.delay}, true
}

// Count returns the number of pending timers.
func (s *Scheduler[K]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers. Later Schedule calls are refused.
func (s *Scheduler[K]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler[K]) fire(key K, gen uint64, fn func()) {
	s.mu.Lock()
	p, ok := s.timers[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	// Run outside the lock so fn may reschedule.
	fn()
}
