package observation

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lwm2m-go/lwm2m-server/internal/fanout"
	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/scheduler"
)

// key identifies an observation.
type key struct {
	regID string
	path  lwm2m.Path
}

type timerKind uint8

const (
	timerPMax timerKind = iota
	timerPMin
)

type timerKey struct {
	key
	kind timerKind
}

// state is one observation plus its notification cursor.
// mu guards every field below it.
type state struct {
	mu  sync.Mutex
	obs Observation

	lastSentValue []byte
	lastSentAt    time.Time
	hasSent       bool

	lastSampleAt time.Time
	hasSample    bool
	pending      []byte
	hasPending   bool

	closed bool
}

// Config configures an Engine.
type Config struct {
	// Reader fetches values for pmax checks.
	Reader Reader

	// Registrations is used to reject observations of unknown registrations.
	Registrations Registrations

	// Backend optionally persists observations.
	Backend Backend

	// ReadTimeout bounds each pmax read. Defaults to 2 minutes.
	ReadTimeout time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Engine decides when observed values become notifications.
//
// A value is notified when pmax has elapsed since the last notification or
// when its bytes differ from the last notified bytes. With pmax set, the
// engine reads the value itself at each pmax boundary so that silence never
// exceeds pmax. With pmin set, values arriving faster than pmin are held
// and the latest one is evaluated when pmin has passed.
type Engine struct {
	mu           sync.RWMutex
	observations map[key]*state

	reader        Reader
	registrations Registrations
	backend       Backend
	readTimeout   time.Duration
	clock         func() time.Time
	timers        *scheduler.Scheduler[timerKey]
	listeners     *fanout.Registry[Listener]
	logger        *slog.Logger
}

// NewEngine creates an observation engine.
func NewEngine(cfg Config) *Engine {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		observations:  make(map[key]*state),
		reader:        cfg.Reader,
		registrations: cfg.Registrations,
		backend:       cfg.Backend,
		readTimeout:   cfg.ReadTimeout,
		clock:         cfg.Clock,
		timers:        scheduler.New[timerKey](),
		listeners:     fanout.New[Listener]("observation", logger),
		logger:        logger,
	}
}

// AddListener registers l and returns a function that removes it.
func (e *Engine) AddListener(l Listener) (remove func()) {
	return e.listeners.Add(l)
}

// Observe starts (or replaces) the observation of obs.Path for obs.RegistrationID.
// The notification cursor starts empty, so the first value is always notified.
func (e *Engine) Observe(obs Observation) error {
	if err := obs.Attributes.Validate(); err != nil {
		return err
	}
	if e.registrations != nil && !e.registrations.Exists(obs.RegistrationID) {
		return ErrUnknownRegistration
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = e.clock()
	}

	k := key{regID: obs.RegistrationID, path: obs.Path}
	st := &state{obs: obs, lastSentAt: obs.CreatedAt}
	e.install(k, st)
	e.save(obs)

	// Same race as the queue: the registration may have been removed
	// between the check above and the install.
	if e.registrations != nil && !e.registrations.Exists(obs.RegistrationID) {
		e.remove(k, st)
		e.deleteSaved(obs.RegistrationID, obs.Path)
		return ErrUnknownRegistration
	}
	return nil
}

// SetAttributes changes the attributes of an existing observation and
// reschedules its timers.
func (e *Engine) SetAttributes(regID string, path lwm2m.Path, attrs Attributes) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	k := key{regID: regID, path: path}
	st := e.get(k)
	if st == nil {
		return ErrObservationNotFound
	}

	st.mu.Lock()
	st.obs.Attributes = attrs
	obs := st.obs
	e.timers.Cancel(timerKey{k, timerPMin})
	e.scheduleMaxLocked(k, st)
	if st.hasPending {
		e.schedulePendingLocked(k, st)
	}
	st.mu.Unlock()

	e.save(obs)
	return nil
}

// Cancel stops one observation.
func (e *Engine) Cancel(regID string, path lwm2m.Path) error {
	k := key{regID: regID, path: path}
	st := e.get(k)
	if st == nil || !e.remove(k, st) {
		return ErrObservationNotFound
	}
	e.deleteSaved(regID, path)
	return nil
}

// CancelAll stops every observation of a registration and returns them.
func (e *Engine) CancelAll(regID string) []Observation {
	e.mu.Lock()
	var removed []*state
	for k, st := range e.observations {
		if k.regID == regID {
			delete(e.observations, k)
			removed = append(removed, st)
		}
	}
	e.mu.Unlock()

	e.timers.CancelWhere(func(tk timerKey) bool { return tk.regID == regID })

	out := make([]Observation, 0, len(removed))
	for _, st := range removed {
		st.mu.Lock()
		st.closed = true
		out = append(out, st.obs)
		st.mu.Unlock()
	}

	if e.backend != nil && len(out) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
		defer cancel()
		if err := e.backend.DeleteObservations(ctx, regID); err != nil {
			e.logger.Warn("failed to delete persisted observations", "id", regID, "error", err)
		}
	}
	return out
}

// Get returns one observation.
func (e *Engine) Get(regID string, path lwm2m.Path) (Observation, bool) {
	st := e.get(key{regID: regID, path: path})
	if st == nil {
		return Observation{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.obs, true
}

// List returns the observations of a registration.
func (e *Engine) List(regID string) []Observation {
	e.mu.RLock()
	var states []*state
	for k, st := range e.observations {
		if k.regID == regID {
			states = append(states, st)
		}
	}
	e.mu.RUnlock()

	out := make([]Observation, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.obs)
		st.mu.Unlock()
	}
	return out
}

// Count returns the number of active observations.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.observations)
}

// HandleValue evaluates a freshly obtained value for an observed path,
// from a client push or a read response.
func (e *Engine) HandleValue(regID string, path lwm2m.Path, value []byte) error {
	k := key{regID: regID, path: path}
	st := e.get(k)
	if st == nil {
		return ErrObservationNotFound
	}

	now := e.clock()
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrObservationNotFound
	}
	if pmin := st.obs.Attributes.PMin; pmin != nil && st.hasSample && now.Sub(st.lastSampleAt) < *pmin {
		st.pending = bytes.Clone(value)
		st.hasPending = true
		e.schedulePendingLocked(k, st)
		st.mu.Unlock()
		return nil
	}
	st.lastSampleAt = now
	st.hasSample = true
	n, notify := e.evaluateLocked(st, value, now)
	if notify {
		e.scheduleMaxLocked(k, st)
	}
	st.mu.Unlock()

	if notify {
		e.deliver(n)
	}
	return nil
}

// Restore loads persisted observations of live registrations and restarts
// their timers. Observations of registrations that no longer exist are
// deleted from the backend.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.backend == nil {
		return 0, nil
	}
	all, err := e.backend.LoadObservations(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, obs := range all {
		if e.registrations != nil && !e.registrations.Exists(obs.RegistrationID) {
			if err := e.backend.DeleteObservations(ctx, obs.RegistrationID); err != nil {
				e.logger.Warn("failed to delete stale observations", "id", obs.RegistrationID, "error", err)
			}
			continue
		}
		e.install(key{regID: obs.RegistrationID, path: obs.Path}, &state{obs: obs, lastSentAt: e.clock()})
		n++
	}
	return n, nil
}

// Stop cancels all timers. The engine must not be used afterwards.
func (e *Engine) Stop() {
	e.timers.Stop()
}

func (e *Engine) get(k key) *state {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.observations[k]
}

func (e *Engine) install(k key, st *state) {
	e.mu.Lock()
	old := e.observations[k]
	e.observations[k] = st
	e.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.closed = true
		old.mu.Unlock()
	}
	e.timers.Cancel(timerKey{k, timerPMin})

	st.mu.Lock()
	e.scheduleMaxLocked(k, st)
	st.mu.Unlock()
}

// remove deletes st if it is still the installed state for k.
func (e *Engine) remove(k key, st *state) bool {
	e.mu.Lock()
	if e.observations[k] != st {
		e.mu.Unlock()
		return false
	}
	delete(e.observations, k)
	e.mu.Unlock()

	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	e.timers.Cancel(timerKey{k, timerPMax})
	e.timers.Cancel(timerKey{k, timerPMin})
	return true
}

// evaluateLocked applies the notify rule and advances the cursor on notify.
func (e *Engine) evaluateLocked(st *state, value []byte, now time.Time) (Notification, bool) {
	periodic := false
	if pmax := st.obs.Attributes.PMax; pmax != nil && now.Sub(st.lastSentAt) >= *pmax {
		periodic = true
	} else if st.hasSent && bytes.Equal(value, st.lastSentValue) {
		return Notification{}, false
	}

	st.lastSentValue = bytes.Clone(value)
	st.lastSentAt = now
	st.hasSent = true

	return Notification{
		RegistrationID: st.obs.RegistrationID,
		Path:           st.obs.Path,
		Value:          bytes.Clone(value),
		Timestamp:      now,
		Periodic:       periodic,
	}, true
}

func (e *Engine) scheduleMaxLocked(k key, st *state) {
	tk := timerKey{k, timerPMax}
	pmax := st.obs.Attributes.PMax
	if pmax == nil {
		e.timers.Cancel(tk)
		return
	}
	delay := st.lastSentAt.Add(*pmax).Sub(e.clock())
	e.timers.Schedule(tk, delay, func() { e.pmaxElapsed(k, st) })
}

func (e *Engine) schedulePendingLocked(k key, st *state) {
	tk := timerKey{k, timerPMin}
	var delay time.Duration
	if pmin := st.obs.Attributes.PMin; pmin != nil {
		delay = st.lastSampleAt.Add(*pmin).Sub(e.clock())
	}
	e.timers.Schedule(tk, delay, func() { e.flushPending(k, st) })
}

// flushPending evaluates the latest value held back by pmin.
func (e *Engine) flushPending(k key, st *state) {
	now := e.clock()
	st.mu.Lock()
	if st.closed || !st.hasPending {
		st.mu.Unlock()
		return
	}
	value := st.pending
	st.pending = nil
	st.hasPending = false
	st.lastSampleAt = now
	n, notify := e.evaluateLocked(st, value, now)
	if notify {
		e.scheduleMaxLocked(k, st)
	}
	st.mu.Unlock()

	if notify {
		e.deliver(n)
	}
}

// pmaxElapsed reads the value at a pmax boundary. A failed read is retried
// at the next boundary.
func (e *Engine) pmaxElapsed(k key, st *state) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
	value, err := e.reader.Read(ctx, k.regID, k.path)
	cancel()

	now := e.clock()
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if err != nil {
		if pmax := st.obs.Attributes.PMax; pmax != nil {
			e.timers.Schedule(timerKey{k, timerPMax}, *pmax, func() { e.pmaxElapsed(k, st) })
		}
		st.mu.Unlock()

		e.logger.Warn("periodic read failed", "id", k.regID, "path", k.path.String(), "error", err)
		e.listeners.Each(func(l Listener) { l.ReadFailed(k.regID, k.path, err) })
		return
	}

	// A fresh read supersedes any value held back by pmin.
	st.pending = nil
	st.hasPending = false
	e.timers.Cancel(timerKey{k, timerPMin})
	st.lastSampleAt = now
	st.hasSample = true
	n, notify := e.evaluateLocked(st, value, now)
	e.scheduleMaxLocked(k, st)
	st.mu.Unlock()

	if notify {
		e.deliver(n)
	}
}

func (e *Engine) deliver(n Notification) {
	e.listeners.Each(func(l Listener) { l.Notify(n) })
}

func (e *Engine) save(obs Observation) {
	if e.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
	defer cancel()
	if err := e.backend.SaveObservation(ctx, obs); err != nil {
		e.logger.Warn("failed to persist observation",
			"id", obs.RegistrationID, "path", obs.Path.String(), "error", err)
	}
}

func (e *Engine) deleteSaved(regID string, path lwm2m.Path) {
	if e.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
	defer cancel()
	if err := e.backend.DeleteObservation(ctx, regID, path); err != nil {
		e.logger.Warn("failed to delete persisted observation", "id", regID, "path", path.String(), "error", err)
	}
}
