package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lwm2m-go/lwm2m-server/internal/fanout"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/scheduler"
)

// DefaultAwakeTime is how long a queue-mode client is assumed reachable after
// its last message (CoAP MAX_TRANSMIT_WAIT).
const DefaultAwakeTime = 93 * time.Second

// State is the reachability of a queue-mode client.
type State uint8

const (
	// StateSleeping means requests must be buffered until the client wakes.
	StateSleeping State = iota
	// StateAwake means requests can be sent now.
	StateAwake
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSleeping:
		return "SLEEPING"
	case StateAwake:
		return "AWAKE"
	default:
		return "UNKNOWN"
	}
}

// Listener receives presence transitions. Each edge is reported once.
type Listener interface {
	OnAwake(reg *registration.Registration)
	OnSleeping(reg *registration.Registration)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Awake    func(reg *registration.Registration)
	Sleeping func(reg *registration.Registration)
}

// OnAwake implements Listener.
func (f ListenerFuncs) OnAwake(reg *registration.Registration) {
	if f.Awake != nil {
		f.Awake(reg)
	}
}

// OnSleeping implements Listener.
func (f ListenerFuncs) OnSleeping(reg *registration.Registration) {
	if f.Sleeping != nil {
		f.Sleeping(reg)
	}
}

var _ Listener = ListenerFuncs{}

// Registrations reports whether a registration is still live.
type Registrations interface {
	Exists(id string) bool
}

// Config configures a Tracker.
type Config struct {
	// AwakeTime after which an awake client is moved to sleeping if nothing
	// refreshed it. Zero disables the timer.
	AwakeTime time.Duration

	// Registrations, if set, is consulted after a client is first tracked so
	// that state for a registration removed concurrently is dropped again.
	Registrations Registrations

	Logger *slog.Logger
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{AwakeTime: DefaultAwakeTime}
}

type clientState struct {
	state State
	reg   *registration.Registration
}

// Tracker records whether each queue-mode client is awake or sleeping.
// Clients without the queue flag are always awake and are not tracked.
type Tracker struct {
	mu      sync.Mutex
	clients map[string]*clientState

	awakeTime     time.Duration
	registrations Registrations
	timers        *scheduler.Scheduler[string]
	listeners *fanout.Registry[Listener]
	logger    *slog.Logger
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		clients:   make(map[string]*clientState),
		awakeTime:     cfg.AwakeTime,
		registrations: cfg.Registrations,
		timers:        scheduler.New[string](),
		listeners:     fanout.New[Listener]("presence", logger),
		logger:        logger,
	}
}

// AddListener registers l and returns a function that removes it.
func (t *Tracker) AddListener(l Listener) (remove func()) {
	return t.listeners.Add(l)
}

// SetAwake marks the client awake and (re)arms its awake timer.
// OnAwake fires only if the client was not already awake.
func (t *Tracker) SetAwake(reg *registration.Registration) {
	if !reg.UsesQueueMode() {
		return
	}

	t.mu.Lock()
	cs, ok := t.clients[reg.ID]
	changed := !ok || cs.state != StateAwake
	if !ok {
		cs = &clientState{}
		t.clients[reg.ID] = cs
	}
	cs.state = StateAwake
	cs.reg = reg.Clone()
	if t.awakeTime > 0 {
		id := reg.ID
		t.timers.Schedule(id, t.awakeTime, func() { t.awakeTimeElapsed(id) })
	}
	t.mu.Unlock()

	if !ok && t.dropIfRemoved(reg.ID, cs) {
		return
	}
	if changed {
		t.logger.Debug("client awake", "id", reg.ID, "endpoint", reg.Endpoint)
		snapshot := reg.Clone()
		t.listeners.Each(func(l Listener) { l.OnAwake(snapshot) })
	}
}

// SetSleeping marks the client sleeping. OnSleeping fires only if the client
// was awake.
func (t *Tracker) SetSleeping(reg *registration.Registration) {
	if !reg.UsesQueueMode() {
		return
	}

	t.mu.Lock()
	cs, ok := t.clients[reg.ID]
	if !ok {
		cs = &clientState{state: StateSleeping, reg: reg.Clone()}
		t.clients[reg.ID] = cs
		t.mu.Unlock()
		t.dropIfRemoved(reg.ID, cs)
		return
	}
	changed := cs.state == StateAwake
	cs.state = StateSleeping
	t.timers.Cancel(reg.ID)
	t.mu.Unlock()

	if changed {
		t.fireSleeping(reg.Clone())
	}
}

// NotResponding is called when a request to the client timed out. The client
// is treated as gone back to sleep.
func (t *Tracker) NotResponding(reg *registration.Registration) {
	t.logger.Debug("client not responding", "id", reg.ID, "endpoint", reg.Endpoint)
	t.SetSleeping(reg)
}

// IsAwake reports whether requests to the client can be sent now.
// Always true for clients without the queue flag.
func (t *Tracker) IsAwake(reg *registration.Registration) bool {
	if !reg.UsesQueueMode() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[reg.ID]
	return ok && cs.state == StateAwake
}

// State returns the tracked state for a registration id.
func (t *Tracker) State(regID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[regID]
	if !ok {
		return StateSleeping, false
	}
	return cs.state, true
}

// Remove forgets the client without firing any event.
func (t *Tracker) Remove(regID string) {
	t.mu.Lock()
	delete(t.clients, regID)
	t.timers.Cancel(regID)
	t.mu.Unlock()
}

// Count returns the number of tracked clients.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Stop cancels all awake timers.
func (t *Tracker) Stop() {
	t.timers.Stop()
}

// dropIfRemoved undoes a fresh insert for a registration that is no longer
// live. Remove may have run before the insert was visible.
func (t *Tracker) dropIfRemoved(regID string, cs *clientState) bool {
	if t.registrations == nil || t.registrations.Exists(regID) {
		return false
	}
	t.mu.Lock()
	if t.clients[regID] == cs {
		delete(t.clients, regID)
		t.timers.Cancel(regID)
	}
	t.mu.Unlock()
	t.logger.Debug("dropped presence of removed registration", "id", regID)
	return true
}

func (t *Tracker) awakeTimeElapsed(regID string) {
	t.mu.Lock()
	cs, ok := t.clients[regID]
	if !ok || cs.state != StateAwake {
		t.mu.Unlock()
		return
	}
	cs.state = StateSleeping
	reg := cs.reg.Clone()
	t.mu.Unlock()

	t.logger.Debug("awake time elapsed", "id", regID)
	t.fireSleeping(reg)
}

func (t *Tracker) fireSleeping(reg *registration.Registration) {
	t.logger.Debug("client sleeping", "id", reg.ID, "endpoint", reg.Endpoint)
	t.listeners.Each(func(l Listener) { l.OnSleeping(reg) })
}
