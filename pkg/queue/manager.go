package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/scheduler"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
)

// DefaultTimeout applies when Send is called without a timeout.
const DefaultTimeout = 2 * time.Minute

// Presence is the view of client reachability the manager needs.
type Presence interface {
	IsAwake(reg *registration.Registration) bool
	SetAwake(reg *registration.Registration)
	SetSleeping(reg *registration.Registration)
	NotResponding(reg *registration.Registration)
}

// Registrations reports whether a registration is still live.
type Registrations interface {
	Exists(id string) bool
}

// Config configures a Manager.
type Config struct {
	Sender        transport.Sender
	Presence      Presence
	Registrations Registrations

	// DefaultTimeout is used when Send gets a non-positive timeout.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// entry is a request waiting for, or in, its single delivery attempt.
type entry struct {
	reg      *registration.Registration
	req      transport.Request
	deadline time.Time
	result   *PendingResult
}

// Manager delivers requests to clients, holding at most one request per
// sleeping queue-mode client until it wakes up.
//
// Buffering a request replaces any request already buffered for the same
// client; the replaced request completes with ErrSuperseded.
type Manager struct {
	mu     sync.Mutex
	slots  map[string]*entry
	closed bool

	sender         transport.Sender
	presence       Presence
	registrations  Registrations
	defaultTimeout time.Duration
	timers         *scheduler.Scheduler[string]
	logger         *slog.Logger

	wg sync.WaitGroup
}

// NewManager creates a queue manager.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		slots:          make(map[string]*entry),
		sender:         cfg.Sender,
		presence:       cfg.Presence,
		registrations:  cfg.Registrations,
		defaultTimeout: cfg.DefaultTimeout,
		timers:         scheduler.New[string](),
		logger:         logger,
	}
}

// Send delivers req to dest and returns immediately.
//
// Clients without the queue flag, and queue-mode clients that are awake,
// get the request right away. Otherwise the request is buffered until the
// client wakes, the timeout passes, a newer request replaces it, or the
// registration goes away.
func (m *Manager) Send(dest *registration.Registration, req transport.Request, timeout time.Duration) *PendingResult {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	e := &entry{
		reg:      dest.Clone(),
		req:      req,
		deadline: time.Now().Add(timeout),
		result:   newPendingResult(),
	}

	if m.isClosed() {
		e.result.fail(ErrCancelled)
		return e.result
	}
	if !dest.UsesQueueMode() || m.presence.IsAwake(dest) {
		m.deliverAsync(e, true)
		return e.result
	}

	m.buffer(e)
	return e.result
}

// OnAwake delivers the request buffered for reg, if any. The request gets
// exactly one delivery attempt.
func (m *Manager) OnAwake(reg *registration.Registration) {
	e := m.takeSlot(reg.ID)
	if e == nil {
		return
	}
	e.reg = reg.Clone()
	m.logger.Debug("delivering buffered request",
		"id", reg.ID, "endpoint", reg.Endpoint, "request", e.req.String())
	m.deliverAsync(e, false)
}

// OnRegistrationRemoved fails the request buffered for regID, if any.
func (m *Manager) OnRegistrationRemoved(regID string) {
	if e := m.takeSlot(regID); e != nil {
		e.result.fail(ErrRegistrationGone)
	}
}

// Buffered returns the request waiting for regID.
func (m *Manager) Buffered(regID string) (transport.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[regID]
	if !ok {
		return transport.Request{}, false
	}
	return e.req, true
}

// BufferedCount returns the number of buffered requests.
func (m *Manager) BufferedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Close cancels every buffered request and waits for in-flight deliveries.
// Requests sent or re-buffered after Close complete with ErrCancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pending := make([]*entry, 0, len(m.slots))
	for id, e := range m.slots {
		pending = append(pending, e)
		delete(m.slots, id)
	}
	m.mu.Unlock()
	m.timers.Stop()

	for _, e := range pending {
		e.result.fail(ErrCancelled)
	}
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) buffer(e *entry) {
	id := e.reg.ID

	m.mu.Lock()
	if m.closed || !m.timers.Schedule(id, time.Until(e.deadline), func() { m.expire(e) }) {
		m.mu.Unlock()
		e.result.fail(ErrCancelled)
		return
	}
	old := m.slots[id]
	m.slots[id] = e
	m.mu.Unlock()

	e.result.addCancelHook(func() { m.discard(e) })

	if old != nil {
		m.logger.Debug("buffered request superseded",
			"id", id, "old", old.req.String(), "new", e.req.String())
		old.result.fail(ErrSuperseded)
	}

	// The registration may have been removed, or the client may have woken,
	// between the caller's checks and the insert above. A cleanup or wake-up
	// that ran before the insert was visible has missed this entry.
	if !m.registrations.Exists(id) {
		if m.discard(e) {
			e.result.fail(ErrRegistrationGone)
		}
		return
	}
	if m.presence.IsAwake(e.reg) {
		if m.discard(e) {
			m.deliverAsync(e, false)
		}
	}
}

// discard removes e from its slot if it is still there.
func (m *Manager) discard(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := e.reg.ID
	if m.slots[id] != e {
		return false
	}
	delete(m.slots, id)
	m.timers.Cancel(id)
	return true
}

func (m *Manager) takeSlot(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[id]
	if !ok {
		return nil
	}
	delete(m.slots, id)
	m.timers.Cancel(id)
	return e
}

func (m *Manager) expire(e *entry) {
	if m.discard(e) {
		m.logger.Debug("buffered request timed out",
			"id", e.reg.ID, "request", e.req.String())
		e.result.fail(ErrTimeout)
	}
}

func (m *Manager) deliverAsync(e *entry, mayBuffer bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(e, mayBuffer)
	}()
}

func (m *Manager) deliver(e *entry, mayBuffer bool) {
	ctx, cancel := context.WithDeadline(context.Background(), e.deadline)
	defer cancel()
	if !e.result.addCancelHook(cancel) {
		return
	}

	resp, err := m.sender.SendNow(ctx, e.reg.Peer, e.req)
	switch {
	case err == nil:
		m.presence.SetAwake(e.reg)
		e.result.succeed(resp)

	case errors.Is(err, transport.ErrPeerSleeping) && mayBuffer && e.reg.UsesQueueMode():
		m.presence.SetSleeping(e.reg)
		m.buffer(e)

	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		m.presence.NotResponding(e.reg)
		e.result.fail(fmt.Errorf("%w: %s to %s", ErrTimeout, e.req, e.reg.Endpoint))

	default:
		m.logger.Debug("delivery failed",
			"id", e.reg.ID, "endpoint", e.reg.Endpoint, "request", e.req.String(), "error", err)
		e.result.fail(err)
	}
}
