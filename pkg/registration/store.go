package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lwm2m-go/lwm2m-server/internal/fanout"
	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Backend persists registrations so they survive restarts or can be shared.
// The store writes through to the backend on every mutation.
type Backend interface {
	SaveRegistration(ctx context.Context, reg *Registration) error
	DeleteRegistration(ctx context.Context, id string) error
	LoadRegistrations(ctx context.Context) ([]*Registration, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// NewID generates registration ids. Defaults to uuid.NewString.
	NewID func() string

	// Backend is an optional write-through persistence layer.
	Backend Backend

	// BackendTimeout bounds each backend call. Defaults to 5s.
	BackendTimeout time.Duration

	// Logger for backend failures and listener panics. Nil discards.
	Logger *slog.Logger
}

// Store holds live registrations indexed by id, endpoint and peer identity.
//
// A single mutex guards all three indexes so that replacing a registration
// for an endpoint is atomic. Backend writes are recorded under that mutex
// and applied after it is released, in mutation order, so lookups never
// wait for backend I/O.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Registration
	byEndpoint map[string]string
	byPeer     map[lwm2m.Identity]string
	pending    []backendOp

	// persistMu serializes draining pending into the backend.
	persistMu sync.Mutex

	clock          func() time.Time
	newID          func() string
	backend        Backend
	backendTimeout time.Duration
	logger         *slog.Logger

	listeners *fanout.Registry[Listener]
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		byID:           make(map[string]*Registration),
		byEndpoint:     make(map[string]string),
		byPeer:         make(map[lwm2m.Identity]string),
		clock:          cfg.Clock,
		newID:          cfg.NewID,
		backend:        cfg.Backend,
		backendTimeout: cfg.BackendTimeout,
		logger:         cfg.Logger,
		listeners:      fanout.New[Listener]("registration", cfg.Logger),
	}
}

// AddListener registers l and returns a function that removes it.
func (s *Store) AddListener(l Listener) (remove func()) {
	return s.listeners.Add(l)
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Register adds a new registration. If one already exists for the same
// endpoint it is replaced atomically and returned as previous.
//
// An empty reg.ID is filled in. RegistrationDate and LastUpdate are set to now.
func (s *Store) Register(reg *Registration) (stored *Registration, previous *Registration, err error) {
	if err := reg.Validate(); err != nil {
		return nil, nil, err
	}

	r := reg.Clone()
	if r.ID == "" {
		r.ID = s.newID()
	}
	now := s.clock()
	r.RegistrationDate = now
	r.LastUpdate = now

	s.mu.Lock()
	if existing, taken := s.byID[r.ID]; taken && existing.Endpoint != r.Endpoint {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: id %s already used by endpoint %s",
			ErrInvalidRegistration, r.ID, existing.Endpoint)
	}
	if prevID, ok := s.byEndpoint[r.Endpoint]; ok {
		previous = s.removeLocked(prevID)
		if prevID != r.ID {
			s.queueDeleteLocked(prevID)
		}
	}
	s.insertLocked(r)
	s.queueSaveLocked(r)
	s.mu.Unlock()
	s.flushBackend()

	stored = r.Clone()
	if previous != nil {
		s.notifyUnregistered(previous, ReasonReplaced, stored)
	}
	s.listeners.Each(func(l Listener) { l.Registered(stored.Clone(), previous.Clone()) })
	return stored, previous, nil
}

// Update applies a partial update to the registration with the given id.
func (s *Store) Update(id string, u Update) (Updated, error) {
	s.mu.Lock()
	current, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Updated{}, ErrNotFound
	}

	updated := u.Apply(current, s.clock())
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return Updated{}, err
	}
	if updated.Peer != current.Peer {
		if s.byPeer[current.Peer] == id {
			delete(s.byPeer, current.Peer)
		}
		if !updated.Peer.IsZero() {
			s.byPeer[updated.Peer] = id
		}
	}
	s.byID[id] = updated
	s.queueSaveLocked(updated)
	s.mu.Unlock()
	s.flushBackend()

	result := Updated{Previous: current.Clone(), Current: updated.Clone()}
	s.listeners.Each(func(l Listener) {
		l.Updated(Updated{Previous: result.Previous.Clone(), Current: result.Current.Clone()})
	})
	return result, nil
}

// Deregister removes the registration with the given id.
func (s *Store) Deregister(id string) (*Registration, error) {
	s.mu.Lock()
	removed := s.removeLocked(id)
	if removed == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.queueDeleteLocked(id)
	s.mu.Unlock()
	s.flushBackend()

	s.notifyUnregistered(removed, ReasonDeregistered, nil)
	return removed.Clone(), nil
}

// RemoveIfExpired removes the registration only if it is still expired at
// now, so that an update racing with the sweeper wins.
func (s *Store) RemoveIfExpired(id string, now time.Time, grace time.Duration) (*Registration, bool) {
	s.mu.Lock()
	reg, ok := s.byID[id]
	if !ok || reg.IsAliveWithGrace(now, grace) {
		s.mu.Unlock()
		return nil, false
	}
	s.removeLocked(id)
	s.queueDeleteLocked(id)
	s.mu.Unlock()
	s.flushBackend()

	s.notifyUnregistered(reg, ReasonExpired, nil)
	return reg.Clone(), true
}

// GetByID returns the registration with the given id.
func (s *Store) GetByID(id string) (*Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byID[id]
	return reg.Clone(), ok
}

// GetByEndpoint returns the registration for an endpoint name.
func (s *Store) GetByEndpoint(endpoint string) (*Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEndpoint[endpoint]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

// GetByPeer returns the registration for a transport identity.
func (s *Store) GetByPeer(peer lwm2m.Identity) (*Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPeer[peer]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

// Exists reports whether a live registration with the given id exists.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// All returns a snapshot of all registrations.
func (s *Store) All() []*Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Registration, 0, len(s.byID))
	for _, reg := range s.byID {
		out = append(out, reg.Clone())
	}
	return out
}

// Count returns the number of registrations.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Restore loads registrations from the backend without emitting events.
// Registrations already expired at load time are kept; the sweeper removes them.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	regs, err := s.backend.LoadRegistrations(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range regs {
		if prevID, ok := s.byEndpoint[reg.Endpoint]; ok {
			if s.byID[prevID].LastUpdate.After(reg.LastUpdate) {
				continue
			}
			s.removeLocked(prevID)
		}
		s.insertLocked(reg.Clone())
	}
	return len(s.byID), nil
}

func (s *Store) insertLocked(r *Registration) {
	s.byID[r.ID] = r
	s.byEndpoint[r.Endpoint] = r.ID
	if !r.Peer.IsZero() {
		s.byPeer[r.Peer] = r.ID
	}
}

func (s *Store) removeLocked(id string) *Registration {
	reg, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	if s.byEndpoint[reg.Endpoint] == id {
		delete(s.byEndpoint, reg.Endpoint)
	}
	if s.byPeer[reg.Peer] == id {
		delete(s.byPeer, reg.Peer)
	}
	return reg
}

func (s *Store) notifyUnregistered(reg *Registration, reason Reason, replacement *Registration) {
	s.listeners.Each(func(l Listener) { l.Unregistered(reg.Clone(), reason, replacement.Clone()) })
}

// backendOp is a recorded backend write. A nil reg deletes id.
type backendOp struct {
	id  string
	reg *Registration
}

func (s *Store) queueSaveLocked(reg *Registration) {
	if s.backend != nil {
		s.pending = append(s.pending, backendOp{id: reg.ID, reg: reg.Clone()})
	}
}

func (s *Store) queueDeleteLocked(id string) {
	if s.backend != nil {
		s.pending = append(s.pending, backendOp{id: id})
	}
}

// flushBackend applies the recorded writes in order. When it returns, every
// write recorded before the call has reached the backend.
func (s *Store) flushBackend() {
	if s.backend == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, op := range ops {
		if op.reg == nil {
			s.deleteBackend(op.id)
		} else {
			s.saveBackend(op.reg)
		}
	}
}

func (s *Store) saveBackend(reg *Registration) {
	ctx, cancel := context.WithTimeout(context.Background(), s.backendTimeout)
	defer cancel()
	if err := s.backend.SaveRegistration(ctx, reg); err != nil {
		s.logger.Warn("failed to persist registration",
			"id", reg.ID, "endpoint", reg.Endpoint, "error", err)
	}
}

func (s *Store) deleteBackend(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.backendTimeout)
	defer cancel()
	if err := s.backend.DeleteRegistration(ctx, id); err != nil {
		s.logger.Warn("failed to delete persisted registration", "id", id, "error", err)
	}
}
