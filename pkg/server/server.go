package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lwm2m-go/lwm2m-server/internal/fanout"
	"github.com/lwm2m-go/lwm2m-server/pkg/log"
	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/mqttbridge"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/persistence"
	"github.com/lwm2m-go/lwm2m-server/pkg/presence"
	"github.com/lwm2m-go/lwm2m-server/pkg/queue"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/security"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
)

// Server errors.
var (
	ErrNotStarted     = errors.New("server not started")
	ErrAlreadyStarted = errors.New("server already started")
	ErrStopped        = errors.New("server stopped")
	ErrRequestFailed  = errors.New("request failed")
	ErrMailboxBusy    = errors.New("a request is already waiting for the client")
)

// State is the server lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Operator listener types. Operators see events after the server has
// applied their consequences to the other components.
type (
	RegistrationListener = registration.Listener
	PresenceListener     = presence.Listener
	NotificationListener = observation.Listener
)

// Server ties the registration store, presence tracker, queue manager and
// observation engine together and exposes the hooks the transport calls.
type Server struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config Config
	logger *slog.Logger
	events log.Logger
	clock  func() time.Time

	registrations *registration.Store
	sweeper       *registration.Sweeper
	presence      *presence.Tracker
	queue         *queue.Manager
	observations  *observation.Engine
	security      security.Store

	bridge  *mqttbridge.Bridge
	closers []io.Closer

	registrationListeners *fanout.Registry[RegistrationListener]
	presenceListeners     *fanout.Registry[PresenceListener]
	notificationListeners *fanout.Registry[NotificationListener]
}

// New creates a server. Storage named by cfg.Storage is opened here;
// persisted state is loaded by Start.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Server{
		config:                cfg,
		logger:                logger,
		clock:                 clock,
		registrationListeners: fanout.New[RegistrationListener]("registration operator", logger),
		presenceListeners:     fanout.New[PresenceListener]("presence operator", logger),
		notificationListeners: fanout.New[NotificationListener]("notification operator", logger),
	}

	events, err := s.openEventLog()
	if err != nil {
		return nil, err
	}
	s.events = events

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	if storage.closer != nil {
		s.closers = append(s.closers, storage.closer)
	}
	s.security = storage.security

	s.registrations = registration.NewStore(registration.StoreConfig{
		Clock:   clock,
		NewID:   cfg.NewID,
		Backend: storage.registrations,
		Logger:  logger.With("component", "registration"),
	})
	s.sweeper = registration.NewSweeper(s.registrations, registration.SweeperConfig{
		Interval:    cfg.Registration.SweepInterval,
		GracePeriod: cfg.Registration.GracePeriod,
		Limit:       cfg.Registration.SweepLimit,
		Logger:      logger.With("component", "sweeper"),
	})
	s.presence = presence.NewTracker(presence.Config{
		AwakeTime:     cfg.Presence.AwakeTime,
		Registrations: s.registrations,
		Logger:        logger.With("component", "presence"),
	})
	s.queue = queue.NewManager(queue.Config{
		Sender:         cfg.Sender,
		Presence:       s.presence,
		Registrations:  s.registrations,
		DefaultTimeout: cfg.Queue.DefaultTimeout,
		Logger:         logger.With("component", "queue"),
	})
	s.observations = observation.NewEngine(observation.Config{
		Reader:        observation.ReaderFunc(s.read),
		Registrations: s.registrations,
		Backend:       storage.observations,
		ReadTimeout:   cfg.Observation.ReadTimeout,
		Clock:         clock,
		Logger:        logger.With("component", "observation"),
	})

	s.registrations.AddListener(registrationHooks{s})
	s.presence.AddListener(presenceHooks{s})
	s.observations.AddListener(notificationHooks{s})

	return s, nil
}

type storage struct {
	registrations registration.Backend
	observations  observation.Backend
	security      security.Store
	closer        io.Closer
}

func openStorage(cfg StorageConfig) (storage, error) {
	switch cfg.Type {
	case StorageFile:
		fs := persistence.NewFileStore(cfg.Path)
		return storage{registrations: fs, observations: fs, security: security.NewMemoryStore()}, nil

	case StorageSQL:
		db, err := persistence.Open(cfg.URL)
		if err != nil {
			return storage{}, err
		}
		if err := persistence.Migrate(db); err != nil {
			db.Close()
			return storage{}, err
		}
		store, err := persistence.NewSQLStore(db)
		if err != nil {
			db.Close()
			return storage{}, err
		}
		return storage{registrations: store, observations: store, security: store, closer: store}, nil

	default:
		return storage{security: security.NewMemoryStore()}, nil
	}
}

func (s *Server) openEventLog() (log.Logger, error) {
	var loggers []log.Logger
	if s.config.EventLogger != nil {
		loggers = append(loggers, s.config.EventLogger)
	}
	if s.config.EventLog.Path != "" {
		fl, err := log.NewFileLogger(s.config.EventLog.Path)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		s.closers = append(s.closers, fl)
		categories, err := s.config.EventLog.categories()
		if err != nil {
			return nil, err
		}
		loggers = append(loggers, log.Select(fl, categories...))
	}
	if s.config.EventLog.Console {
		loggers = append(loggers, log.NewSlogAdapter(s.logger.With("component", "events")))
	}

	switch len(loggers) {
	case 0:
		return log.NoopLogger{}, nil
	case 1:
		return loggers[0], nil
	default:
		return log.NewMultiLogger(loggers...), nil
	}
}

// Start loads persisted state, connects the MQTT bridge if enabled and
// starts the expiration sweeper.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateRunning:
		s.mu.Unlock()
		return ErrAlreadyStarted
	default:
		s.mu.Unlock()
		return ErrStopped
	}
	s.mu.Unlock()

	regs, err := s.registrations.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore registrations: %w", err)
	}
	obs, err := s.observations.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore observations: %w", err)
	}
	if regs > 0 || obs > 0 {
		s.logger.Info("restored state", "registrations", regs, "observations", obs)
	}

	if s.config.MQTT.Enabled {
		bridge, err := mqttbridge.Connect(s.config.MQTT, s.registrations, s.logger)
		if err != nil {
			return err
		}
		s.bridge = bridge
		s.AddRegistrationListener(bridge)
		s.AddPresenceListener(bridge)
		s.AddNotificationListener(bridge)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweeper.Run(runCtx)
	}()

	s.logger.Info("server started", "storage", s.config.Storage.Type)
	return nil
}

// Stop cancels buffered requests, stops all timers and closes storage.
// A stopped server cannot be restarted.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.queue.Close()
	s.observations.Stop()
	s.presence.Stop()
	s.wg.Wait()

	if s.bridge != nil {
		s.bridge.Close()
	}
	s.closeAll()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) running() bool {
	return s.State() == StateRunning
}

// AddRegistrationListener registers l for registration events.
func (s *Server) AddRegistrationListener(l RegistrationListener) (remove func()) {
	return s.registrationListeners.Add(l)
}

// AddPresenceListener registers l for presence transitions.
func (s *Server) AddPresenceListener(l PresenceListener) (remove func()) {
	return s.presenceListeners.Add(l)
}

// AddNotificationListener registers l for notifications and read failures.
func (s *Server) AddNotificationListener(l NotificationListener) (remove func()) {
	return s.notificationListeners.Add(l)
}

// Registrations returns the registration store.
func (s *Server) Registrations() *registration.Store { return s.registrations }

// Presence returns the presence tracker.
func (s *Server) Presence() *presence.Tracker { return s.presence }

// Queue returns the queue manager.
func (s *Server) Queue() *queue.Manager { return s.queue }

// Observations returns the observation engine.
func (s *Server) Observations() *observation.Engine { return s.observations }

// Security returns the security store.
func (s *Server) Security() security.Store { return s.security }

// Register handles a registration request.
func (s *Server) Register(reg *registration.Registration) (*registration.Registration, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	stored, _, err := s.registrations.Register(reg)
	return stored, err
}

// Update handles a registration update request.
func (s *Server) Update(id string, u registration.Update) (*registration.Registration, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	updated, err := s.registrations.Update(id, u)
	if err != nil {
		return nil, err
	}
	return updated.Current, nil
}

// Deregister handles a deregistration request.
func (s *Server) Deregister(id string) (*registration.Registration, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.registrations.Deregister(id)
}

// MessageReceived is called by the transport for every message from peer.
// A queue-mode client that sends anything is awake.
func (s *Server) MessageReceived(peer lwm2m.Identity) {
	if !s.running() {
		return
	}
	reg, ok := s.registrations.GetByPeer(peer)
	if !ok {
		s.logger.Debug("message from unregistered peer", "peer", peer.String())
		return
	}
	s.presence.SetAwake(reg)
}

// PeerUnreachable is called by the transport when peer cannot be reached.
// A queue-mode client is put to sleep; others are unaffected.
func (s *Server) PeerUnreachable(peer lwm2m.Identity) {
	if !s.running() {
		return
	}
	reg, ok := s.registrations.GetByPeer(peer)
	if !ok {
		return
	}
	s.presence.SetSleeping(reg)
}

// Send delivers req to the client registered as endpoint. The returned
// result reaches exactly one terminal state.
func (s *Server) Send(endpoint string, req transport.Request, timeout time.Duration) (*queue.PendingResult, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	reg, ok := s.registrations.GetByEndpoint(endpoint)
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", endpoint, registration.ErrNotFound)
	}
	return s.send(reg, req, timeout), nil
}

func (s *Server) send(reg *registration.Registration, req transport.Request, timeout time.Duration) *queue.PendingResult {
	start := s.clock()
	result := s.queue.Send(reg, req, timeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-result.Done()
		s.logRequest(reg, req, result, s.clock().Sub(start))
	}()
	return result
}

// read fetches a value for a pmax boundary through the queue. A request
// already waiting for a sleeping client is never displaced by a read.
func (s *Server) read(ctx context.Context, regID string, path lwm2m.Path) ([]byte, error) {
	reg, ok := s.registrations.GetByID(regID)
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, registration.ErrNotFound)
	}
	if _, busy := s.queue.Buffered(regID); busy {
		return nil, fmt.Errorf("read %s: %w", path, ErrMailboxBusy)
	}

	timeout := s.config.Observation.ReadTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	result := s.send(reg, transport.ReadRequest(path), timeout)
	resp, err := result.Wait(ctx)
	if err != nil {
		result.Cancel()
		return nil, err
	}
	if !resp.Code.IsSuccess() {
		return nil, fmt.Errorf("read %s: %w: %s", path, ErrRequestFailed, resp.Code)
	}
	return resp.Payload, nil
}

// Observe starts observing path on registration regID.
func (s *Server) Observe(regID string, path lwm2m.Path, attrs observation.Attributes) error {
	if !s.running() {
		return ErrNotStarted
	}
	return s.observations.Observe(observation.Observation{
		RegistrationID: regID,
		Path:           path,
		Attributes:     attrs,
		CreatedAt:      s.clock(),
	})
}

// SetObservationAttributes changes the attributes of an observation.
func (s *Server) SetObservationAttributes(regID string, path lwm2m.Path, attrs observation.Attributes) error {
	if !s.running() {
		return ErrNotStarted
	}
	return s.observations.SetAttributes(regID, path, attrs)
}

// CancelObservation stops observing path on registration regID.
func (s *Server) CancelObservation(regID string, path lwm2m.Path) error {
	if !s.running() {
		return ErrNotStarted
	}
	return s.observations.Cancel(regID, path)
}

// ValueReceived is called by the transport when a client pushes a value of
// an observed path. The client is awake since it just sent a message.
func (s *Server) ValueReceived(regID string, path lwm2m.Path, value []byte) error {
	if !s.running() {
		return ErrNotStarted
	}
	if reg, ok := s.registrations.GetByID(regID); ok {
		s.presence.SetAwake(reg)
	}
	return s.observations.HandleValue(regID, path, value)
}

// registrationHooks cascades registration changes to the other components
// before operators hear about them.
type registrationHooks struct{ s *Server }

func (h registrationHooks) Registered(reg, previous *registration.Registration) {
	s := h.s
	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}
	s.logRegistration(log.ActionRegistered, reg, previousID)
	s.registrationListeners.Each(func(l RegistrationListener) { l.Registered(reg, previous) })

	// A client that just registered is reachable.
	s.presence.SetAwake(reg)
}

func (h registrationHooks) Updated(u registration.Updated) {
	s := h.s
	s.logRegistration(log.ActionUpdated, u.Current, "")
	s.registrationListeners.Each(func(l RegistrationListener) { l.Updated(u) })

	if u.Current.UsesQueueMode() {
		s.presence.SetAwake(u.Current)
		return
	}
	// Left queue mode: always reachable, so anything buffered goes out now.
	s.presence.Remove(u.Current.ID)
	s.queue.OnAwake(u.Current)
}

func (h registrationHooks) Unregistered(reg *registration.Registration, reason registration.Reason, replacement *registration.Registration) {
	s := h.s
	s.presence.Remove(reg.ID)
	s.queue.OnRegistrationRemoved(reg.ID)
	if cancelled := s.observations.CancelAll(reg.ID); len(cancelled) > 0 {
		s.logger.Debug("observations cancelled", "id", reg.ID, "count", len(cancelled), "reason", reason.String())
	}

	replacementID := ""
	if replacement != nil {
		replacementID = replacement.ID
	}
	s.logRegistration(actionForReason(reason), reg, replacementID)
	s.registrationListeners.Each(func(l RegistrationListener) { l.Unregistered(reg, reason, replacement) })
}

type presenceHooks struct{ s *Server }

func (h presenceHooks) OnAwake(reg *registration.Registration) {
	s := h.s
	s.queue.OnAwake(reg)
	s.logPresence(reg, presence.StateSleeping, presence.StateAwake)
	s.presenceListeners.Each(func(l PresenceListener) { l.OnAwake(reg) })
}

func (h presenceHooks) OnSleeping(reg *registration.Registration) {
	s := h.s
	s.logPresence(reg, presence.StateAwake, presence.StateSleeping)
	s.presenceListeners.Each(func(l PresenceListener) { l.OnSleeping(reg) })
}

type notificationHooks struct{ s *Server }

func (h notificationHooks) Notify(n observation.Notification) {
	s := h.s
	s.logNotification(n)
	s.notificationListeners.Each(func(l NotificationListener) { l.Notify(n) })
}

func (h notificationHooks) ReadFailed(regID string, path lwm2m.Path, err error) {
	s := h.s
	s.logError(regID, err, "periodic read of "+path.String())
	s.notificationListeners.Each(func(l NotificationListener) { l.ReadFailed(regID, path, err) })
}
