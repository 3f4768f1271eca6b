package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lwm2m-go/lwm2m-server/pkg/log"
	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/presence"
	"github.com/lwm2m-go/lwm2m-server/pkg/queue"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport/mocks"
)

var (
	tempPath = lwm2m.MustParsePath("/3303/0/5700")
	readTemp = transport.ReadRequest(tempPath)
	readMfr  = transport.ReadRequest(lwm2m.MustParsePath("/3/0/0"))
	content  = transport.Response{Code: transport.CodeContent, Payload: []byte("21.5")}
	devPeer  = lwm2m.UnsecureIdentity("192.0.2.10:5683")
)

type recordingEvents struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recordingEvents) Log(e log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) byCategory(c log.Category) []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []log.Event
	for _, e := range r.events {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(sender transport.Sender) Config {
	cfg := DefaultConfig()
	cfg.Sender = sender
	cfg.Registration.SweepInterval = 10 * time.Millisecond
	cfg.Logging.Level = "error"
	return cfg
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func queueClient(endpoint string) *registration.Registration {
	return &registration.Registration{
		Endpoint: endpoint,
		Peer:     devPeer,
		Lifetime: 3600 * time.Second,
		Binding:  lwm2m.BindingUDP | lwm2m.BindingQueue,
	}
}

func udpClient(endpoint string) *registration.Registration {
	return &registration.Registration{
		Endpoint: endpoint,
		Peer:     devPeer,
		Lifetime: 3600 * time.Second,
		Binding:  lwm2m.BindingUDP,
	}
}

func waitFor(t *testing.T, res *queue.PendingResult) (transport.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := res.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "result never completed")
	return resp, err
}

func TestQueuedRequestDeliveredOnWake(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().SendNow(mock.Anything, devPeer, readTemp).Return(content, nil).Once()

	s := startServer(t, testConfig(sender))

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	require.NotEmpty(t, reg.ID)

	// The client went quiet after registering.
	s.PeerUnreachable(devPeer)
	require.False(t, s.Presence().IsAwake(reg))

	res, err := s.Send("dev-1", readTemp, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, res.State())
	buffered, ok := s.Queue().Buffered(reg.ID)
	require.True(t, ok)
	assert.Equal(t, readTemp, buffered)

	s.MessageReceived(devPeer)

	resp, err := waitFor(t, res)
	require.NoError(t, err)
	assert.Equal(t, content, resp)
	assert.Equal(t, queue.StateSucceeded, res.State())
	assert.Equal(t, 0, s.Queue().BufferedCount())
	sender.AssertNumberOfCalls(t, "SendNow", 1)
}

func TestSecondRequestSupersedesFirst(t *testing.T) {
	sender := mocks.NewMockSender(t)
	s := startServer(t, testConfig(sender))

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	s.PeerUnreachable(devPeer)

	first, err := s.Send("dev-1", readTemp, time.Minute)
	require.NoError(t, err)
	second, err := s.Send("dev-1", readMfr, time.Minute)
	require.NoError(t, err)

	_, err = waitFor(t, first)
	assert.ErrorIs(t, err, queue.ErrSuperseded)
	assert.Equal(t, queue.StateSuperseded, first.State())
	assert.Equal(t, queue.StatePending, second.State())

	assert.Equal(t, 1, s.Queue().BufferedCount())
	buffered, ok := s.Queue().Buffered(reg.ID)
	require.True(t, ok)
	assert.Equal(t, readMfr, buffered)
}

func TestSendToUnknownEndpoint(t *testing.T) {
	s := startServer(t, testConfig(mocks.NewMockSender(t)))

	_, err := s.Send("nobody", readTemp, time.Second)
	assert.ErrorIs(t, err, registration.ErrNotFound)
}

func TestDeregistrationCascades(t *testing.T) {
	sender := mocks.NewMockSender(t)
	s := startServer(t, testConfig(sender))

	var (
		mu      sync.Mutex
		reasons []registration.Reason
	)
	s.AddRegistrationListener(registration.ListenerFuncs{
		OnUnregistered: func(reg *registration.Registration, reason registration.Reason, _ *registration.Registration) {
			mu.Lock()
			defer mu.Unlock()
			reasons = append(reasons, reason)
		},
	})

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	require.NoError(t, s.Observe(reg.ID, tempPath, observation.Attributes{}))
	s.PeerUnreachable(devPeer)

	res, err := s.Send("dev-1", readTemp, time.Minute)
	require.NoError(t, err)

	_, err = s.Deregister(reg.ID)
	require.NoError(t, err)

	_, err = waitFor(t, res)
	assert.ErrorIs(t, err, queue.ErrRegistrationGone)
	assert.Equal(t, 0, s.Queue().BufferedCount())
	assert.Equal(t, 0, s.Observations().Count())
	_, tracked := s.Presence().State(reg.ID)
	assert.False(t, tracked)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []registration.Reason{registration.ReasonDeregistered}, reasons)
}

func TestReplacementOrdersEvents(t *testing.T) {
	s := startServer(t, testConfig(mocks.NewMockSender(t)))

	var (
		mu    sync.Mutex
		order []string
	)
	s.AddRegistrationListener(registration.ListenerFuncs{
		OnRegistered: func(reg, previous *registration.Registration) {
			mu.Lock()
			defer mu.Unlock()
			if previous != nil {
				order = append(order, "registered:replacing:"+previous.ID)
				return
			}
			order = append(order, "registered")
		},
		OnUnregistered: func(reg *registration.Registration, reason registration.Reason, replacement *registration.Registration) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "unregistered:"+reason.String()+":"+replacement.ID)
		},
	})

	first, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	second, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"registered",
		"unregistered:REPLACED:" + second.ID,
		"registered:replacing:" + first.ID,
	}, order)
	assert.Equal(t, 1, s.Registrations().Count())
}

func TestUpdateLeavingQueueModeFlushesMailbox(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().SendNow(mock.Anything, devPeer, readTemp).Return(content, nil).Once()
	s := startServer(t, testConfig(sender))

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	s.PeerUnreachable(devPeer)

	res, err := s.Send("dev-1", readTemp, time.Minute)
	require.NoError(t, err)

	binding := lwm2m.BindingUDP
	_, err = s.Update(reg.ID, registration.Update{Binding: &binding})
	require.NoError(t, err)

	_, err = waitFor(t, res)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Presence().Count())
}

func TestExpiredRegistrationIsSwept(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig(mocks.NewMockSender(t))
	cfg.Clock = clock.Now
	s := startServer(t, cfg)

	expired := make(chan registration.Reason, 1)
	s.AddRegistrationListener(registration.ListenerFuncs{
		OnUnregistered: func(_ *registration.Registration, reason registration.Reason, _ *registration.Registration) {
			expired <- reason
		},
	})

	reg := queueClient("dev-1")
	reg.Lifetime = time.Minute
	_, err := s.Register(reg)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	select {
	case reason := <-expired:
		assert.Equal(t, registration.ReasonExpired, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("registration was not swept")
	}
	assert.Equal(t, 0, s.Registrations().Count())
}

func TestPeriodicReadGoesThroughQueue(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().SendNow(mock.Anything, devPeer, readTemp).Return(content, nil)
	s := startServer(t, testConfig(sender))

	notified := make(chan observation.Notification, 8)
	s.AddNotificationListener(observation.ListenerFuncs{
		OnNotify: func(n observation.Notification) {
			select {
			case notified <- n:
			default:
			}
		},
	})

	reg, err := s.Register(udpClient("dev-1"))
	require.NoError(t, err)
	require.NoError(t, s.Observe(reg.ID, tempPath, observation.Attributes{
		PMax: observation.Duration(30 * time.Millisecond),
	}))

	select {
	case n := <-notified:
		assert.True(t, n.Periodic)
		assert.Equal(t, reg.ID, n.RegistrationID)
		assert.Equal(t, []byte("21.5"), n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no periodic notification")
	}
}

func TestPeriodicReadNeverDisplacesBufferedRequest(t *testing.T) {
	sender := mocks.NewMockSender(t)
	s := startServer(t, testConfig(sender))

	failures := make(chan error, 8)
	s.AddNotificationListener(observation.ListenerFuncs{
		OnReadFailed: func(_ string, _ lwm2m.Path, err error) {
			select {
			case failures <- err:
			default:
			}
		},
	})

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	s.PeerUnreachable(devPeer)

	res, err := s.Send("dev-1", readMfr, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Observe(reg.ID, tempPath, observation.Attributes{
		PMax: observation.Duration(20 * time.Millisecond),
	}))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrMailboxBusy)
	case <-time.After(2 * time.Second):
		t.Fatal("periodic read did not fail")
	}

	buffered, ok := s.Queue().Buffered(reg.ID)
	require.True(t, ok)
	assert.Equal(t, readMfr, buffered)
	assert.Equal(t, queue.StatePending, res.State())
}

func TestValueReceivedWakesClientAndNotifies(t *testing.T) {
	s := startServer(t, testConfig(mocks.NewMockSender(t)))

	notified := make(chan observation.Notification, 1)
	s.AddNotificationListener(observation.ListenerFuncs{
		OnNotify: func(n observation.Notification) { notified <- n },
	})
	awake := make(chan string, 1)
	s.AddPresenceListener(presence.ListenerFuncs{
		Awake: func(reg *registration.Registration) { awake <- reg.ID },
	})

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	<-awake
	s.PeerUnreachable(devPeer)
	require.NoError(t, s.Observe(reg.ID, tempPath, observation.Attributes{}))

	require.NoError(t, s.ValueReceived(reg.ID, tempPath, []byte("22.0")))

	assert.Equal(t, reg.ID, <-awake)
	n := <-notified
	assert.Equal(t, []byte("22.0"), n.Value)
	assert.False(t, n.Periodic)
}

func TestEventsAreCaptured(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().SendNow(mock.Anything, devPeer, readTemp).Return(content, nil).Once()

	events := &recordingEvents{}
	cfg := testConfig(sender)
	cfg.EventLogger = events
	s := startServer(t, cfg)

	reg, err := s.Register(udpClient("dev-1"))
	require.NoError(t, err)

	res, err := s.Send("dev-1", readTemp, time.Second)
	require.NoError(t, err)
	_, err = waitFor(t, res)
	require.NoError(t, err)

	_, err = s.Deregister(reg.ID)
	require.NoError(t, err)

	regEvents := events.byCategory(log.CategoryRegistration)
	require.Len(t, regEvents, 2)
	assert.Equal(t, log.ActionRegistered, regEvents[0].Registration.Action)
	assert.Equal(t, log.ActionDeregistered, regEvents[1].Registration.Action)
	assert.Equal(t, "dev-1", regEvents[0].Endpoint)
	assert.Equal(t, devPeer.String(), regEvents[0].Peer)

	// The request outcome is logged once the result settles.
	require.Eventually(t, func() bool {
		return len(events.byCategory(log.CategoryRequest)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	req := events.byCategory(log.CategoryRequest)[0]
	assert.Equal(t, "READ", req.Request.Operation)
	assert.Equal(t, "/3303/0/5700", req.Request.Path)
	assert.Equal(t, "SUCCEEDED", req.Request.Outcome)
}

func TestLifecycle(t *testing.T) {
	s, err := New(testConfig(mocks.NewMockSender(t)))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())

	_, err = s.Register(udpClient("dev-1"))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestStopCancelsBufferedRequests(t *testing.T) {
	s, err := New(testConfig(mocks.NewMockSender(t)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	s.PeerUnreachable(devPeer)
	res, err := s.Send("dev-1", readTemp, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	_, err = waitFor(t, res)
	assert.ErrorIs(t, err, queue.ErrCancelled)
}

func TestStopDuringDeliveryCompletesResult(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	sender := transport.SenderFunc(func(context.Context, lwm2m.Identity, transport.Request) (transport.Response, error) {
		close(inFlight)
		<-release
		return transport.Response{}, transport.ErrPeerSleeping
	})
	s, err := New(testConfig(sender))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// Awake right after registering, so the request goes out immediately.
	_, err = s.Register(queueClient("dev-1"))
	require.NoError(t, err)
	res, err := s.Send("dev-1", readTemp, time.Minute)
	require.NoError(t, err)
	<-inFlight

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	require.Eventually(t, func() bool { return s.State() == StateStopping }, time.Second, time.Millisecond)
	// Let Stop drain the mailboxes before the client answers that it is asleep.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	_, err = waitFor(t, res)
	assert.ErrorIs(t, err, queue.ErrCancelled)
	assert.Equal(t, 0, s.Queue().BufferedCount())
}

func TestSendRacingDeregisterNeverLeaks(t *testing.T) {
	s := startServer(t, testConfig(mocks.NewMockSender(t)))

	for i := 0; i < 100; i++ {
		reg, err := s.Register(queueClient("dev-1"))
		require.NoError(t, err)
		s.PeerUnreachable(devPeer)

		var res *queue.PendingResult
		var sendErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, sendErr = s.Send("dev-1", readTemp, time.Minute)
		}()
		go func() {
			defer wg.Done()
			_, err := s.Deregister(reg.ID)
			assert.NoError(t, err)
		}()
		wg.Wait()

		if sendErr != nil {
			require.ErrorIs(t, sendErr, registration.ErrNotFound)
		} else {
			select {
			case <-res.Done():
			default:
				t.Fatalf("iteration %d: result still pending after deregistration", i)
			}
			assert.ErrorIs(t, res.Err(), registration.ErrNotFound)
		}
		assert.Equal(t, 0, s.Queue().BufferedCount(), "iteration %d", i)
		assert.Equal(t, 0, s.Presence().Count(), "iteration %d", i)
	}
}

func TestMessageFromJustRemovedClientLeavesNoPresence(t *testing.T) {
	s := startServer(t, testConfig(mocks.NewMockSender(t)))
	var awake, sleeping atomic.Int32
	s.AddPresenceListener(presence.ListenerFuncs{
		Awake:    func(*registration.Registration) { awake.Add(1) },
		Sleeping: func(*registration.Registration) { sleeping.Add(1) },
	})

	reg, err := s.Register(queueClient("dev-1"))
	require.NoError(t, err)

	// The transport resolved the peer, then the client deregistered before
	// its presence was refreshed.
	stale, ok := s.Registrations().GetByPeer(devPeer)
	require.True(t, ok)
	_, err = s.Deregister(reg.ID)
	require.NoError(t, err)
	s.Presence().SetAwake(stale)

	assert.Equal(t, 0, s.Registrations().Count())
	assert.Equal(t, 0, s.Presence().Count())
	assert.EqualValues(t, 1, awake.Load())
	assert.EqualValues(t, 0, sleeping.Load())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig(mocks.NewMockSender(t))
	cfg.Storage = StorageConfig{Type: StorageSQL, URL: "mysql://localhost/lwm2m"}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		storage StorageConfig
	}{
		{"file", StorageConfig{Type: StorageFile, Path: filepath.Join(dir, "state.cbor")}},
		{"sqlite", StorageConfig{Type: StorageSQL, URL: "sqlite://" + filepath.Join(dir, "state.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(mocks.NewMockSender(t))
			cfg.Storage = tt.storage

			first, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, first.Start(context.Background()))

			reg, err := first.Register(queueClient("dev-1"))
			require.NoError(t, err)
			require.NoError(t, first.Observe(reg.ID, tempPath, observation.Attributes{
				PMin: observation.Duration(time.Second),
			}))
			require.NoError(t, first.Stop())

			second := startServer(t, cfg)

			restored, ok := second.Registrations().GetByEndpoint("dev-1")
			require.True(t, ok)
			assert.Equal(t, reg.ID, restored.ID)
			assert.Equal(t, reg.Binding, restored.Binding)

			obs, ok := second.Observations().Get(reg.ID, tempPath)
			require.True(t, ok)
			assert.Equal(t, time.Second, *obs.Attributes.PMin)

			// Restored queue-mode clients start out sleeping.
			assert.False(t, second.Presence().IsAwake(restored))
		})
	}
}

func TestReadFailsOnErrorResponse(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().SendNow(mock.Anything, devPeer, readTemp).
		Return(transport.Response{Code: transport.CodeNotFound}, nil).Once()
	s := startServer(t, testConfig(sender))

	reg, err := s.Register(udpClient("dev-1"))
	require.NoError(t, err)

	_, err = s.read(context.Background(), reg.ID, tempPath)
	assert.ErrorIs(t, err, ErrRequestFailed)

	_, err = s.read(context.Background(), "gone", tempPath)
	assert.True(t, errors.Is(err, registration.ErrNotFound))
}
