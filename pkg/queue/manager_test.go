package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport/mocks"
)

type fakePresence struct {
	mu            sync.Mutex
	awake         map[string]bool
	script        []bool
	setAwake      int
	setSleeping   int
	notResponding int
}

func newFakePresence() *fakePresence {
	return &fakePresence{awake: map[string]bool{}}
}

func (p *fakePresence) IsAwake(reg *registration.Registration) bool {
	if !reg.UsesQueueMode() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) > 0 {
		v := p.script[0]
		p.script = p.script[1:]
		return v
	}
	return p.awake[reg.ID]
}

func (p *fakePresence) SetAwake(reg *registration.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setAwake++
	p.awake[reg.ID] = true
}

func (p *fakePresence) SetSleeping(reg *registration.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSleeping++
	p.awake[reg.ID] = false
}

func (p *fakePresence) NotResponding(reg *registration.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notResponding++
	p.awake[reg.ID] = false
}

func (p *fakePresence) counts() (awake, sleeping, notResponding int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAwake, p.setSleeping, p.notResponding
}

type fakeRegistrations struct {
	mu   sync.Mutex
	live map[string]bool
}

func newFakeRegistrations(ids ...string) *fakeRegistrations {
	r := &fakeRegistrations{live: map[string]bool{}}
	for _, id := range ids {
		r.live[id] = true
	}
	return r
}

func (r *fakeRegistrations) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

func (r *fakeRegistrations) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

var (
	readTemp = transport.ReadRequest(lwm2m.MustParsePath("/3303/0/5700"))
	readMfr  = transport.ReadRequest(lwm2m.MustParsePath("/3/0/0"))
	content  = transport.Response{Code: transport.CodeContent, Payload: []byte("21.5")}
)

func udpReg(id string) *registration.Registration {
	return &registration.Registration{
		ID:       id,
		Endpoint: "ep-" + id,
		Peer:     lwm2m.UnsecureIdentity("10.0.0.1:5683"),
		Lifetime: time.Hour,
		Binding:  lwm2m.BindingUDP,
	}
}

func queueReg(id string) *registration.Registration {
	reg := udpReg(id)
	reg.Binding |= lwm2m.BindingQueue
	return reg
}

func newTestManager(t *testing.T, sender transport.Sender, presence Presence, regs Registrations) *Manager {
	t.Helper()
	m := NewManager(Config{Sender: sender, Presence: presence, Registrations: regs})
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, res *PendingResult) (transport.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := res.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "result never completed")
	return resp, err
}

func TestSendImmediateForNonQueueMode(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := udpReg("r1")
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).Return(content, nil).Once()

	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, time.Second)

	resp, err := waitFor(t, res)
	require.NoError(t, err)
	assert.Equal(t, content, resp)
	assert.Equal(t, StateSucceeded, res.State())
	assert.Equal(t, 0, m.BufferedCount())
}

func TestSendImmediateForAwakeQueueClient(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	presence := newFakePresence()
	presence.awake["r1"] = true
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).Return(content, nil).Once()

	m := newTestManager(t, sender, presence, newFakeRegistrations("r1"))
	_, err := waitFor(t, m.Send(reg, readTemp, time.Second))
	require.NoError(t, err)

	awake, _, _ := presence.counts()
	assert.Equal(t, 1, awake, "a response refreshes presence")
}

func TestSupersedeThenWake(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	presence := newFakePresence()
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readMfr).Return(content, nil).Once()

	m := newTestManager(t, sender, presence, newFakeRegistrations("r1"))

	first := m.Send(reg, readTemp, time.Minute)
	second := m.Send(reg, readMfr, time.Minute)

	_, err := waitFor(t, first)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, StateSuperseded, first.State())

	buffered, ok := m.Buffered("r1")
	require.True(t, ok)
	assert.Equal(t, readMfr, buffered)

	presence.SetAwake(reg)
	m.OnAwake(reg)

	resp, err := waitFor(t, second)
	require.NoError(t, err)
	assert.Equal(t, content, resp)
	assert.Equal(t, 0, m.BufferedCount())
}

func TestOnAwakeWithEmptyMailbox(t *testing.T) {
	sender := mocks.NewMockSender(t)
	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))
	m.OnAwake(queueReg("r1"))
	assert.Equal(t, 0, m.BufferedCount())
}

func TestBufferedRequestTimesOut(t *testing.T) {
	sender := mocks.NewMockSender(t)
	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))

	res := m.Send(queueReg("r1"), readTemp, 30*time.Millisecond)

	_, err := waitFor(t, res)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateTimedOut, res.State())
	assert.Equal(t, 0, m.BufferedCount())
}

func TestRegistrationRemovedWhileBuffered(t *testing.T) {
	sender := mocks.NewMockSender(t)
	regs := newFakeRegistrations("r1")
	m := newTestManager(t, sender, newFakePresence(), regs)

	res := m.Send(queueReg("r1"), readTemp, time.Minute)
	require.Equal(t, 1, m.BufferedCount())

	regs.remove("r1")
	m.OnRegistrationRemoved("r1")

	_, err := waitFor(t, res)
	assert.ErrorIs(t, err, registration.ErrNotFound)
	assert.ErrorIs(t, err, ErrRegistrationGone)
	assert.Equal(t, StateNotFound, res.State())
	assert.Equal(t, 0, m.BufferedCount())
}

func TestCheckAfterInsertCatchesRemovedRegistration(t *testing.T) {
	sender := mocks.NewMockSender(t)
	// The registration is already gone when the request is inserted, and the
	// removal cleanup already ran.
	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations())

	res := m.Send(queueReg("r1"), readTemp, time.Minute)

	select {
	case <-res.Done():
	default:
		t.Fatal("result should be complete when Send returns")
	}
	assert.ErrorIs(t, res.Err(), registration.ErrNotFound)
	assert.Equal(t, 0, m.BufferedCount())
}

func TestCheckAfterInsertCatchesWakeUp(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	presence := newFakePresence()
	// Asleep for the send decision, awake for the recheck after insert.
	presence.script = []bool{false, true}
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).Return(content, nil).Once()

	m := newTestManager(t, sender, presence, newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, time.Minute)

	_, err := waitFor(t, res)
	require.NoError(t, err)
	assert.Equal(t, 0, m.BufferedCount())
}

func TestWakeDeliveryFailureIsNotRetried(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).
		Return(transport.Response{}, transport.ErrPeerUnreachable).Once()

	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, time.Minute)
	m.OnAwake(reg)

	_, err := waitFor(t, res)
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)
	assert.Equal(t, StatePeerUnreachable, res.State())
	assert.Equal(t, 0, m.BufferedCount())

	m.OnAwake(reg)
}

func TestPeerSleepingFallsBackToBuffer(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	presence := newFakePresence()
	presence.awake["r1"] = true

	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).
		Return(transport.Response{}, transport.ErrPeerSleeping).Once()
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).
		Return(content, nil).Once()

	m := newTestManager(t, sender, presence, newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, time.Minute)

	require.Eventually(t, func() bool { return m.BufferedCount() == 1 }, time.Second, time.Millisecond)
	_, sleeping, _ := presence.counts()
	assert.Equal(t, 1, sleeping)
	assert.Equal(t, StatePending, res.State())

	m.OnAwake(reg)
	_, err := waitFor(t, res)
	require.NoError(t, err)
}

func TestDeliveryDeadlineMarksNotResponding(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := udpReg("r1")
	presence := newFakePresence()
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).
		RunAndReturn(func(ctx context.Context, _ lwm2m.Identity, _ transport.Request) (transport.Response, error) {
			<-ctx.Done()
			return transport.Response{}, ctx.Err()
		}).Once()

	m := newTestManager(t, sender, presence, newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, 20*time.Millisecond)

	_, err := waitFor(t, res)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateTimedOut, res.State())
	_, _, notResponding := presence.counts()
	assert.Equal(t, 1, notResponding)
}

func TestCancelBufferedRequest(t *testing.T) {
	sender := mocks.NewMockSender(t)
	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))

	res := m.Send(queueReg("r1"), readTemp, time.Minute)
	assert.True(t, res.Cancel())
	assert.False(t, res.Cancel())

	assert.Equal(t, StateCancelled, res.State())
	assert.ErrorIs(t, res.Err(), ErrCancelled)
	assert.Equal(t, 0, m.BufferedCount())
}

func TestCancelInFlightRequest(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := udpReg("r1")
	started := make(chan struct{})
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, readTemp).
		RunAndReturn(func(ctx context.Context, _ lwm2m.Identity, _ transport.Request) (transport.Response, error) {
			close(started)
			<-ctx.Done()
			return transport.Response{}, ctx.Err()
		}).Once()

	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))
	res := m.Send(reg, readTemp, time.Minute)
	<-started
	res.Cancel()

	_, err := waitFor(t, res)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCloseCancelsBuffered(t *testing.T) {
	sender := mocks.NewMockSender(t)
	m := NewManager(Config{Sender: sender, Presence: newFakePresence(), Registrations: newFakeRegistrations("r1")})

	res := m.Send(queueReg("r1"), readTemp, time.Minute)
	m.Close()

	assert.Equal(t, StateCancelled, res.State())
}

func TestPeerSleepingAfterCloseCancels(t *testing.T) {
	reg := queueReg("r1")
	presence := newFakePresence()
	presence.awake["r1"] = true

	inFlight := make(chan struct{})
	release := make(chan struct{})
	sender := transport.SenderFunc(func(context.Context, lwm2m.Identity, transport.Request) (transport.Response, error) {
		close(inFlight)
		<-release
		return transport.Response{}, transport.ErrPeerSleeping
	})
	m := NewManager(Config{Sender: sender, Presence: presence, Registrations: newFakeRegistrations("r1")})

	res := m.Send(reg, readTemp, time.Minute)
	<-inFlight

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	require.Eventually(t, m.isClosed, time.Second, time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, StateCancelled, res.State())
	assert.Equal(t, 0, m.BufferedCount())
}

func TestSendAfterCloseCancels(t *testing.T) {
	m := NewManager(Config{Sender: mocks.NewMockSender(t), Presence: newFakePresence(), Registrations: newFakeRegistrations("r1")})
	m.Close()

	res := m.Send(udpReg("r1"), readTemp, time.Minute)
	assert.Equal(t, StateCancelled, res.State())
	assert.Equal(t, 0, m.BufferedCount())
}

func TestSendRacingRegistrationRemovalNeverLeaks(t *testing.T) {
	reg := queueReg("r1")
	for i := 0; i < 200; i++ {
		regs := newFakeRegistrations("r1")
		m := NewManager(Config{Sender: mocks.NewMockSender(t), Presence: newFakePresence(), Registrations: regs})

		var res *PendingResult
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			res = m.Send(reg, readTemp, time.Minute)
		}()
		go func() {
			defer wg.Done()
			regs.remove("r1")
			m.OnRegistrationRemoved("r1")
		}()
		wg.Wait()

		select {
		case <-res.Done():
		default:
			t.Fatalf("iteration %d: result still pending after removal", i)
		}
		assert.ErrorIs(t, res.Err(), ErrRegistrationGone)
		assert.Equal(t, 0, m.BufferedCount(), "iteration %d", i)
		m.Close()
	}
}

func TestConcurrentSendsKeepOneBuffered(t *testing.T) {
	sender := mocks.NewMockSender(t)
	reg := queueReg("r1")
	sender.EXPECT().SendNow(mock.Anything, reg.Peer, mock.Anything).Return(content, nil).Once()

	m := newTestManager(t, sender, newFakePresence(), newFakeRegistrations("r1"))

	const n = 50
	results := make([]*PendingResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Send(reg, readTemp, time.Minute)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, m.BufferedCount())

	m.OnAwake(reg)

	var succeeded, superseded int
	for _, res := range results {
		_, err := waitFor(t, res)
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSuperseded):
			superseded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, superseded)
}

func TestAtMostOneBufferedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("n sends to a sleeping client leave one request and n-1 superseded", prop.ForAll(
		func(n int) bool {
			var delivered int
			var mu sync.Mutex
			sender := transport.SenderFunc(func(context.Context, lwm2m.Identity, transport.Request) (transport.Response, error) {
				mu.Lock()
				delivered++
				mu.Unlock()
				return content, nil
			})
			m := NewManager(Config{Sender: sender, Presence: newFakePresence(), Registrations: newFakeRegistrations("r1")})
			defer m.Close()

			reg := queueReg("r1")
			results := make([]*PendingResult, n)
			for i := range results {
				results[i] = m.Send(reg, readTemp, time.Minute)
				if m.BufferedCount() != 1 {
					return false
				}
			}
			for _, res := range results[:n-1] {
				if res.State() != StateSuperseded {
					return false
				}
			}

			m.OnAwake(reg)
			<-results[n-1].Done()
			mu.Lock()
			defer mu.Unlock()
			return delivered == 1 && results[n-1].State() == StateSucceeded
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestStateForError(t *testing.T) {
	assert.Equal(t, StatePeerUnreachable, stateForError(transport.ErrPeerUnreachable))
	assert.Equal(t, StateTimedOut, stateForError(context.DeadlineExceeded))
	assert.Equal(t, StateNotFound, stateForError(ErrRegistrationGone))
	assert.Equal(t, StateFailed, stateForError(errors.New("boom")))
	assert.Equal(t, "SUPERSEDED", StateSuperseded.String())
}
