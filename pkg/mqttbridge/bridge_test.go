package mqttbridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type regLookup map[string]*registration.Registration

func (l regLookup) GetByID(id string) (*registration.Registration, bool) {
	reg, ok := l[id]
	return reg, ok
}

func testReg() *registration.Registration {
	return &registration.Registration{
		ID:           "reg-1",
		Endpoint:     "sensor/1",
		Lifetime:     90 * time.Second,
		Binding:      lwm2m.BindingUDP | lwm2m.BindingQueue,
		LwM2MVersion: "1.1",
	}
}

func newTestBridge(t *testing.T, pub *fakePublisher) *Bridge {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	b := New(pub, regLookup{"reg-1": testReg()}, cfg, nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "lwm2m"}
	assert.Equal(t, "lwm2m/dev-1/registration", topics.Registration("dev-1"))
	assert.Equal(t, "lwm2m/dev-1/presence", topics.Presence("dev-1"))
	assert.Equal(t, "lwm2m/dev-1/notify/3303/0/5700", topics.Notify("dev-1", lwm2m.MustParsePath("/3303/0/5700")))
	assert.Equal(t, "lwm2m/server/status", topics.Status())

	// Wildcards and separators never leak into a topic level.
	assert.Equal(t, "lwm2m/a_b_c_d/presence", topics.Presence("a/b+c#d"))
}

func TestRegistrationEventsArePublished(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	reg := testReg()
	b.Registered(reg, nil)
	b.Updated(registration.Updated{Previous: reg, Current: reg})
	b.Unregistered(reg, registration.ReasonReplaced, &registration.Registration{ID: "reg-2"})
	b.Unregistered(reg, registration.ReasonExpired, nil)
	b.Unregistered(reg, registration.ReasonDeregistered, nil)

	msgs := pub.all()
	require.Len(t, msgs, 5)

	wantEvents := []string{"registered", "updated", "replaced", "expired", "deregistered"}
	for i, m := range msgs {
		assert.Equal(t, "lwm2m/sensor_1/registration", m.topic)
		assert.Equal(t, byte(1), m.qos)
		assert.True(t, m.retained)

		var body RegistrationMessage
		require.NoError(t, json.Unmarshal(m.payload, &body))
		assert.Equal(t, wantEvents[i], body.Event)
		assert.Equal(t, "reg-1", body.RegistrationID)
		assert.Equal(t, "sensor/1", body.Endpoint)
		assert.Equal(t, int64(90), body.Lifetime)
		assert.Equal(t, "UQ", body.Binding)
	}

	var replaced RegistrationMessage
	require.NoError(t, json.Unmarshal(msgs[2].payload, &replaced))
	assert.Equal(t, "reg-2", replaced.ReplacedBy)
}

func TestPresenceEventsArePublished(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	b.OnAwake(testReg())
	b.OnSleeping(testReg())

	msgs := pub.all()
	require.Len(t, msgs, 2)

	var awake, sleeping PresenceMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &awake))
	require.NoError(t, json.Unmarshal(msgs[1].payload, &sleeping))
	assert.Equal(t, "awake", awake.State)
	assert.Equal(t, "sleeping", sleeping.State)
	assert.Equal(t, "lwm2m/sensor_1/presence", msgs[0].topic)
}

func TestNotificationIsPublishedUnderEndpoint(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	path := lwm2m.MustParsePath("/3303/0/5700")
	b.Notify(observation.Notification{
		RegistrationID: "reg-1",
		Path:           path,
		Value:          []byte("21.5"),
		Timestamp:      time.Now(),
		Periodic:       true,
	})
	b.Notify(observation.Notification{RegistrationID: "gone", Path: path, Value: []byte("x")})

	msgs := pub.all()
	require.Len(t, msgs, 1, "notification of unknown registration is dropped")
	assert.Equal(t, "lwm2m/sensor_1/notify/3303/0/5700", msgs[0].topic)
	assert.False(t, msgs[0].retained)

	var body NotificationMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &body))
	assert.Equal(t, []byte("21.5"), body.Value)
	assert.Equal(t, "/3303/0/5700", body.Path)
	assert.True(t, body.Periodic)
}

func TestPublishErrorsDoNotPropagate(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	b := newTestBridge(t, pub)

	assert.NotPanics(t, func() {
		b.OnAwake(testReg())
		b.ReadFailed("reg-1", lwm2m.MustParsePath("/3/0/0"), errors.New("timeout"))
	})
	require.NoError(t, b.Close())
	assert.Len(t, pub.all(), 1)
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	require.NoError(t, b.Close())
	b.OnAwake(testReg())
	assert.Empty(t, pub.all())
	require.NoError(t, b.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "disabled bridge is always valid")

	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.QoS = 3
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Broker = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := Connect(bad, regLookup{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
