package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/presence"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
)

// Publisher is the part of a paho client the bridge publishes through.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

// Registrations resolves a registration id to its registration so that
// notifications can be published under the endpoint name.
type Registrations interface {
	GetByID(id string) (*registration.Registration, bool)
}

// RegistrationMessage is published on the registration topic.
type RegistrationMessage struct {
	Event          string    `json:"event"`
	RegistrationID string    `json:"registration_id"`
	Endpoint       string    `json:"endpoint"`
	Lifetime       int64     `json:"lifetime_s,omitempty"`
	Binding        string    `json:"binding,omitempty"`
	Version        string    `json:"lwm2m_version,omitempty"`
	ReplacedBy     string    `json:"replaced_by,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PresenceMessage is published on the presence topic.
type PresenceMessage struct {
	State          string    `json:"state"`
	RegistrationID string    `json:"registration_id"`
	Endpoint       string    `json:"endpoint"`
	Timestamp      time.Time `json:"timestamp"`
}

// NotificationMessage is published on the notify topic. Value is base64
// encoded by encoding/json.
type NotificationMessage struct {
	RegistrationID string    `json:"registration_id"`
	Endpoint       string    `json:"endpoint"`
	Path           string    `json:"path"`
	Value          []byte    `json:"value"`
	Periodic       bool      `json:"periodic,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type statusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge publishes server events to MQTT.
type Bridge struct {
	pub           Publisher
	registrations Registrations
	topics        Topics
	cfg           Config
	logger        *slog.Logger

	// disconnect is set when the bridge owns the client connection.
	disconnect func()

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a bridge publishing through pub. The caller owns pub.
func New(pub Publisher, registrations Registrations, cfg Config, logger *slog.Logger) *Bridge {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		pub:           pub,
		registrations: registrations,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		cfg:           cfg,
		logger:        logger,
	}
}

// Connect dials the broker described by cfg and returns a bridge that owns
// the connection. The client reconnects automatically; a last will marks the
// server offline if the connection drops.
func Connect(cfg Config, registrations Registrations, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "mqtt")

	opts := buildClientOptions(cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Info("connected", "broker", cfg.Broker)
		c.Publish(Topics{Prefix: cfg.TopicPrefix}.Status(), byte(cfg.QoS), true,
			mustJSON(statusMessage{Status: "online", ClientID: cfg.ClientID, Timestamp: time.Now().UTC()}))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	b := New(client, registrations, cfg, logger)
	b.disconnect = func() {
		if client.IsConnected() {
			t := client.Publish(b.topics.Status(), byte(cfg.QoS), true,
				mustJSON(statusMessage{Status: "offline", ClientID: cfg.ClientID, Reason: "shutdown", Timestamp: time.Now().UTC()}))
			t.WaitTimeout(cfg.PublishTimeout)
		}
		client.Disconnect(defaultDisconnectQuiesce)
	}
	return b, nil
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(Topics{Prefix: cfg.TopicPrefix}.Status(),
		string(mustJSON(statusMessage{Status: "offline", ClientID: cfg.ClientID, Reason: "unexpected_disconnect"})),
		byte(cfg.QoS), true)
	return opts
}

// Close waits for in-flight publishes and disconnects if the bridge owns
// the connection. Events after Close are dropped.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	if b.disconnect != nil {
		b.disconnect()
	}
	return nil
}

// Registered implements registration.Listener.
func (b *Bridge) Registered(reg *registration.Registration, _ *registration.Registration) {
	b.publishRegistration("registered", reg, "")
}

// Updated implements registration.Listener.
func (b *Bridge) Updated(u registration.Updated) {
	b.publishRegistration("updated", u.Current, "")
}

// Unregistered implements registration.Listener.
func (b *Bridge) Unregistered(reg *registration.Registration, reason registration.Reason, replacement *registration.Registration) {
	replacedBy := ""
	if replacement != nil {
		replacedBy = replacement.ID
	}
	b.publishRegistration(reasonEvent(reason), reg, replacedBy)
}

// OnAwake implements presence.Listener.
func (b *Bridge) OnAwake(reg *registration.Registration) {
	b.publishPresence("awake", reg)
}

// OnSleeping implements presence.Listener.
func (b *Bridge) OnSleeping(reg *registration.Registration) {
	b.publishPresence("sleeping", reg)
}

// Notify implements observation.Listener.
func (b *Bridge) Notify(n observation.Notification) {
	reg, ok := b.registrations.GetByID(n.RegistrationID)
	if !ok {
		b.logger.Debug("dropping notification of unknown registration",
			"id", n.RegistrationID, "path", n.Path.String())
		return
	}
	b.publish(b.topics.Notify(reg.Endpoint, n.Path), false, NotificationMessage{
		RegistrationID: n.RegistrationID,
		Endpoint:       reg.Endpoint,
		Path:           n.Path.String(),
		Value:          n.Value,
		Periodic:       n.Periodic,
		Timestamp:      n.Timestamp.UTC(),
	})
}

// ReadFailed implements observation.Listener. Failed reads are not published.
func (b *Bridge) ReadFailed(regID string, path lwm2m.Path, err error) {
	b.logger.Debug("periodic read failed", "id", regID, "path", path.String(), "error", err)
}

func (b *Bridge) publishRegistration(event string, reg *registration.Registration, replacedBy string) {
	b.publish(b.topics.Registration(reg.Endpoint), b.cfg.Retain, RegistrationMessage{
		Event:          event,
		RegistrationID: reg.ID,
		Endpoint:       reg.Endpoint,
		Lifetime:       int64(reg.Lifetime / time.Second),
		Binding:        reg.Binding.String(),
		Version:        reg.LwM2MVersion,
		ReplacedBy:     replacedBy,
		Timestamp:      time.Now().UTC(),
	})
}

func (b *Bridge) publishPresence(state string, reg *registration.Registration) {
	b.publish(b.topics.Presence(reg.Endpoint), b.cfg.Retain, PresenceMessage{
		State:          state,
		RegistrationID: reg.ID,
		Endpoint:       reg.Endpoint,
		Timestamp:      time.Now().UTC(),
	})
}

func (b *Bridge) publish(topic string, retained bool, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to encode message", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	token := b.pub.Publish(topic, byte(b.cfg.QoS), retained, payload)
	go func() {
		defer b.wg.Done()
		if !token.WaitTimeout(b.cfg.PublishTimeout) {
			b.logger.Warn("publish timed out", "topic", topic, "timeout", b.cfg.PublishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

func reasonEvent(r registration.Reason) string {
	switch r {
	case registration.ReasonExpired:
		return "expired"
	case registration.ReasonReplaced:
		return "replaced"
	default:
		return "deregistered"
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mqttbridge: encode %T: %v", v, err))
	}
	return data
}

var (
	_ registration.Listener = (*Bridge)(nil)
	_ presence.Listener     = (*Bridge)(nil)
	_ observation.Listener  = (*Bridge)(nil)
)
