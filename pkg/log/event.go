package log

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a server event captured by the session core.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ID uniquely identifies the event (UUID).
	ID string `cbor:"2,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"3,keyasint"`

	// RegistrationID of the client the event concerns, if any.
	RegistrationID string `cbor:"4,keyasint,omitempty"`

	// Endpoint name of the client the event concerns, if any.
	Endpoint string `cbor:"5,keyasint,omitempty"`

	// Peer is the client's transport identity ("kind:value").
	Peer string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Registration *RegistrationEvent `cbor:"7,keyasint,omitempty"`
	StateChange  *StateChangeEvent  `cbor:"8,keyasint,omitempty"`
	Request      *RequestEvent      `cbor:"9,keyasint,omitempty"`
	Notification *NotificationEvent `cbor:"10,keyasint,omitempty"`
	Error        *ErrorEventData    `cbor:"11,keyasint,omitempty"`
}

// NewEvent returns an event of the given category stamped with the current
// time and a fresh id.
func NewEvent(category Category) Event {
	return Event{
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
		Category:  category,
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryRegistration indicates a registration lifecycle event.
	CategoryRegistration Category = 0
	// CategoryPresence indicates a presence state change.
	CategoryPresence Category = 1
	// CategoryRequest indicates an outcome of a server-initiated request.
	CategoryRequest Category = 2
	// CategoryNotification indicates a notification delivered to operators.
	CategoryNotification Category = 3
	// CategoryError indicates an error event.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryRegistration:
		return "REGISTRATION"
	case CategoryPresence:
		return "PRESENCE"
	case CategoryRequest:
		return "REQUEST"
	case CategoryNotification:
		return "NOTIFICATION"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(s) {
	case "registration":
		return CategoryRegistration, nil
	case "presence":
		return CategoryPresence, nil
	case "request":
		return CategoryRequest, nil
	case "notification":
		return CategoryNotification, nil
	case "error":
		return CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %q (expected registration, presence, request, notification, error)", s)
	}
}

// RegistrationAction is what happened to a registration.
type RegistrationAction uint8

const (
	ActionRegistered   RegistrationAction = 0
	ActionUpdated      RegistrationAction = 1
	ActionDeregistered RegistrationAction = 2
	ActionExpired      RegistrationAction = 3
	ActionReplaced     RegistrationAction = 4
)

// String returns the action name.
func (a RegistrationAction) String() string {
	switch a {
	case ActionRegistered:
		return "REGISTERED"
	case ActionUpdated:
		return "UPDATED"
	case ActionDeregistered:
		return "DEREGISTERED"
	case ActionExpired:
		return "EXPIRED"
	case ActionReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// RegistrationEvent captures a registration lifecycle change.
type RegistrationEvent struct {
	Action RegistrationAction `cbor:"1,keyasint"`

	// Lifetime of the registration after the change.
	Lifetime time.Duration `cbor:"2,keyasint,omitempty"`

	// Binding mode, e.g. "UQ".
	Binding string `cbor:"3,keyasint,omitempty"`

	// PreviousID is the registration id this one replaced, or for
	// ActionReplaced the id that replaced it.
	PreviousID string `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures a presence transition.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// RequestEvent captures the outcome of a request sent through the queue.
type RequestEvent struct {
	// Operation name, e.g. "READ".
	Operation string `cbor:"1,keyasint"`

	// Path the request targeted.
	Path string `cbor:"2,keyasint,omitempty"`

	// Outcome is the terminal state of the request, e.g. "SUCCEEDED".
	Outcome string `cbor:"3,keyasint"`

	// Code is the response code for successful exchanges, e.g. "2.05".
	Code string `cbor:"4,keyasint,omitempty"`

	// Duration from submission to outcome. Stored as nanoseconds.
	Duration *time.Duration `cbor:"5,keyasint,omitempty"`
}

// MaxValueSize is the largest notification value kept in an event.
const MaxValueSize = 256

// NotificationEvent captures a notification delivered to operators.
type NotificationEvent struct {
	Path string `cbor:"1,keyasint"`

	// Size is the value size in bytes.
	Size int `cbor:"2,keyasint"`

	// Value is the raw value (may be truncated to MaxValueSize).
	Value []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Value was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`

	// Periodic is set when pmax forced the notification.
	Periodic bool `cbor:"5,keyasint,omitempty"`
}

// NewNotificationEvent builds a NotificationEvent, truncating large values.
func NewNotificationEvent(path string, value []byte, periodic bool) *NotificationEvent {
	n := &NotificationEvent{Path: path, Size: len(value), Periodic: periodic}
	if len(value) > MaxValueSize {
		n.Value = append([]byte(nil), value[:MaxValueSize]...)
		n.Truncated = true
	} else {
		n.Value = append([]byte(nil), value...)
	}
	return n
}

// ErrorEventData captures errors.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"2,keyasint,omitempty"`
}

// path returns the path a request or notification event targeted.
func (e Event) path() string {
	switch {
	case e.Request != nil:
		return e.Request.Path
	case e.Notification != nil:
		return e.Notification.Path
	default:
		return ""
	}
}
