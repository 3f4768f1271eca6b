package observation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Observation errors.
var (
	ErrObservationNotFound = errors.New("observation not found")
	ErrInvalidAttributes   = errors.New("invalid notification attributes")
	ErrUnknownRegistration = errors.New("unknown registration")
)

// Attributes are the notification attributes of an observation.
// Nil fields are unset.
type Attributes struct {
	// PMin is the minimum period between samples of the observed value.
	PMin *time.Duration `cbor:"1,keyasint,omitempty"`

	// PMax is the maximum period without a notification.
	PMax *time.Duration `cbor:"2,keyasint,omitempty"`

	// EvaluationMin and EvaluationMax are passed through to the client,
	// which uses them to pace its own measurements.
	EvaluationMin *time.Duration `cbor:"3,keyasint,omitempty"`
	EvaluationMax *time.Duration `cbor:"4,keyasint,omitempty"`
}

// Validate checks that the periods are consistent.
func (a Attributes) Validate() error {
	for name, d := range map[string]*time.Duration{
		"pmin": a.PMin, "pmax": a.PMax, "epmin": a.EvaluationMin, "epmax": a.EvaluationMax,
	} {
		if d != nil && *d < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidAttributes, name)
		}
	}
	if a.PMax != nil && *a.PMax == 0 {
		return fmt.Errorf("%w: pmax must be positive", ErrInvalidAttributes)
	}
	if a.PMin != nil && a.PMax != nil && *a.PMax < *a.PMin {
		return fmt.Errorf("%w: pmax %s is less than pmin %s", ErrInvalidAttributes, *a.PMax, *a.PMin)
	}
	if a.EvaluationMin != nil && a.EvaluationMax != nil && *a.EvaluationMax < *a.EvaluationMin {
		return fmt.Errorf("%w: epmax is less than epmin", ErrInvalidAttributes)
	}
	return nil
}

// Duration is a helper for building Attributes literals.
func Duration(d time.Duration) *time.Duration { return &d }

// Observation is a standing subscription to a path of a registered client.
type Observation struct {
	RegistrationID string     `cbor:"1,keyasint"`
	Path           lwm2m.Path `cbor:"2,keyasint"`
	Attributes     Attributes `cbor:"3,keyasint"`
	CreatedAt      time.Time  `cbor:"4,keyasint"`
}

// Notification is a value delivered to operators for an observation.
type Notification struct {
	RegistrationID string
	Path           lwm2m.Path
	Value          []byte
	Timestamp      time.Time

	// Periodic is true when the notification was forced by pmax rather
	// than by a changed value.
	Periodic bool
}

// Reader fetches the current value of an observed path.
type Reader interface {
	Read(ctx context.Context, regID string, path lwm2m.Path) ([]byte, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, regID string, path lwm2m.Path) ([]byte, error)

// Read implements Reader.
func (f ReaderFunc) Read(ctx context.Context, regID string, path lwm2m.Path) ([]byte, error) {
	return f(ctx, regID, path)
}

// Registrations reports whether a registration is still live.
type Registrations interface {
	Exists(id string) bool
}

// Backend persists observations.
type Backend interface {
	SaveObservation(ctx context.Context, obs Observation) error
	DeleteObservation(ctx context.Context, regID string, path lwm2m.Path) error
	DeleteObservations(ctx context.Context, regID string) error
	LoadObservations(ctx context.Context) ([]Observation, error)
}

// Listener receives notifications and periodic read failures.
type Listener interface {
	Notify(n Notification)
	ReadFailed(regID string, path lwm2m.Path, err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnNotify     func(n Notification)
	OnReadFailed func(regID string, path lwm2m.Path, err error)
}

// Notify implements Listener.
func (f ListenerFuncs) Notify(n Notification) {
	if f.OnNotify != nil {
		f.OnNotify(n)
	}
}

// ReadFailed implements Listener.
func (f ListenerFuncs) ReadFailed(regID string, path lwm2m.Path, err error) {
	if f.OnReadFailed != nil {
		f.OnReadFailed(regID, path, err)
	}
}

var _ Listener = ListenerFuncs{}
