package registration

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Registration is the server-side record of a registered client.
//
// Values handed out by the Store are copies; mutating them does not change
// the stored record.
type Registration struct {
	// ID is the server-assigned registration id.
	ID string `cbor:"1,keyasint"`

	// Endpoint is the client endpoint name, unique among live registrations.
	Endpoint string `cbor:"2,keyasint"`

	// Peer is the transport identity the client registered from.
	Peer lwm2m.Identity `cbor:"3,keyasint"`

	// Lifetime is how long the registration stays valid after LastUpdate.
	Lifetime time.Duration `cbor:"4,keyasint"`

	// LastUpdate is when the registration was created or last updated.
	LastUpdate time.Time `cbor:"5,keyasint"`

	// RegistrationDate is when the registration was created.
	RegistrationDate time.Time `cbor:"6,keyasint"`

	// Binding is the client's binding mode, including the queue flag.
	Binding lwm2m.BindingMode `cbor:"7,keyasint"`

	SMSNumber    string `cbor:"8,keyasint,omitempty"`
	LwM2MVersion string `cbor:"9,keyasint,omitempty"`

	// SupportedObjects maps object id to object version ("" for default).
	SupportedObjects map[uint16]string `cbor:"10,keyasint,omitempty"`

	// AvailableInstances lists the object instances the client announced.
	AvailableInstances []lwm2m.Path `cbor:"11,keyasint,omitempty"`

	RootPath string `cbor:"12,keyasint,omitempty"`

	// AdditionalAttributes holds registration parameters not modelled above.
	AdditionalAttributes map[string]string `cbor:"13,keyasint,omitempty"`

	// ApplicationData is opaque data attached by the application.
	ApplicationData map[string]string `cbor:"14,keyasint,omitempty"`
}

// ExpirationTime returns the instant at which the registration expires.
func (r *Registration) ExpirationTime() time.Time {
	return r.LastUpdate.Add(r.Lifetime)
}

// IsAlive reports whether the registration has not expired at now.
func (r *Registration) IsAlive(now time.Time) bool {
	return r.IsAliveWithGrace(now, 0)
}

// IsAliveWithGrace is IsAlive with an extra tolerance added to the lifetime.
func (r *Registration) IsAliveWithGrace(now time.Time, grace time.Duration) bool {
	return now.Before(r.ExpirationTime().Add(grace))
}

// UsesQueueMode reports whether the client may sleep between exchanges.
func (r *Registration) UsesQueueMode() bool {
	return r.Binding.QueueMode()
}

// Validate checks the fields a registration must carry.
func (r *Registration) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRegistration)
	}
	if r.Lifetime <= 0 {
		return fmt.Errorf("%w: lifetime must be positive", ErrInvalidRegistration)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Registration) Clone() *Registration {
	if r == nil {
		return nil
	}
	c := *r
	c.SupportedObjects = maps.Clone(r.SupportedObjects)
	c.AvailableInstances = slices.Clone(r.AvailableInstances)
	c.AdditionalAttributes = maps.Clone(r.AdditionalAttributes)
	c.ApplicationData = maps.Clone(r.ApplicationData)
	return &c
}

// String returns a short description for logs.
func (r *Registration) String() string {
	return fmt.Sprintf("Registration[id=%s ep=%s peer=%s lt=%s b=%s]",
		r.ID, r.Endpoint, r.Peer, r.Lifetime, r.Binding)
}
