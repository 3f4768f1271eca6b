package registration

import (
	"maps"
	"slices"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Update is a partial change to a registration. Nil fields are left unchanged.
type Update struct {
	Peer               *lwm2m.Identity
	Lifetime           *time.Duration
	Binding            *lwm2m.BindingMode
	SMSNumber          *string
	SupportedObjects   map[uint16]string
	AvailableInstances []lwm2m.Path
	RootPath           *string

	// AdditionalAttributes are merged key by key into the existing ones.
	AdditionalAttributes map[string]string

	// ApplicationData replaces the existing application data when non-nil.
	ApplicationData map[string]string
}

// IsEmpty reports whether the update changes nothing but LastUpdate.
func (u Update) IsEmpty() bool {
	return u.Peer == nil && u.Lifetime == nil && u.Binding == nil &&
		u.SMSNumber == nil && u.SupportedObjects == nil &&
		u.AvailableInstances == nil && u.RootPath == nil &&
		u.AdditionalAttributes == nil && u.ApplicationData == nil
}

// Apply returns a copy of reg with the update merged in and LastUpdate set to now.
func (u Update) Apply(reg *Registration, now time.Time) *Registration {
	r := reg.Clone()

	if u.Peer != nil {
		r.Peer = *u.Peer
	}
	if u.Lifetime != nil {
		r.Lifetime = *u.Lifetime
	}
	if u.Binding != nil {
		r.Binding = *u.Binding
	}
	if u.SMSNumber != nil {
		r.SMSNumber = *u.SMSNumber
	}
	if u.SupportedObjects != nil {
		r.SupportedObjects = maps.Clone(u.SupportedObjects)
	}
	if u.AvailableInstances != nil {
		r.AvailableInstances = slices.Clone(u.AvailableInstances)
	}
	if u.RootPath != nil {
		r.RootPath = *u.RootPath
	}
	if u.AdditionalAttributes != nil {
		if r.AdditionalAttributes == nil {
			r.AdditionalAttributes = make(map[string]string, len(u.AdditionalAttributes))
		}
		maps.Copy(r.AdditionalAttributes, u.AdditionalAttributes)
	}
	if u.ApplicationData != nil {
		r.ApplicationData = maps.Clone(u.ApplicationData)
	}

	r.LastUpdate = now
	return r
}

// Updated pairs a registration with its state before an update.
type Updated struct {
	Previous *Registration
	Current  *Registration
}
