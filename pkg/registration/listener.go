package registration

// Reason tells listeners why a registration was removed.
type Reason uint8

const (
	// ReasonDeregistered means the client deregistered.
	ReasonDeregistered Reason = iota
	// ReasonExpired means the lifetime elapsed without an update.
	ReasonExpired
	// ReasonReplaced means a new registration for the same endpoint took its place.
	ReasonReplaced
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonDeregistered:
		return "DEREGISTERED"
	case ReasonExpired:
		return "EXPIRED"
	case ReasonReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// Listener receives registration lifecycle events.
// Callbacks run after the store lock is released.
type Listener interface {
	// Registered is called for each new registration. previous is the
	// registration it replaced, or nil.
	Registered(reg *Registration, previous *Registration)

	// Updated is called after a successful update.
	Updated(update Updated)

	// Unregistered is called when a registration is removed. replacement is
	// set only for ReasonReplaced.
	Unregistered(reg *Registration, reason Reason, replacement *Registration)
}

// ListenerFuncs adapts optional functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnRegistered   func(reg *Registration, previous *Registration)
	OnUpdated      func(update Updated)
	OnUnregistered func(reg *Registration, reason Reason, replacement *Registration)
}

// Registered implements Listener.
func (f ListenerFuncs) Registered(reg *Registration, previous *Registration) {
	if f.OnRegistered != nil {
		f.OnRegistered(reg, previous)
	}
}

// Updated implements Listener.
func (f ListenerFuncs) Updated(update Updated) {
	if f.OnUpdated != nil {
		f.OnUpdated(update)
	}
}

// Unregistered implements Listener.
func (f ListenerFuncs) Unregistered(reg *Registration, reason Reason, replacement *Registration) {
	if f.OnUnregistered != nil {
		f.OnUnregistered(reg, reason, replacement)
	}
}

var _ Listener = ListenerFuncs{}
