package lwm2m

import (
	"errors"
	"strings"
)

// IdentityKind is how a peer was authenticated by the transport.
type IdentityKind uint8

const (
	// IdentityUnsecure is a plain socket address.
	IdentityUnsecure IdentityKind = iota
	// IdentityPSK is a pre-shared key identity.
	IdentityPSK
	// IdentityRPK is a raw public key.
	IdentityRPK
	// IdentityX509 is a certificate common name.
	IdentityX509
)

// String returns the identity kind name.
func (k IdentityKind) String() string {
	switch k {
	case IdentityUnsecure:
		return "ip"
	case IdentityPSK:
		return "psk"
	case IdentityRPK:
		return "rpk"
	case IdentityX509:
		return "x509"
	default:
		return "unknown"
	}
}

// ErrInvalidIdentity is returned when an identity string cannot be parsed.
var ErrInvalidIdentity = errors.New("invalid peer identity")

// Identity is the opaque transport-level identity of a peer.
// It is comparable and used as a lookup key.
type Identity struct {
	Kind  IdentityKind `cbor:"1,keyasint" json:"kind"`
	Value string       `cbor:"2,keyasint" json:"value"`
}

// UnsecureIdentity returns an identity for a plain socket address.
func UnsecureIdentity(addr string) Identity {
	return Identity{Kind: IdentityUnsecure, Value: addr}
}

// PSKIdentity returns an identity for a PSK-authenticated peer.
func PSKIdentity(id string) Identity {
	return Identity{Kind: IdentityPSK, Value: id}
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.Value == "" }

// String returns "kind:value".
func (i Identity) String() string {
	return i.Kind.String() + ":" + i.Value
}

// ParseIdentity parses the form produced by String.
func ParseIdentity(s string) (Identity, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Identity{}, ErrInvalidIdentity
	}
	for k := IdentityUnsecure; k <= IdentityX509; k++ {
		if k.String() == kind {
			return Identity{Kind: k, Value: value}, nil
		}
	}
	return Identity{}, ErrInvalidIdentity
}
