package lwm2m

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidPath is returned when a path string cannot be parsed.
var ErrInvalidPath = errors.New("invalid lwm2m path")

// maxDepth is the number of segments in a resource instance path.
const maxDepth = 4

// Path addresses an object, object instance, resource or resource instance.
//
// Path is comparable and can be used as a map key. The zero value is the
// root path "/".
type Path struct {
	ids   [maxDepth]uint16
	depth uint8
}

// NewPath builds a path from up to four segment ids. Extra ids are ignored.
func NewPath(ids ...uint16) Path {
	var p Path
	if len(ids) > maxDepth {
		ids = ids[:maxDepth]
	}
	copy(p.ids[:], ids)
	p.depth = uint8(len(ids))
	return p
}

// ParsePath parses a path such as "/3/0/1".
func ParsePath(s string) (Path, error) {
	if !strings.HasPrefix(s, "/") {
		return Path{}, fmt.Errorf("%w: %q must start with /", ErrInvalidPath, s)
	}
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Path{}, nil
	}

	parts := strings.Split(trimmed, "/")
	if len(parts) > maxDepth {
		return Path{}, fmt.Errorf("%w: %q has too many segments", ErrInvalidPath, s)
	}

	ids := make([]uint16, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("%w: segment %q: %v", ErrInvalidPath, part, err)
		}
		ids = append(ids, uint16(v))
	}
	return NewPath(ids...), nil
}

// MustParsePath is like ParsePath but panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Depth returns the number of segments (0 for root).
func (p Path) Depth() int { return int(p.depth) }

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return p.depth == 0 }

// IsObject reports whether p targets an object.
func (p Path) IsObject() bool { return p.depth == 1 }

// IsObjectInstance reports whether p targets an object instance.
func (p Path) IsObjectInstance() bool { return p.depth == 2 }

// IsResource reports whether p targets a resource.
func (p Path) IsResource() bool { return p.depth == 3 }

// IsResourceInstance reports whether p targets a resource instance.
func (p Path) IsResourceInstance() bool { return p.depth == 4 }

// ObjectID returns the object id. Only meaningful when Depth() >= 1.
func (p Path) ObjectID() uint16 { return p.ids[0] }

// ObjectInstanceID returns the object instance id. Only meaningful when Depth() >= 2.
func (p Path) ObjectInstanceID() uint16 { return p.ids[1] }

// ResourceID returns the resource id. Only meaningful when Depth() >= 3.
func (p Path) ResourceID() uint16 { return p.ids[2] }

// StartsWith reports whether p is equal to or below prefix.
func (p Path) StartsWith(prefix Path) bool {
	if prefix.depth > p.depth {
		return false
	}
	for i := 0; i < int(prefix.depth); i++ {
		if p.ids[i] != prefix.ids[i] {
			return false
		}
	}
	return true
}

// String returns the textual form, e.g. "/3/0/1".
func (p Path) String() string {
	if p.depth == 0 {
		return "/"
	}
	var b strings.Builder
	for i := 0; i < int(p.depth); i++ {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(p.ids[i])))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalCBOR encodes the path as a CBOR text string.
func (p Path) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(p.String())
}

// UnmarshalCBOR decodes a path from a CBOR text string.
func (p *Path) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return p.UnmarshalText([]byte(s))
}
