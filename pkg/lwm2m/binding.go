package lwm2m

import (
	"fmt"
	"strings"
)

// BindingMode is the set of transports a client supports, plus the queue flag.
type BindingMode uint8

const (
	// BindingUDP is the "U" binding.
	BindingUDP BindingMode = 1 << iota
	// BindingTCP is the "T" binding.
	BindingTCP
	// BindingSMS is the "S" binding.
	BindingSMS
	// BindingNonIP is the "N" binding.
	BindingNonIP
	// BindingQueue is the "Q" flag: the client may sleep between exchanges.
	BindingQueue
)

var bindingLetters = []struct {
	mode   BindingMode
	letter byte
}{
	{BindingUDP, 'U'},
	{BindingTCP, 'T'},
	{BindingSMS, 'S'},
	{BindingNonIP, 'N'},
	{BindingQueue, 'Q'},
}

// ParseBindingMode parses a binding string such as "UQ".
func ParseBindingMode(s string) (BindingMode, error) {
	var b BindingMode
	for i := 0; i < len(s); i++ {
		found := false
		for _, bl := range bindingLetters {
			if s[i] == bl.letter {
				b |= bl.mode
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("invalid binding mode %q: unknown flag %q", s, s[i])
		}
	}
	return b, nil
}

// Has reports whether all flags of m are set.
func (b BindingMode) Has(m BindingMode) bool { return b&m == m }

// QueueMode reports whether the Q flag is set.
func (b BindingMode) QueueMode() bool { return b.Has(BindingQueue) }

// String returns the binding letters, e.g. "UQ".
func (b BindingMode) String() string {
	var sb strings.Builder
	for _, bl := range bindingLetters {
		if b.Has(bl.mode) {
			sb.WriteByte(bl.letter)
		}
	}
	return sb.String()
}
