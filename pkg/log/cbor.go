package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Events are written canonically with RFC 3339 timestamps so that log files
// can be diffed and stay readable without the Go type. Decoding is lenient:
// unknown fields from newer servers are ignored.
var (
	eventEncMode = mustEncMode(func(o *cbor.EncOptions) {
		o.Time = cbor.TimeRFC3339Nano
		o.NilContainers = cbor.NilContainerAsNull
	})
	eventDecMode = mustDecMode(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	})
)

func mustEncMode(adjust func(*cbor.EncOptions)) cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	adjust(&opts)
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: event encoder options: %v", err))
	}
	return mode
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	mode, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: event decoder options: %v", err))
	}
	return mode
}

// EncodeEvent returns the CBOR record for event.
func EncodeEvent(event Event) ([]byte, error) {
	return eventEncMode.Marshal(event)
}

// DecodeEvent parses one CBOR record.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := eventDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewDecoder returns a decoder that reads consecutive event records from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return eventDecMode.NewDecoder(r)
}
