package persistence

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/security"
)

// encMode is the CBOR encoder mode for stored records.
// Canonical ordering keeps equal records byte-identical across nodes.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for stored records.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create persistence CBOR encoder mode: %v", err))
	}

	// Unknown fields are ignored so older nodes can read records written by
	// newer ones.
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create persistence CBOR decoder mode: %v", err))
	}
}

// EncodeRegistration serializes a registration.
func EncodeRegistration(reg *registration.Registration) ([]byte, error) {
	return encMode.Marshal(reg)
}

// DecodeRegistration deserializes a registration.
func DecodeRegistration(data []byte) (*registration.Registration, error) {
	reg := &registration.Registration{}
	if err := decMode.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return reg, nil
}

// EncodeObservation serializes an observation.
func EncodeObservation(obs observation.Observation) ([]byte, error) {
	return encMode.Marshal(obs)
}

// DecodeObservation deserializes an observation.
func DecodeObservation(data []byte) (observation.Observation, error) {
	var obs observation.Observation
	if err := decMode.Unmarshal(data, &obs); err != nil {
		return observation.Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	return obs, nil
}

// EncodeSecurityInfo serializes a security info. Key material is written
// as CBOR byte strings.
func EncodeSecurityInfo(info security.Info) ([]byte, error) {
	return encMode.Marshal(info)
}

// DecodeSecurityInfo deserializes a security info.
func DecodeSecurityInfo(data []byte) (security.Info, error) {
	var info security.Info
	if err := decMode.Unmarshal(data, &info); err != nil {
		return security.Info{}, fmt.Errorf("decode security info: %w", err)
	}
	return info, nil
}
