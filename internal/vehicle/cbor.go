package vehicle

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("vehicle: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("vehicle: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v with deterministic CBOR. Field names follow the json tags.
func MarshalCBOR(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// ParseActuatorCBOR is the binary counterpart of ParseActuatorJSON.
func ParseActuatorCBOR(data []byte) (ActuatorData, error) {
	var raw actuatorJSON
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return ActuatorData{}, decodeError("actuator cbor", err)
	}
	return raw.toActuator()
}
