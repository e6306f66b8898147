package vehicle

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Wire sizes are derived from encoding the empty values, there is no length prefix.
var (
	SensorsSize  = len(EncodeSensors(EmptySensors()))
	ActuatorSize = len(EncodeActuator(NeutralActuator()))
)

// DecodeError is returned when a buffer cannot be turned into a record.
type DecodeError struct {
	Record string
	cause  error
}

func (e *DecodeError) Error() string {
	return "unable to decode " + e.Record + ": " + e.cause.Error()
}

func (e *DecodeError) Cause() error {
	return e.cause
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

func decodeError(record string, err error) *DecodeError {
	return &DecodeError{Record: record, cause: err}
}

func encode(v interface{}) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	// fixed-size structs cannot fail to encode into a bytes.Buffer
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func EncodeSensors(d SensorsData) []byte {
	return encode(&d)
}

// DecodeSensors decodes exactly SensorsSize bytes. Besides length it checks the
// hemisphere letters and that every float is finite, which is what catches a
// torn or shifted frame since the layout has no checksum.
func DecodeSensors(buf []byte) (SensorsData, error) {
	var d SensorsData
	if len(buf) != SensorsSize {
		return d, decodeError("sensors", errors.Errorf("expected %d bytes, got %d", SensorsSize, len(buf)))
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return SensorsData{}, decodeError("sensors", err)
	}
	if err := d.validate(); err != nil {
		return SensorsData{}, decodeError("sensors", err)
	}
	return d, nil
}

func (d *SensorsData) validate() error {
	if d.GPS.LatDir != 'N' && d.GPS.LatDir != 'S' {
		return errors.Errorf("invalid latitude hemisphere 0x%02x", d.GPS.LatDir)
	}
	if d.GPS.LongDir != 'E' && d.GPS.LongDir != 'W' {
		return errors.Errorf("invalid longitude hemisphere 0x%02x", d.GPS.LongDir)
	}
	floats := []float32{
		d.IMU.AX, d.IMU.AY, d.IMU.AZ, d.IMU.Temp,
		d.GPS.LatDeg, d.GPS.LatMin, d.GPS.LongDeg, d.GPS.LongMin,
		d.GPS.MagDecl, d.GPS.TrueHeading, d.GPS.MagHeading, d.GPS.GroundSpeed,
		d.MAG.RawX, d.MAG.RawY, d.MAG.RawZ, d.MAG.Heading,
		d.Analog.Battery,
	}
	for i, f := range floats {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return errors.Errorf("non-finite value in field %d", i)
		}
	}
	return nil
}

func EncodeActuator(d ActuatorData) []byte {
	return encode(&d)
}

func DecodeActuator(buf []byte) (ActuatorData, error) {
	var d ActuatorData
	if len(buf) != ActuatorSize {
		return d, decodeError("actuator", errors.Errorf("expected %d bytes, got %d", ActuatorSize, len(buf)))
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return ActuatorData{}, decodeError("actuator", err)
	}
	if err := d.validate(); err != nil {
		return ActuatorData{}, decodeError("actuator", err)
	}
	return d, nil
}

func (d *ActuatorData) validate() error {
	for _, f := range []float64{d.Motor.Speed, d.Steering.Steer} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("non-finite actuator value")
		}
	}
	return nil
}

type actuatorJSON struct {
	Motor *struct {
		Speed *float64 `json:"speed"`
	} `json:"motor"`
	Steering *struct {
		Steer *float64 `json:"steer"`
	} `json:"steering"`
}

// ParseActuatorJSON parses a command sent by a pilot. Both objects and both
// fields are required and unknown fields are rejected.
func ParseActuatorJSON(data []byte) (ActuatorData, error) {
	var raw actuatorJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return ActuatorData{}, decodeError("actuator json", err)
	}
	if dec.More() {
		return ActuatorData{}, decodeError("actuator json", errors.New("trailing data"))
	}
	return raw.toActuator()
}

func (raw *actuatorJSON) toActuator() (ActuatorData, error) {
	switch {
	case raw.Motor == nil:
		return ActuatorData{}, decodeError("actuator json", errors.New("missing field motor"))
	case raw.Motor.Speed == nil:
		return ActuatorData{}, decodeError("actuator json", errors.New("missing field motor.speed"))
	case raw.Steering == nil:
		return ActuatorData{}, decodeError("actuator json", errors.New("missing field steering"))
	case raw.Steering.Steer == nil:
		return ActuatorData{}, decodeError("actuator json", errors.New("missing field steering.steer"))
	}
	d := ActuatorData{
		Motor:    MotorData{Speed: *raw.Motor.Speed},
		Steering: SteeringData{Steer: *raw.Steering.Steer},
	}
	if err := d.validate(); err != nil {
		return ActuatorData{}, decodeError("actuator json", err)
	}
	return d, nil
}
