package vehicle

import "fmt"

type MotorData struct {
	Speed float64 `json:"speed"`
}

func (d MotorData) String() string {
	return fmt.Sprintf("Speed: %v", d.Speed)
}

// SteeringData steer is nominally -1.0 (left) .. 1.0 (right), 0 is centered.
type SteeringData struct {
	Steer float64 `json:"steer"`
}

func (d SteeringData) String() string {
	return fmt.Sprintf("Steering: %v", d.Steer)
}

// ActuatorData is the command replayed to the vehicle every telemetry cycle.
type ActuatorData struct {
	Motor    MotorData    `json:"motor"`
	Steering SteeringData `json:"steering"`
}

func (d ActuatorData) String() string {
	return fmt.Sprintf("(%s %s)", d.Motor, d.Steering)
}

// NeutralActuator stops the motor and centers the steering.
func NeutralActuator() ActuatorData {
	return ActuatorData{}
}
