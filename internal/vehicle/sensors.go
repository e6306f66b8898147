// Package vehicle defines the telemetry and command records exchanged with the
// vehicle and their fixed-width little-endian wire encoding.
package vehicle

import "fmt"

// StatusNoData marks a sub-record that carries no reading.
const StatusNoData uint8 = 0xFF

// IMUData comes from the inertial unit.
type IMUData struct {
	Status uint8   `json:"status"`
	AX     float32 `json:"ax"`
	AY     float32 `json:"ay"`
	AZ     float32 `json:"az"`
	Temp   float32 `json:"temp"`
}

func (d IMUData) String() string {
	return fmt.Sprintf("R: %v P: %v Y: %v T: %v", d.AY, d.AX, d.AZ, d.Temp)
}

// GPSData positions are degree + minute + hemisphere letter.
type GPSData struct {
	Status      uint8   `json:"status"`
	LatDeg      float32 `json:"lat_deg"`
	LatMin      float32 `json:"lat_min"`
	LatDir      uint8   `json:"dir_lat"`
	LongDeg     float32 `json:"long_deg"`
	LongMin     float32 `json:"long_min"`
	LongDir     uint8   `json:"dir_long"`
	MagDecl     float32 `json:"decli_mag"`
	TrueHeading float32 `json:"cap_vrai"`
	MagHeading  float32 `json:"cap_mag"`
	GroundSpeed float32 `json:"vitesse_sol"`
}

func (d GPSData) String() string {
	return fmt.Sprintf("LAT: %v\" %v %c LONG: %v\" %v %c",
		d.LatDeg, d.LatMin, d.LatDir, d.LongDeg, d.LongMin, d.LongDir)
}

// MAGData is the raw 3-axis magnetometer reading and its computed heading.
type MAGData struct {
	Status  uint8   `json:"status"`
	RawX    float32 `json:"raw_x"`
	RawY    float32 `json:"raw_y"`
	RawZ    float32 `json:"raw_z"`
	Heading float32 `json:"heading"`
}

func (d MAGData) String() string {
	return fmt.Sprintf("Heading: %v", d.Heading)
}

type AnalogData struct {
	Status  uint8   `json:"status"`
	Battery float32 `json:"battery"`
}

func (d AnalogData) String() string {
	return fmt.Sprintf("B: %v", d.Battery)
}

// SensorsData is the full telemetry frame sent by the vehicle every cycle.
// Field order is the wire order.
type SensorsData struct {
	IMU    IMUData    `json:"imu"`
	GPS    GPSData    `json:"gps"`
	MAG    MAGData    `json:"mag"`
	Analog AnalogData `json:"analog"`
}

func (d SensorsData) String() string {
	return fmt.Sprintf("IMU: %s GPS: %s MAG: %s Analog: %s", d.IMU, d.GPS, d.MAG, d.Analog)
}

func EmptyIMU() IMUData {
	return IMUData{Status: StatusNoData}
}

func EmptyGPS() GPSData {
	return GPSData{
		Status:  StatusNoData,
		LatDir:  'N',
		LongDir: 'W',
	}
}

func EmptyMAG() MAGData {
	return MAGData{Status: StatusNoData}
}

func EmptyAnalog() AnalogData {
	return AnalogData{Status: StatusNoData}
}

// EmptySensors is the "no vehicle connected" value.
func EmptySensors() SensorsData {
	return SensorsData{
		IMU:    EmptyIMU(),
		GPS:    EmptyGPS(),
		MAG:    EmptyMAG(),
		Analog: EmptyAnalog(),
	}
}
