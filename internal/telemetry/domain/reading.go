package telemetry

import (
	"math"
	"time"
)

// Reading is the payload a robot sends. Identity and timestamp are not part of it:
// the identity comes from the connection and the timestamp from receipt.
type Reading struct {
	Status       *string          `json:"status"`
	Battery      *float64         `json:"battery"`
	WifiStrength *float64         `json:"wifiStrength"`
	Charging     *bool            `json:"charging"`
	Temperature  *float64         `json:"temperature"`
	Memory       *float64         `json:"memory"`
	Location     *ReadingLocation `json:"location,omitempty"`
	LastError    *ReadingError    `json:"lastError,omitempty"`
}

// ReadingLocation is the wire form of Location.
type ReadingLocation struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// ReadingError is the wire form of ErrorInfo.
type ReadingError struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ToRecord validates the reading and stamps it with robotID and receivedAt.
// Out-of-domain values are rejected, never clamped.
func (r Reading) ToRecord(robotID string, receivedAt time.Time) (Record, error) {
	if robotID == "" {
		return Record{}, ErrEmptyRobotID
	}
	if r.Status == nil {
		return Record{}, invalid("status", "missing")
	}
	battery, err := required("battery", r.Battery)
	if err != nil {
		return Record{}, err
	}
	wifi, err := required("wifiStrength", r.WifiStrength)
	if err != nil {
		return Record{}, err
	}
	if r.Charging == nil {
		return Record{}, invalid("charging", "missing")
	}
	temperature, err := required("temperature", r.Temperature)
	if err != nil {
		return Record{}, err
	}
	memory, err := required("memory", r.Memory)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		RobotID:      robotID,
		Status:       Status(*r.Status),
		Battery:      battery,
		WifiStrength: wifi,
		Charging:     *r.Charging,
		Temperature:  temperature,
		Memory:       memory,
		Timestamp:    receivedAt.UTC(),
	}
	if r.Location != nil {
		x, err := required("location.x", r.Location.X)
		if err != nil {
			return Record{}, err
		}
		y, err := required("location.y", r.Location.Y)
		if err != nil {
			return Record{}, err
		}
		z, err := required("location.z", r.Location.Z)
		if err != nil {
			return Record{}, err
		}
		record.Location = &Location{X: x, Y: y, Z: z}
	}
	if r.LastError != nil {
		info := &ErrorInfo{Code: r.LastError.Code, Message: r.LastError.Message, Timestamp: record.Timestamp}
		if r.LastError.Timestamp != nil && !r.LastError.Timestamp.IsZero() {
			info.Timestamp = r.LastError.Timestamp.UTC()
		}
		record.LastError = info
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record, nil
}

func required(field string, value *float64) (float64, error) {
	if value == nil {
		return 0, invalid(field, "missing")
	}
	if !finite(*value) {
		return 0, invalid(field, "must be a finite number")
	}
	return *value, nil
}

func checkRange(field string, value, min, max float64) error {
	if !finite(value) {
		return invalid(field, "must be a finite number")
	}
	if value < min || value > max {
		return invalid(field, "out of range")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
