package telemetry

import (
	"context"
	"time"
)

// Status is the operating state reported by a robot.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusMaintenance:
		return true
	}
	return false
}

// Field domains.
const (
	MinBattery      = 0
	MaxBattery      = 100
	MinWifiStrength = -100
	MaxWifiStrength = 0
	MinTemperature  = -50
	MaxTemperature  = 150
	MinMemory       = 0
	MaxMemory       = 100
)

// RecordID identifies a persisted record.
type RecordID string

// Location is a robot position.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ErrorInfo is a fault reported by a robot.
type ErrorInfo struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one persisted reading from one robot. Records are never updated in place.
type Record struct {
	ID           RecordID   `json:"id,omitempty"`
	RobotID      string     `json:"robotId"`
	Status       Status     `json:"status"`
	Battery      float64    `json:"battery"`
	WifiStrength float64    `json:"wifiStrength"`
	Charging     bool       `json:"charging"`
	Temperature  float64    `json:"temperature"`
	Memory       float64    `json:"memory"`
	Location     *Location  `json:"location,omitempty"`
	LastError    *ErrorInfo `json:"lastError,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Validate checks that every field is inside its declared domain.
func (r Record) Validate() error {
	if r.RobotID == "" {
		return ErrEmptyRobotID
	}
	if r.Timestamp.IsZero() {
		return invalid("timestamp", "missing")
	}
	if !r.Status.IsValid() {
		return invalid("status", "must be one of online, offline, maintenance")
	}
	if err := checkRange("battery", r.Battery, MinBattery, MaxBattery); err != nil {
		return err
	}
	if err := checkRange("wifiStrength", r.WifiStrength, MinWifiStrength, MaxWifiStrength); err != nil {
		return err
	}
	if err := checkRange("temperature", r.Temperature, MinTemperature, MaxTemperature); err != nil {
		return err
	}
	if err := checkRange("memory", r.Memory, MinMemory, MaxMemory); err != nil {
		return err
	}
	if r.Location != nil {
		coords := []struct {
			name  string
			value float64
		}{{"location.x", r.Location.X}, {"location.y", r.Location.Y}, {"location.z", r.Location.Z}}
		for _, c := range coords {
			if !finite(c.value) {
				return invalid(c.name, "must be a finite number")
			}
		}
	}
	if r.LastError != nil {
		if r.LastError.Code == "" {
			return invalid("lastError.code", "missing")
		}
		if r.LastError.Message == "" {
			return invalid("lastError.message", "missing")
		}
	}
	return nil
}

// Store persists telemetry records and serves the read patterns dashboards need.
type Store interface {
	Append(ctx context.Context, record Record) (RecordID, error)
	LatestPerRobot(ctx context.Context) ([]Record, error)
	Latest(ctx context.Context, robotID string) (Record, error)
	History(ctx context.Context, robotID string, since time.Time) ([]Record, error)
	// Sweep removes records with a timestamp at or before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
