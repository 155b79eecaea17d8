package events

import (
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// RecordUpdated is raised after a reading was persisted.
type RecordUpdated struct {
	RobotID    string           `json:"robotId"`
	Record     telemetry.Record `json:"record"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// FleetChangeReason tells dashboards why the fleet view changed.
type FleetChangeReason string

const (
	ReasonRobotConnected    FleetChangeReason = "robot-connected"
	ReasonRobotDisconnected FleetChangeReason = "robot-disconnected"
	ReasonRetentionSweep    FleetChangeReason = "retention-sweep"
	ReasonRefresh           FleetChangeReason = "refresh"
)

// FleetChanged is raised when dashboards should refresh their fleet view.
// It carries no telemetry; robot disconnects never produce a record.
type FleetChanged struct {
	Reason     FleetChangeReason `json:"reason"`
	RobotID    string            `json:"robotId,omitempty"`
	Removed    int64             `json:"removed,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
