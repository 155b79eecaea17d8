package telemetry

import "time"

// AlertType classifies a condition derived from a robot's latest record.
type AlertType string

const (
	AlertCriticalBattery AlertType = "critical_battery"
	AlertLowBattery      AlertType = "low_battery"
	AlertFault           AlertType = "fault"
)

// Battery thresholds that raise alerts while a robot is not charging.
const (
	CriticalBatteryThreshold = 10
	LowBatteryThreshold      = 20
)

// Alert is derived from a record. Alerts are not persisted.
type Alert struct {
	RobotID   string    `json:"robotId"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerts returns the open alerts a record implies.
func (r Record) Alerts() []Alert {
	var alerts []Alert
	if !r.Charging {
		switch {
		case r.Battery < CriticalBatteryThreshold:
			alerts = append(alerts, Alert{RobotID: r.RobotID, Type: AlertCriticalBattery, Message: "battery critical", Timestamp: r.Timestamp})
		case r.Battery < LowBatteryThreshold:
			alerts = append(alerts, Alert{RobotID: r.RobotID, Type: AlertLowBattery, Message: "battery low", Timestamp: r.Timestamp})
		}
	}
	if r.LastError != nil {
		alerts = append(alerts, Alert{RobotID: r.RobotID, Type: AlertFault, Message: r.LastError.Code + ": " + r.LastError.Message, Timestamp: r.LastError.Timestamp})
	}
	return alerts
}

// FleetStatistics aggregates the latest record of every robot.
type FleetStatistics struct {
	Total              int       `json:"total"`
	Online             int       `json:"online"`
	Offline            int       `json:"offline"`
	Maintenance        int       `json:"maintenance"`
	Charging           int       `json:"charging"`
	AverageBattery     float64   `json:"averageBattery"`
	AverageTemperature float64   `json:"averageTemperature"`
	ActiveAlerts       int       `json:"activeAlerts"`
	ConnectedRobots    int       `json:"connectedRobots"`
	Timestamp          time.Time `json:"timestamp"`
}

// ComputeStatistics aggregates latest records. connected is the number of live robot sessions.
func ComputeStatistics(latest []Record, connected int, at time.Time) FleetStatistics {
	stats := FleetStatistics{Total: len(latest), ConnectedRobots: connected, Timestamp: at.UTC()}
	if len(latest) == 0 {
		return stats
	}
	var batterySum, temperatureSum float64
	for _, record := range latest {
		switch record.Status {
		case StatusOnline:
			stats.Online++
		case StatusOffline:
			stats.Offline++
		case StatusMaintenance:
			stats.Maintenance++
		}
		if record.Charging {
			stats.Charging++
		}
		batterySum += record.Battery
		temperatureSum += record.Temperature
		stats.ActiveAlerts += len(record.Alerts())
	}
	stats.AverageBattery = batterySum / float64(len(latest))
	stats.AverageTemperature = temperatureSum / float64(len(latest))
	return stats
}
