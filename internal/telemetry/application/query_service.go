package application

import (
	"context"
	"errors"
	"math"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// maxHistoryHours bounds the history window so the duration cannot overflow.
const maxHistoryHours = 24 * 365 * 100

// ConnectionCounter reports how many robots currently hold a live connection.
type ConnectionCounter interface {
	RobotCount() int
}

// QueryService is the read side over the telemetry store.
type QueryService struct {
	store        telemetry.Store
	clock        telemetry.Clock
	connections  ConnectionCounter
	defaultHours float64
}

// NewQueryService constructs a query service. A zero defaultHours falls back to 6.
func NewQueryService(store telemetry.Store, clock telemetry.Clock, connections ConnectionCounter, defaultHours float64) (*QueryService, error) {
	if store == nil {
		return nil, errors.New("query service: nil store")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if defaultHours <= 0 || math.IsNaN(defaultHours) || math.IsInf(defaultHours, 0) {
		defaultHours = 6
	}
	return &QueryService{
		store:        store,
		clock:        clock,
		connections:  connections,
		defaultHours: defaultHours,
	}, nil
}

// FleetSnapshot returns the latest record of every robot.
func (s *QueryService) FleetSnapshot(ctx context.Context) ([]telemetry.Record, error) {
	return s.store.LatestPerRobot(ctx)
}

// RobotLatest returns the latest record of one robot or telemetry.ErrNotFound.
func (s *QueryService) RobotLatest(ctx context.Context, robotID string) (telemetry.Record, error) {
	if robotID == "" {
		return telemetry.Record{}, telemetry.ErrEmptyRobotID
	}
	return s.store.Latest(ctx, robotID)
}

// RobotHistory returns the records of robotID from the last hours, ascending.
// A nil hours uses the default window. Unknown robots yield an empty slice.
func (s *QueryService) RobotHistory(ctx context.Context, robotID string, hours *float64) ([]telemetry.Record, error) {
	if robotID == "" {
		return nil, telemetry.ErrEmptyRobotID
	}
	window := s.defaultHours
	if hours != nil {
		window = *hours
	}
	if window <= 0 || math.IsNaN(window) || math.IsInf(window, 0) {
		return nil, telemetry.ErrInvalidHours
	}
	if window > maxHistoryHours {
		window = maxHistoryHours
	}
	since := s.clock.Now().Add(-time.Duration(window * float64(time.Hour)))
	records, err := s.store.History(ctx, robotID, since)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []telemetry.Record{}
	}
	return records, nil
}

// FleetStatistics aggregates the current fleet state.
func (s *QueryService) FleetStatistics(ctx context.Context) (telemetry.FleetStatistics, error) {
	latest, err := s.store.LatestPerRobot(ctx)
	if err != nil {
		return telemetry.FleetStatistics{}, err
	}
	connected := 0
	if s.connections != nil {
		connected = s.connections.RobotCount()
	}
	return telemetry.ComputeStatistics(latest, connected, s.clock.Now()), nil
}

// ActiveAlerts returns the alerts derived from every robot's latest record.
func (s *QueryService) ActiveAlerts(ctx context.Context) ([]telemetry.Alert, error) {
	latest, err := s.store.LatestPerRobot(ctx)
	if err != nil {
		return nil, err
	}
	alerts := make([]telemetry.Alert, 0)
	for _, record := range latest {
		alerts = append(alerts, record.Alerts()...)
	}
	return alerts, nil
}
