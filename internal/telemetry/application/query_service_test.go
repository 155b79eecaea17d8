package application

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	"fleet-telemetry/internal/telemetry/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedConnections int

func (c fixedConnections) RobotCount() int { return int(c) }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.Store, robotID string, ago time.Duration, battery float64, charging bool) {
	t.Helper()
	_, err := store.Append(context.Background(), telemetry.Record{
		RobotID:      robotID,
		Status:       telemetry.StatusOnline,
		Battery:      battery,
		WifiStrength: -50,
		Charging:     charging,
		Temperature:  30,
		Memory:       50,
		Timestamp:    now.Add(-ago),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newQueryService(t *testing.T, store *memory.Store) *QueryService {
	t.Helper()
	svc, err := NewQueryService(store, fixedClock{now: now}, fixedConnections(1), 6)
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	return svc
}

func TestRobotHistoryDefaultWindow(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "r1", 2*time.Hour, 80, false)
	seed(t, store, "r1", 7*time.Hour, 90, false)
	svc := newQueryService(t, store)

	history, err := svc.RobotHistory(context.Background(), "r1", nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Battery != 80 {
		t.Fatalf("expected only the record within 6h, got %+v", history)
	}
}

func TestRobotHistoryNeverOlderThanWindow(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 48; i++ {
		seed(t, store, "r1", time.Duration(i)*30*time.Minute, 50, false)
	}
	svc := newQueryService(t, store)

	var previous int
	for _, hours := range []float64{0.5, 1, 3, 12, 24} {
		h := hours
		history, err := svc.RobotHistory(context.Background(), "r1", &h)
		if err != nil {
			t.Fatalf("history %v: %v", hours, err)
		}
		cutoff := now.Add(-time.Duration(hours * float64(time.Hour)))
		for _, r := range history {
			if r.Timestamp.Before(cutoff) {
				t.Fatalf("record %s older than %vh window", r.Timestamp, hours)
			}
		}
		if len(history) < previous {
			t.Fatalf("expected monotonic superset, got %d after %d", len(history), previous)
		}
		previous = len(history)
	}
}

func TestRobotHistoryInvalidHours(t *testing.T) {
	svc := newQueryService(t, memory.NewStore())
	for _, hours := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		h := hours
		if _, err := svc.RobotHistory(context.Background(), "r1", &h); !errors.Is(err, telemetry.ErrInvalidHours) {
			t.Fatalf("expected ErrInvalidHours for %v, got %v", hours, err)
		}
	}
}

func TestRobotHistoryUnknownRobotIsEmpty(t *testing.T) {
	svc := newQueryService(t, memory.NewStore())
	history, err := svc.RobotHistory(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Fatalf("expected empty slice, got %#v", history)
	}
}

func TestRobotLatestNotFound(t *testing.T) {
	svc := newQueryService(t, memory.NewStore())
	if _, err := svc.RobotLatest(context.Background(), "ghost"); !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFleetStatisticsAndAlerts(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "r1", time.Minute, 5, false)
	seed(t, store, "r2", time.Minute, 15, true)
	seed(t, store, "r3", time.Minute, 90, false)
	svc := newQueryService(t, store)

	stats, err := svc.FleetStatistics(context.Background())
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 || stats.Online != 3 || stats.Charging != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.ConnectedRobots != 1 {
		t.Fatalf("expected connected count from registry, got %d", stats.ConnectedRobots)
	}
	if stats.ActiveAlerts != 1 {
		t.Fatalf("expected 1 alert, got %d", stats.ActiveAlerts)
	}

	alerts, err := svc.ActiveAlerts(context.Background())
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].RobotID != "r1" || alerts[0].Type != telemetry.AlertCriticalBattery {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

type recordingPublisher struct {
	events []events.FleetChanged
}

func (p *recordingPublisher) PublishFleetChanged(ctx context.Context, event events.FleetChanged) error {
	p.events = append(p.events, event)
	return nil
}

func TestRetentionSweepZeroMaxAgeEmptiesFleet(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "r1", 0, 50, false)
	seed(t, store, "r2", time.Hour, 50, false)
	publisher := &recordingPublisher{}

	sweeper, err := NewRetentionSweeper(store, fixedClock{now: now}, publisher, 0, time.Hour, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	removed, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	latest, _ := store.LatestPerRobot(context.Background())
	if len(latest) != 0 {
		t.Fatalf("expected empty fleet, got %d", len(latest))
	}
	if len(publisher.events) != 1 || publisher.events[0].Reason != events.ReasonRetentionSweep {
		t.Fatalf("expected retention fleet-changed event, got %+v", publisher.events)
	}
}

func TestRetentionSweepKeepsRecentRecords(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "r1", 40*24*time.Hour, 50, false)
	seed(t, store, "r1", time.Hour, 60, false)
	publisher := &recordingPublisher{}

	sweeper, err := NewRetentionSweeper(store, fixedClock{now: now}, publisher, 30*24*time.Hour, time.Hour, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	removed, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected no event for an empty sweep, got %d events", len(publisher.events))
	}
}

func TestRetentionSweeperRunStopsOnCancel(t *testing.T) {
	sweeper, err := NewRetentionSweeper(memory.NewStore(), nil, nil, time.Hour, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}
