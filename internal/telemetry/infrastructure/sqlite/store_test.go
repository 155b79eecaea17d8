package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "telemetry.db"), 2, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return store
}

func record(robotID string, at time.Time, battery float64) telemetry.Record {
	return telemetry.Record{
		RobotID:      robotID,
		Status:       telemetry.StatusOnline,
		Battery:      battery,
		WifiStrength: -50,
		Temperature:  25,
		Memory:       40,
		Timestamp:    at,
	}
}

func mustAppend(t *testing.T, store *Store, r telemetry.Record) telemetry.RecordID {
	t.Helper()
	id, err := store.Append(context.Background(), r)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", 1, nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestAppendRoundTripsOptionalFields(t *testing.T) {
	store := openTestStore(t)
	r := record("r1", base, 55.5)
	r.Charging = true
	r.Location = &telemetry.Location{X: 1.5, Y: -2, Z: 0.25}
	r.LastError = &telemetry.ErrorInfo{Code: "E42", Message: "wheel slip", Timestamp: base.Add(-time.Second)}
	id := mustAppend(t, store, r)

	got, err := store.Latest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != id || !got.Charging || got.Battery != 55.5 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Location == nil || got.Location.Y != -2 {
		t.Fatalf("expected location, got %+v", got.Location)
	}
	if got.LastError == nil || got.LastError.Code != "E42" || !got.LastError.Timestamp.Equal(base.Add(-time.Second)) {
		t.Fatalf("expected last error, got %+v", got.LastError)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("expected timestamp %s, got %s", base, got.Timestamp)
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Append(context.Background(), record("r1", base, 120))
	if !errors.Is(err, telemetry.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHistoryAscendingFromSince(t *testing.T) {
	store := openTestStore(t)
	mustAppend(t, store, record("r1", base.Add(2*time.Minute), 70))
	mustAppend(t, store, record("r1", base, 90))
	mustAppend(t, store, record("r1", base.Add(time.Minute), 80))
	mustAppend(t, store, record("r2", base.Add(time.Minute), 10))

	history, err := store.History(context.Background(), "r1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if history[0].Battery != 80 || history[1].Battery != 70 {
		t.Fatalf("expected ascending order, got %v then %v", history[0].Battery, history[1].Battery)
	}

	empty, err := store.History(context.Background(), "ghost", base)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", empty)
	}
}

func TestLatestPerRobotTieGoesToLastInserted(t *testing.T) {
	store := openTestStore(t)
	mustAppend(t, store, record("r2", base, 50))
	mustAppend(t, store, record("r1", base, 60))
	mustAppend(t, store, record("r1", base, 61))

	latest, err := store.LatestPerRobot(context.Background())
	if err != nil {
		t.Fatalf("latest per robot: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 robots, got %d", len(latest))
	}
	if latest[0].RobotID != "r1" || latest[0].Battery != 61 {
		t.Fatalf("expected r1 with battery 61 first, got %+v", latest[0])
	}
}

func TestLatestNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Latest(context.Background(), "ghost"); !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepIsInclusive(t *testing.T) {
	store := openTestStore(t)
	mustAppend(t, store, record("r1", base.Add(-time.Hour), 50))
	mustAppend(t, store, record("r1", base, 50))
	mustAppend(t, store, record("r1", base.Add(time.Minute), 50))

	removed, err := store.Sweep(context.Background(), base)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	latest, err := store.LatestPerRobot(context.Background())
	if err != nil {
		t.Fatalf("latest per robot: %v", err)
	}
	if len(latest) != 1 || !latest[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected only the newest record, got %+v", latest)
	}
}

func TestCancelledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.LatestPerRobot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPingContext(t *testing.T) {
	store := openTestStore(t)
	if err := store.PingContext(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestCountStored(t *testing.T) {
	store := openTestStore(t)
	mustAppend(t, store, record("r1", base, 50))
	mustAppend(t, store, record("r1", base.Add(time.Minute), 50))
	mustAppend(t, store, record("r2", base, 50))

	records, robots, err := store.CountStored(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if records != 3 || robots != 2 {
		t.Fatalf("expected 3 records and 2 robots, got %d and %d", records, robots)
	}
}
