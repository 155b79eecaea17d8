package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	robotsapp "fleet-telemetry/internal/robots/application"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	telemetrypostgres "fleet-telemetry/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestTelemetryStore_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "robot_telemetry") {
		t.Skip("robot_telemetry missing; run migrations")
	}

	ctx := context.Background()
	robotA := "robot-it-a"
	robotB := "robot-it-b"
	_, _ = db.ExecContext(ctx, "DELETE FROM robot_telemetry WHERE robot_id IN ($1, $2)", robotA, robotB)

	store := telemetrypostgres.NewStore(db)
	base := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	first := telemetry.Record{
		RobotID:      robotA,
		Status:       telemetry.StatusOnline,
		Battery:      80,
		WifiStrength: -40,
		Temperature:  25,
		Memory:       30,
		Location:     &telemetry.Location{X: 1, Y: 2, Z: 0},
		Timestamp:    base,
	}
	if _, err := store.Append(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	tie := first
	tie.Battery = 70
	tie.LastError = &telemetry.ErrorInfo{Code: "E42", Message: "wheel stuck", Timestamp: base}
	tieID, err := store.Append(ctx, tie)
	if err != nil {
		t.Fatalf("append tie: %v", err)
	}
	older := first
	older.RobotID = robotB
	older.Timestamp = base.Add(-48 * time.Hour)
	if _, err := store.Append(ctx, older); err != nil {
		t.Fatalf("append older: %v", err)
	}

	latest, err := store.Latest(ctx, robotA)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != tieID {
		t.Fatalf("expected last inserted record %s, got %s", tieID, latest.ID)
	}
	if latest.LastError == nil || latest.LastError.Code != "E42" {
		t.Fatalf("expected last error round trip, got %+v", latest.LastError)
	}
	if latest.Location == nil || latest.Location.Y != 2 {
		t.Fatalf("expected location round trip, got %+v", latest.Location)
	}

	history, err := store.History(ctx, robotA, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}

	if _, err := store.Sweep(ctx, base.Add(-24*time.Hour)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := store.Latest(ctx, robotB); !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected swept robot to be gone, got %v", err)
	}

	_, _ = db.ExecContext(ctx, "DELETE FROM robot_telemetry WHERE robot_id IN ($1, $2)", robotA, robotB)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type capturePublisher struct{ events []events.RecordUpdated }

func (p *capturePublisher) PublishUpdated(_ context.Context, event events.RecordUpdated) error {
	p.events = append(p.events, event)
	return nil
}

func TestIngestedTimestampMatchesStored_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if !tableExists(db, "robot_telemetry") {
		t.Skip("robot_telemetry missing; run migrations")
	}

	ctx := context.Background()
	robotID := "robot-it-precision"
	_, _ = db.ExecContext(ctx, "DELETE FROM robot_telemetry WHERE robot_id = $1", robotID)
	defer db.ExecContext(ctx, "DELETE FROM robot_telemetry WHERE robot_id = $1", robotID)

	receivedAt := time.Date(2026, time.March, 1, 9, 0, 0, 123456789, time.UTC)
	publisher := &capturePublisher{}
	svc, err := robotsapp.NewIngestService(telemetrypostgres.NewStore(db), fixedClock{now: receivedAt}, publisher, time.Second, nil)
	if err != nil {
		t.Fatalf("new ingest service: %v", err)
	}
	status, battery, wifi, charging, temp, memory := "online", 55.0, -40.0, false, 30.0, 20.0
	ingested, err := svc.Ingest(ctx, robotID, telemetry.Reading{
		Status: &status, Battery: &battery, WifiStrength: &wifi, Charging: &charging,
		Temperature: &temp, Memory: &memory,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.events))
	}

	stored, err := telemetrypostgres.NewStore(db).Latest(ctx, robotID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	pushed := publisher.events[0].Record.Timestamp
	if !stored.Timestamp.Equal(pushed) || !ingested.Timestamp.Equal(pushed) {
		t.Fatalf("expected stored timestamp %s to equal pushed %s", stored.Timestamp, pushed)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
