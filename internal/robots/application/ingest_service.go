package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// UpdatePublisher publishes record-updated events.
type UpdatePublisher interface {
	PublishUpdated(ctx context.Context, event events.RecordUpdated) error
}

// IngestService validates, timestamps, persists and announces robot readings.
// While the store is unavailable, writes are refused until the backoff elapses.
type IngestService struct {
	store     telemetry.Store
	clock     telemetry.Clock
	publisher UpdatePublisher
	backoff   time.Duration
	logger    *log.Logger

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewIngestService constructs an ingest service.
func NewIngestService(store telemetry.Store, clock telemetry.Clock, publisher UpdatePublisher, backoff time.Duration, logger *log.Logger) (*IngestService, error) {
	if store == nil {
		return nil, errors.New("ingest service: nil store")
	}
	if publisher == nil {
		return nil, errors.New("ingest service: nil publisher")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestService{
		store:     store,
		clock:     clock,
		publisher: publisher,
		backoff:   backoff,
		logger:    logger,
	}, nil
}

// Ingest stores one reading of robotID and publishes it. The returned record
// carries the store id and the receipt timestamp.
func (s *IngestService) Ingest(ctx context.Context, robotID string, reading telemetry.Reading) (telemetry.Record, error) {
	start := time.Now()
	// Postgres keeps microseconds; the pushed record must match what is read back.
	now := s.clock.Now().Truncate(time.Microsecond)

	record, err := reading.ToRecord(robotID, now)
	if err != nil {
		metrics.ObserveIngest(metrics.ResultRejected, time.Since(start))
		return telemetry.Record{}, err
	}

	if until, paused := s.paused(now); paused {
		metrics.ObserveIngest(metrics.ResultUnavailable, time.Since(start))
		return telemetry.Record{}, fmt.Errorf("%w: writes paused until %s", telemetry.ErrStoreUnavailable, until.Format(time.RFC3339))
	}

	id, err := s.store.Append(ctx, record)
	if err != nil {
		switch {
		case errors.Is(err, telemetry.ErrStoreUnavailable):
			s.pause(now)
			s.logger.Printf("ingest service: store unavailable, pausing writes for %s: %v", s.backoff, err)
			metrics.ObserveIngest(metrics.ResultUnavailable, time.Since(start))
		case errors.Is(err, telemetry.ErrValidation):
			metrics.ObserveIngest(metrics.ResultRejected, time.Since(start))
		default:
			metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		}
		return telemetry.Record{}, err
	}
	record.ID = id

	event := events.RecordUpdated{RobotID: record.RobotID, Record: record, OccurredAt: now}
	if err := s.publisher.PublishUpdated(ctx, event); err != nil {
		s.logger.Printf("ingest service: publish updated: robot=%s err=%v", record.RobotID, err)
	}
	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))
	return record, nil
}

func (s *IngestService) paused(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedUntil, now.Before(s.pausedUntil)
}

func (s *IngestService) pause(now time.Time) {
	if s.backoff <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if until := now.Add(s.backoff); until.After(s.pausedUntil) {
		s.pausedUntil = until
	}
}
