package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// FleetChangedPublisher publishes fleet-changed notifications.
type FleetChangedPublisher interface {
	PublishFleetChanged(ctx context.Context, event events.FleetChanged) error
}

// RetentionSweeper periodically removes records older than maxAge.
type RetentionSweeper struct {
	store     telemetry.Store
	clock     telemetry.Clock
	publisher FleetChangedPublisher
	maxAge    time.Duration
	interval  time.Duration
	logger    *log.Logger
}

// NewRetentionSweeper constructs a sweeper.
func NewRetentionSweeper(store telemetry.Store, clock telemetry.Clock, publisher FleetChangedPublisher, maxAge, interval time.Duration, logger *log.Logger) (*RetentionSweeper, error) {
	if store == nil {
		return nil, errors.New("retention sweeper: nil store")
	}
	if maxAge < 0 {
		return nil, errors.New("retention sweeper: negative max age")
	}
	if interval <= 0 {
		return nil, errors.New("retention sweeper: interval must be positive")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RetentionSweeper{
		store:     store,
		clock:     clock,
		publisher: publisher,
		maxAge:    maxAge,
		interval:  interval,
		logger:    logger,
	}, nil
}

// SweepOnce removes every record at or before now - maxAge.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	removed, err := s.store.Sweep(ctx, now.Add(-s.maxAge))
	if err != nil {
		return 0, err
	}
	metrics.AddRetentionRemoved(removed)
	if removed > 0 && s.publisher != nil {
		event := events.FleetChanged{Reason: events.ReasonRetentionSweep, Removed: removed, OccurredAt: now}
		if err := s.publisher.PublishFleetChanged(ctx, event); err != nil {
			s.logger.Printf("retention sweeper: publish fleet-changed: %v", err)
		}
	}
	return removed, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Printf("retention sweeper: sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				s.logger.Printf("retention sweeper: removed=%d", removed)
			}
		}
	}
}
