package eventing

import (
	"context"
	"sync"

	"fleet-telemetry/internal/telemetry/application/events"
)

// Bus is the in-process fleet event bus. The set of event kinds is fixed:
// RecordUpdated and FleetChanged.
type Bus struct {
	mu sync.RWMutex

	updatedHandlers []func(context.Context, events.RecordUpdated) error
	changedHandlers []func(context.Context, events.FleetChanged) error
}

// NewBus constructs a new bus.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeUpdated registers a handler for RecordUpdated.
func (b *Bus) SubscribeUpdated(handler func(context.Context, events.RecordUpdated) error) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updatedHandlers = append(b.updatedHandlers, handler)
}

// PublishUpdated delivers a RecordUpdated event to every handler in
// registration order and returns the first handler error.
func (b *Bus) PublishUpdated(ctx context.Context, event events.RecordUpdated) error {
	b.mu.RLock()
	handlers := append([]func(context.Context, events.RecordUpdated) error(nil), b.updatedHandlers...)
	b.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubscribeFleetChanged registers a handler for FleetChanged.
func (b *Bus) SubscribeFleetChanged(handler func(context.Context, events.FleetChanged) error) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changedHandlers = append(b.changedHandlers, handler)
}

// PublishFleetChanged delivers a FleetChanged event to every handler in
// registration order and returns the first handler error.
func (b *Bus) PublishFleetChanged(ctx context.Context, event events.FleetChanged) error {
	b.mu.RLock()
	handlers := append([]func(context.Context, events.FleetChanged) error(nil), b.changedHandlers...)
	b.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
