package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/registry"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Pushed event names.
const (
	EventConnection              = "connection"
	EventSubscriptionConfirmed   = "subscription-confirmed"
	EventUnsubscriptionConfirmed = "unsubscription-confirmed"
	EventSnapshot                = "snapshot"
	EventHistory                 = "history"
	EventUpdate                  = "update"
	EventStatistics              = "statistics"
	EventFleetChanged            = "fleet-changed"
	EventCommandConfirmed        = "command-confirmed"
	EventError                   = "error"
)

const robotGroupPrefix = "robot:"

var (
	// ErrInvalidGroup is returned for group names outside the naming convention.
	ErrInvalidGroup = errors.New("dashboard: invalid group")
	// ErrInvalidCommand is returned for commands without a robot or a name.
	ErrInvalidCommand = errors.New("dashboard: invalid command")
)

// RobotGroup returns the per-robot group name of robotID.
func RobotGroup(robotID string) string {
	return robotGroupPrefix + robotID
}

// Queries is the read side used for pull requests and statistics.
type Queries interface {
	FleetSnapshot(ctx context.Context) ([]telemetry.Record, error)
	RobotHistory(ctx context.Context, robotID string, hours *float64) ([]telemetry.Record, error)
	FleetStatistics(ctx context.Context) (telemetry.FleetStatistics, error)
}

// FleetChangedPublisher publishes fleet-changed notifications.
type FleetChangedPublisher interface {
	PublishFleetChanged(ctx context.Context, event events.FleetChanged) error
}

// Connection greets a new session.
type Connection struct {
	SessionID   string    `json:"sessionId"`
	GlobalGroup string    `json:"globalGroup"`
	Timestamp   time.Time `json:"timestamp"`
}

// SubscriptionAck confirms a subscribe or unsubscribe to the requesting session.
type SubscriptionAck struct {
	Group     string    `json:"group"`
	Changed   bool      `json:"changed"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot carries the latest record of every robot.
type Snapshot struct {
	Robots    []telemetry.Record `json:"robots"`
	Timestamp time.Time          `json:"timestamp"`
}

// History carries one robot's records over a window.
type History struct {
	RobotID string             `json:"robotId"`
	Records []telemetry.Record `json:"records"`
}

// Command is a dashboard command aimed at a robot. Commands are echoed, never executed.
type Command struct {
	RobotID string         `json:"robotId"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// CommandConfirmation echoes a command back to the requesting session.
type CommandConfirmation struct {
	Command
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a failed request to the requesting session.
type ErrorEvent struct {
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Fanout pushes fleet events to dashboard observers grouped in the registry.
// Delivery is best effort: an observer whose queue is full misses the event.
type Fanout struct {
	registry    *registry.Registry
	queries     Queries
	publisher   FleetChangedPublisher
	clock       telemetry.Clock
	globalGroup string
	interval    time.Duration
	logger      *log.Logger
}

// NewFanout constructs a fan-out service.
func NewFanout(reg *registry.Registry, queries Queries, publisher FleetChangedPublisher, clock telemetry.Clock, globalGroup string, interval time.Duration, logger *log.Logger) (*Fanout, error) {
	if reg == nil {
		return nil, errors.New("fanout: nil registry")
	}
	if queries == nil {
		return nil, errors.New("fanout: nil queries")
	}
	if globalGroup == "" || strings.HasPrefix(globalGroup, robotGroupPrefix) {
		return nil, fmt.Errorf("fanout: invalid global group %q", globalGroup)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Fanout{
		registry:    reg,
		queries:     queries,
		publisher:   publisher,
		clock:       clock,
		globalGroup: globalGroup,
		interval:    interval,
		logger:      logger,
	}, nil
}

// GlobalGroup returns the fleet-wide group name.
func (f *Fanout) GlobalGroup() string { return f.globalGroup }

// ValidateGroup accepts the global group and robot:<id>.
func (f *Fanout) ValidateGroup(group string) error {
	if group == f.globalGroup {
		return nil
	}
	if strings.HasPrefix(group, robotGroupPrefix) && len(group) > len(robotGroupPrefix) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidGroup, group)
}

// Connect registers an observer and greets it.
func (f *Fanout) Connect(observer registry.Observer) {
	f.registry.AddObserver(observer)
	f.push(observer, EventConnection, Connection{
		SessionID:   observer.ID(),
		GlobalGroup: f.globalGroup,
		Timestamp:   f.clock.Now(),
	})
}

// Disconnect drops an observer and its memberships.
func (f *Fanout) Disconnect(id string) {
	f.registry.RemoveObserver(id)
}

// Subscribe adds observer to group and confirms to observer only.
func (f *Fanout) Subscribe(observer registry.Observer, group string) error {
	if err := f.ValidateGroup(group); err != nil {
		return err
	}
	changed, err := f.registry.Subscribe(observer.ID(), group)
	if err != nil {
		return err
	}
	f.push(observer, EventSubscriptionConfirmed, SubscriptionAck{Group: group, Changed: changed, Timestamp: f.clock.Now()})
	return nil
}

// Unsubscribe removes observer from group. Leaving a group never joined is confirmed as well.
func (f *Fanout) Unsubscribe(observer registry.Observer, group string) error {
	if err := f.ValidateGroup(group); err != nil {
		return err
	}
	changed := f.registry.Unsubscribe(observer.ID(), group)
	f.push(observer, EventUnsubscriptionConfirmed, SubscriptionAck{Group: group, Changed: changed, Timestamp: f.clock.Now()})
	return nil
}

// RequestSnapshot pushes the fleet snapshot to observer only.
func (f *Fanout) RequestSnapshot(ctx context.Context, observer registry.Observer) error {
	records, err := f.queries.FleetSnapshot(ctx)
	if err != nil {
		return err
	}
	f.push(observer, EventSnapshot, Snapshot{Robots: records, Timestamp: f.clock.Now()})
	return nil
}

// RequestHistory pushes one robot's history to observer only.
func (f *Fanout) RequestHistory(ctx context.Context, observer registry.Observer, robotID string, hours *float64) error {
	records, err := f.queries.RobotHistory(ctx, robotID, hours)
	if err != nil {
		return err
	}
	f.push(observer, EventHistory, History{RobotID: robotID, Records: records})
	return nil
}

// RequestStatistics pushes current fleet statistics to observer only.
func (f *Fanout) RequestStatistics(ctx context.Context, observer registry.Observer) error {
	stats, err := f.queries.FleetStatistics(ctx)
	if err != nil {
		return err
	}
	f.push(observer, EventStatistics, stats)
	return nil
}

// Refresh asks every observer of the global group to reload its fleet view.
func (f *Fanout) Refresh(ctx context.Context) error {
	event := events.FleetChanged{Reason: events.ReasonRefresh, OccurredAt: f.clock.Now()}
	if f.publisher != nil {
		return f.publisher.PublishFleetChanged(ctx, event)
	}
	return f.OnFleetChanged(ctx, event)
}

// Command confirms a command to observer. Nothing is sent to the robot.
func (f *Fanout) Command(observer registry.Observer, command Command) error {
	if strings.TrimSpace(command.RobotID) == "" || strings.TrimSpace(command.Command) == "" {
		return ErrInvalidCommand
	}
	f.logger.Printf("fanout: command echoed: session=%s robot=%s command=%s", observer.ID(), command.RobotID, command.Command)
	f.push(observer, EventCommandConfirmed, CommandConfirmation{
		Command:   command,
		Status:    "acknowledged",
		Timestamp: f.clock.Now(),
	})
	return nil
}

// SendError reports a failed request to observer.
func (f *Fanout) SendError(observer registry.Observer, operation string, err error) {
	f.push(observer, EventError, ErrorEvent{Operation: operation, Message: err.Error(), Timestamp: f.clock.Now()})
}

// OnUpdated pushes an update once to every member of the robot's group or the
// global group.
func (f *Fanout) OnUpdated(_ context.Context, event events.RecordUpdated) error {
	robotMembers := f.registry.Members(RobotGroup(event.RobotID))
	globalMembers := f.registry.Members(f.globalGroup)

	seen := make(map[string]struct{}, len(robotMembers)+len(globalMembers))
	for _, members := range [][]registry.Observer{robotMembers, globalMembers} {
		for _, observer := range members {
			if _, ok := seen[observer.ID()]; ok {
				continue
			}
			seen[observer.ID()] = struct{}{}
			f.push(observer, EventUpdate, event.Record)
		}
	}
	return nil
}

// OnFleetChanged pushes a fleet-changed notification to the global group.
func (f *Fanout) OnFleetChanged(_ context.Context, event events.FleetChanged) error {
	f.broadcast(f.globalGroup, EventFleetChanged, event)
	return nil
}

// BroadcastStatistics recomputes fleet statistics and pushes them to the global group.
func (f *Fanout) BroadcastStatistics(ctx context.Context) error {
	stats, err := f.queries.FleetStatistics(ctx)
	if err != nil {
		return err
	}
	f.broadcast(f.globalGroup, EventStatistics, stats)
	metrics.IncStatisticsBroadcast()
	return nil
}

// Run broadcasts statistics on every tick until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.BroadcastStatistics(ctx); err != nil {
				f.logger.Printf("fanout: statistics broadcast failed: %v", err)
			}
		}
	}
}

func (f *Fanout) broadcast(group, event string, data any) {
	for _, observer := range f.registry.Members(group) {
		f.push(observer, event, data)
	}
}

func (f *Fanout) push(observer registry.Observer, event string, data any) {
	delivered := observer.Send(event, data)
	metrics.ObserveFanout(event, delivered)
}
