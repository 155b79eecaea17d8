package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Notification events.
const (
	EventRaised    = "raised"
	EventCleared   = "cleared"
	EventEscalated = "escalated"
)

const defaultQueueSize = 256

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type notification struct {
	event  string
	alert  telemetry.Alert
	record telemetry.Record
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier turns alert transitions in ingested records into webhook
// notifications. Transitions are detected synchronously and delivered by Run.
type Notifier struct {
	channel        Channel
	template       *Template
	clock          Clock
	logger         *log.Logger
	escalation     time.Duration
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	reportBaseURL  string
	queue          chan notification

	mu     sync.Mutex
	active map[string]map[string]telemetry.Alert
	timers map[string]*time.Timer
	sent   map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation re-sends critical alerts still open after the delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds each delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithReportBaseURL links notifications to the robot history endpoint under base.
func WithReportBaseURL(base string) Option {
	return func(n *Notifier) {
		n.reportBaseURL = strings.TrimRight(base, "/")
	}
}

// WithQueueSize sets how many notifications may wait for delivery.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan notification, size)
		}
	}
}

// NewNotifier constructs an alert notifier.
func NewNotifier(channel Channel, template *Template, logger *log.Logger, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		channel:        channel,
		template:       template,
		clock:          telemetry.SystemClock{},
		logger:         logger,
		requestTimeout: 5 * time.Second,
		queue:          make(chan notification, defaultQueueSize),
		active:         make(map[string]map[string]telemetry.Alert),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// OnUpdated compares the alerts of the new record with the robot's open
// alerts and queues one notification per transition.
func (n *Notifier) OnUpdated(_ context.Context, event events.RecordUpdated) error {
	record := event.Record
	robotID := record.RobotID
	if robotID == "" {
		robotID = event.RobotID
	}
	current := make(map[string]telemetry.Alert)
	for _, alert := range record.Alerts() {
		current[alertKey(alert)] = alert
	}

	n.mu.Lock()
	previous := n.active[robotID]
	var raised, cleared []string
	for key := range current {
		if _, ok := previous[key]; !ok {
			raised = append(raised, key)
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			cleared = append(cleared, key)
		}
	}
	if len(current) == 0 {
		delete(n.active, robotID)
	} else {
		n.active[robotID] = current
	}
	n.mu.Unlock()

	sort.Strings(raised)
	sort.Strings(cleared)
	for _, key := range cleared {
		n.cancelEscalation(robotID, key)
		n.enqueue(notification{event: EventCleared, alert: previous[key], record: record})
	}
	for _, key := range raised {
		alert := current[key]
		n.enqueue(notification{event: EventRaised, alert: alert, record: record})
		n.scheduleEscalation(robotID, key, alert, record)
	}
	return nil
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-n.queue:
			n.dispatch(ctx, item)
		}
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) enqueue(item notification) {
	select {
	case n.queue <- item:
	default:
		n.logger.Printf("alert notifier: queue full, dropped: robot=%s alert=%s event=%s", item.alert.RobotID, item.alert.Type, item.event)
	}
}

func (n *Notifier) dispatch(ctx context.Context, item notification) {
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	content, err := n.template.Render(n.buildTemplateData(item))
	if err != nil {
		n.logger.Printf("alert notifier: render error: robot=%s err=%v", item.alert.RobotID, err)
		return
	}
	key := notificationKey(item.alert.RobotID, alertKey(item.alert), item.event)
	if !n.shouldSend(key, content) {
		return
	}
	msg := Message{
		Content: content,
		RobotID: item.alert.RobotID,
		Alert:   string(item.alert.Type),
		Event:   item.event,
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		n.logger.Printf("alert notifier: send error: robot=%s alert=%s err=%v", item.alert.RobotID, item.alert.Type, err)
		return
	}
	n.markSent(key, content)
}

func (n *Notifier) scheduleEscalation(robotID, key string, alert telemetry.Alert, record telemetry.Record) {
	if n.escalation <= 0 || !critical(alert.Type) {
		return
	}
	timerKey := robotID + "|" + key
	n.mu.Lock()
	if existing, ok := n.timers[timerKey]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[timerKey] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(robotID, key, alert, record)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(robotID, key string) {
	timerKey := robotID + "|" + key
	n.mu.Lock()
	timer := n.timers[timerKey]
	delete(n.timers, timerKey)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(robotID, key string, alert telemetry.Alert, record telemetry.Record) {
	n.mu.Lock()
	delete(n.timers, robotID+"|"+key)
	_, open := n.active[robotID][key]
	n.mu.Unlock()
	if !open {
		return
	}
	n.enqueue(notification{event: EventEscalated, alert: alert, record: record})
}

func (n *Notifier) buildTemplateData(item notification) TemplateData {
	reportURL := ""
	if n.reportBaseURL != "" {
		reportURL = n.reportBaseURL + "/api/v1/robots/" + url.PathEscape(item.alert.RobotID) + "/history"
	}
	return TemplateData{
		Robot:       item.alert.RobotID,
		Alert:       string(item.alert.Type),
		Message:     item.alert.Message,
		Status:      string(item.record.Status),
		Battery:     formatFloat(item.record.Battery),
		Temperature: formatFloat(item.record.Temperature),
		RaisedAt:    item.alert.Timestamp.UTC().Format(time.RFC3339),
		Suggestion:  suggestionFor(item.alert.Type),
		ReportURL:   reportURL,
		Event:       item.event,
		EventLabel:  eventLabel(item.event),
	}
}

// alertKey separates faults by code and message so a new fault is a new alert.
func alertKey(alert telemetry.Alert) string {
	if alert.Type == telemetry.AlertFault {
		return string(alert.Type) + ":" + alert.Message
	}
	return string(alert.Type)
}

func critical(alertType telemetry.AlertType) bool {
	return alertType == telemetry.AlertCriticalBattery || alertType == telemetry.AlertFault
}

func eventLabel(event string) string {
	switch event {
	case EventRaised:
		return "Raised"
	case EventCleared:
		return "Cleared"
	case EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(alertType telemetry.AlertType) string {
	switch alertType {
	case telemetry.AlertCriticalBattery:
		return "Send the robot to a charger immediately."
	case telemetry.AlertLowBattery:
		return "Schedule charging soon."
	case telemetry.AlertFault:
		return "Inspect the robot and clear the fault."
	default:
		return "Monitor the robot."
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(robotID, key, event string) string {
	return robotID + "|" + key + "|" + event
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
