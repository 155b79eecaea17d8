package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.contents = append(r.contents, msg.Content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func updated(robotID string, battery float64, charging bool, at time.Time) events.RecordUpdated {
	return events.RecordUpdated{
		RobotID: robotID,
		Record: telemetry.Record{
			RobotID:      robotID,
			Status:       telemetry.StatusOnline,
			Battery:      battery,
			WifiStrength: -50,
			Charging:     charging,
			Temperature:  30,
			Memory:       40,
			Timestamp:    at,
		},
		OccurredAt: at,
	}
}

// drain delivers everything queued so far.
func drain(n *Notifier) {
	for {
		select {
		case item := <-n.queue:
			n.dispatch(context.Background(), item)
		default:
			return
		}
	}
}

func TestWebhookChannelPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(channel, nil, nil, WithReportBaseURL("http://fleet.example.com/"))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	at := time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)
	_ = notifier.OnUpdated(context.Background(), updated("robot-001", 5, false, at))
	drain(notifier)

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		if payload.RobotID != "robot-001" || payload.Alert != "critical_battery" || payload.Event != EventRaised {
			t.Fatalf("expected routing fields, got %+v", payload)
		}
		checks := []string{
			"[Robot Alert Raised]",
			"Robot: robot-001",
			"Alert: critical_battery",
			"Battery: 5.00",
			"Raised At: 2026-01-26T08:00:00Z",
			"Suggestion: Send the robot to a charger immediately.",
			"History: http://fleet.example.com/api/v1/robots/robot-001/history",
		}
		for _, expected := range checks {
			if !strings.Contains(payload.Text.Content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, payload.Text.Content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	err = channel.Send(context.Background(), Message{Content: "hello"})
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("expected 502 error with body, got %v", err)
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestWebhookChannelHeaders(t *testing.T) {
	tokenCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCh <- r.Header.Get("X-Fleet-Token")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithHeader("X-Fleet-Token", "s3cret"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	if err := channel.Send(context.Background(), Message{Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-tokenCh; got != "s3cret" {
		t.Fatalf("expected header s3cret, got %q", got)
	}
}

func TestNotifierTransitions(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	at := time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_ = notifier.OnUpdated(ctx, updated("robot-001", 80, false, at))
	drain(notifier)
	if got := channel.Count(); got != 0 {
		t.Fatalf("expected no notification for a healthy robot, got %d", got)
	}

	_ = notifier.OnUpdated(ctx, updated("robot-001", 15, false, at.Add(time.Minute)))
	_ = notifier.OnUpdated(ctx, updated("robot-001", 14, false, at.Add(2*time.Minute)))
	drain(notifier)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected one raised notification while the alert stays open, got %d", got)
	}

	_ = notifier.OnUpdated(ctx, updated("robot-001", 14, true, at.Add(3*time.Minute)))
	drain(notifier)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected a cleared notification once charging, got %d", got)
	}
	if !strings.Contains(channel.Latest(), "Cleared") || !strings.Contains(channel.Latest(), "low_battery") {
		t.Fatalf("expected cleared low_battery content, got %s", channel.Latest())
	}
}

func TestNotifierNewFaultIsNewAlert(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	at := time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := updated("robot-002", 90, false, at)
	first.Record.LastError = &telemetry.ErrorInfo{Code: "E1", Message: "motor stall", Timestamp: at}
	second := updated("robot-002", 90, false, at.Add(time.Minute))
	second.Record.LastError = &telemetry.ErrorInfo{Code: "E2", Message: "lidar offline", Timestamp: at.Add(time.Minute)}

	_ = notifier.OnUpdated(ctx, first)
	_ = notifier.OnUpdated(ctx, second)
	drain(notifier)
	if got := channel.Count(); got != 3 {
		t.Fatalf("expected raised, cleared and raised, got %d", got)
	}
	if !strings.Contains(channel.Latest(), "E2: lidar offline") {
		t.Fatalf("expected the new fault last, got %s", channel.Latest())
	}
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil, WithClock(clock), WithCooldown(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	at := clock.Now()

	_ = notifier.OnUpdated(ctx, updated("robot-003", 5, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-003", 50, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-003", 5, false, at))
	drain(notifier)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected raised and cleared during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	_ = notifier.OnUpdated(ctx, updated("robot-003", 50, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-003", 5, false, at))
	drain(notifier)
	if got := channel.Count(); got != 4 {
		t.Fatalf("expected notifications after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil, WithClock(clock), WithDedupeWindow(30*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	at := clock.Now()

	_ = notifier.OnUpdated(ctx, updated("robot-004", 5, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-004", 50, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-004", 5, false, at))
	drain(notifier)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected the identical raise to be suppressed, got %d", got)
	}

	_ = notifier.OnUpdated(ctx, updated("robot-004", 50, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-004", 4, false, at))
	drain(notifier)
	if got := channel.Count(); got != 3 {
		t.Fatalf("expected a notification when content changes, got %d", got)
	}
}

func TestNotifierEscalation(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil, WithEscalation(20*time.Millisecond), WithRequestTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	_ = notifier.OnUpdated(ctx, updated("robot-005", 5, false, time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC)))

	deadline := time.After(500 * time.Millisecond)
	for {
		if channel.Count() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected escalation notification, got %d", channel.Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierClearedAlertDoesNotEscalate(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, nil, WithEscalation(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()
	ctx := context.Background()
	at := time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC)

	_ = notifier.OnUpdated(ctx, updated("robot-006", 5, false, at))
	_ = notifier.OnUpdated(ctx, updated("robot-006", 5, true, at))
	time.Sleep(60 * time.Millisecond)
	drain(notifier)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected raised and cleared only, got %d", got)
	}
}
