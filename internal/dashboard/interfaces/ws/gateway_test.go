package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	dashboardapp "fleet-telemetry/internal/dashboard/application"
	"fleet-telemetry/internal/eventing"
	"fleet-telemetry/internal/registry"
	telemetryapp "fleet-telemetry/internal/telemetry/application"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	"fleet-telemetry/internal/telemetry/infrastructure/memory"
	transportws "fleet-telemetry/internal/transport/ws"
)

const global = "dashboard-updates"

type harness struct {
	server *httptest.Server
	store  *memory.Store
	bus    *eventing.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	reg := registry.New()
	bus := eventing.NewBus()
	queries, err := telemetryapp.NewQueryService(store, nil, reg, 6)
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	fanout, err := dashboardapp.NewFanout(reg, queries, bus, nil, global, time.Hour, nil)
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	bus.SubscribeUpdated(fanout.OnUpdated)
	bus.SubscribeFleetChanged(fanout.OnFleetChanged)

	gateway, err := NewGateway(fanout, transportws.Options{Buffer: 16}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)
	return &harness{server: server, store: store, bus: bus}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if msg := read(t, conn); msg.Type != dashboardapp.EventConnection {
		t.Fatalf("expected connection greeting, got %s", msg.Type)
	}
	return conn
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func seed(t *testing.T, h *harness, robotID string) telemetry.Record {
	t.Helper()
	record := telemetry.Record{
		RobotID:      robotID,
		Status:       telemetry.StatusOnline,
		Battery:      85,
		WifiStrength: -45,
		Temperature:  23,
		Memory:       67,
		Timestamp:    time.Now().UTC(),
	}
	id, err := h.store.Append(context.Background(), record)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	record.ID = id
	return record
}

func TestSubscribeThenReceiveUpdate(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"type":"subscribe","data":{"group":"robot:r1"}}`)
	if msg := read(t, conn); msg.Type != dashboardapp.EventSubscriptionConfirmed {
		t.Fatalf("expected subscription-confirmed, got %s", msg.Type)
	}

	record := seed(t, h, "r1")
	if err := h.bus.PublishUpdated(context.Background(), events.RecordUpdated{RobotID: "r1", Record: record}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := read(t, conn)
	if msg.Type != dashboardapp.EventUpdate {
		t.Fatalf("expected update, got %s", msg.Type)
	}
	var got telemetry.Record
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if got.ID != record.ID || got.Timestamp.IsZero() {
		t.Fatalf("unexpected update payload: %+v", got)
	}
}

func TestChannelAliasAndSnapshot(t *testing.T) {
	h := newHarness(t)
	seed(t, h, "r1")
	seed(t, h, "r2")
	conn := h.dial(t)

	send(t, conn, `{"type":"subscribe","data":{"channel":"dashboard-updates"}}`)
	if msg := read(t, conn); msg.Type != dashboardapp.EventSubscriptionConfirmed {
		t.Fatalf("expected subscription-confirmed, got %s", msg.Type)
	}
	send(t, conn, `{"type":"get-snapshot"}`)
	msg := read(t, conn)
	if msg.Type != dashboardapp.EventSnapshot {
		t.Fatalf("expected snapshot, got %s", msg.Type)
	}
	var snapshot dashboardapp.Snapshot
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Robots) != 2 {
		t.Fatalf("expected 2 robots, got %d", len(snapshot.Robots))
	}
}

func TestHistoryAndStatistics(t *testing.T) {
	h := newHarness(t)
	seed(t, h, "r1")
	conn := h.dial(t)

	send(t, conn, `{"type":"get-history","data":{"robotId":"r1","hours":1}}`)
	msg := read(t, conn)
	if msg.Type != dashboardapp.EventHistory {
		t.Fatalf("expected history, got %s", msg.Type)
	}
	var history dashboardapp.History
	if err := json.Unmarshal(msg.Data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history.Records))
	}

	send(t, conn, `{"type":"get-fleet-status"}`)
	msg = read(t, conn)
	if msg.Type != dashboardapp.EventStatistics {
		t.Fatalf("expected statistics, got %s", msg.Type)
	}
	var stats telemetry.FleetStatistics
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 robot, got %d", stats.Total)
	}
}

func TestErrorsKeepSessionOpen(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	for _, frame := range []string{
		`{"type":"subscribe","data":{"group":"everything"}}`,
		`{"type":"get-history","data":{"robotId":"r1","hours":-3}}`,
		`{"type":"robot-command","data":{"robotId":"r1"}}`,
		`{"type":"launch"}`,
		`not json`,
	} {
		send(t, conn, frame)
		if msg := read(t, conn); msg.Type != dashboardapp.EventError {
			t.Fatalf("expected error event for %s, got %s", frame, msg.Type)
		}
	}

	send(t, conn, `{"type":"robot-command","data":{"robotId":"r1","command":"dock"}}`)
	if msg := read(t, conn); msg.Type != dashboardapp.EventCommandConfirmed {
		t.Fatalf("expected command-confirmed, got %s", msg.Type)
	}
}

func TestRefreshBroadcastsFleetChanged(t *testing.T) {
	h := newHarness(t)
	watcher := h.dial(t)
	send(t, watcher, `{"type":"subscribe","data":{"group":"dashboard-updates"}}`)
	read(t, watcher)

	requester := h.dial(t)
	send(t, requester, `{"type":"refresh-dashboard"}`)

	msg := read(t, watcher)
	if msg.Type != dashboardapp.EventFleetChanged {
		t.Fatalf("expected fleet-changed, got %s", msg.Type)
	}
}
