package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/registry"
	"fleet-telemetry/internal/telemetry/application/events"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	transportws "fleet-telemetry/internal/transport/ws"
)

// Inbound frame types.
const (
	frameTelemetry = "telemetry"
	framePing      = "ping"
)

// Outbound frame types.
const (
	frameAck  = "ack"
	framePong = "pong"
)

// Ingester persists one reading of a robot.
type Ingester interface {
	Ingest(ctx context.Context, robotID string, reading telemetry.Reading) (telemetry.Record, error)
}

// FleetChangedPublisher publishes fleet-changed notifications.
type FleetChangedPublisher interface {
	PublishFleetChanged(ctx context.Context, event events.FleetChanged) error
}

// Ack answers a telemetry frame.
type Ack struct {
	Success   bool       `json:"success"`
	RecordID  string     `json:"recordId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
	Field     string     `json:"field,omitempty"`
}

// Pong answers a ping frame with the server time in unix milliseconds.
type Pong struct {
	Pong int64 `json:"pong"`
}

// Gateway accepts one websocket per robot at /ws/robots?robotId=<id>.
type Gateway struct {
	ingest    Ingester
	registry  *registry.Registry
	publisher FleetChangedPublisher
	clock     telemetry.Clock
	upgrader  *websocket.Upgrader
	opts      transportws.Options
	logger    *log.Logger
}

// NewGateway constructs a robot gateway.
func NewGateway(ingest Ingester, reg *registry.Registry, publisher FleetChangedPublisher, clock telemetry.Clock, opts transportws.Options, logger *log.Logger) (*Gateway, error) {
	if ingest == nil {
		return nil, errors.New("robot gateway: nil ingester")
	}
	if reg == nil {
		return nil, errors.New("robot gateway: nil registry")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		ingest:    ingest,
		registry:  reg,
		publisher: publisher,
		clock:     clock,
		upgrader:  transportws.NewUpgrader(opts),
		opts:      opts,
		logger:    logger,
	}, nil
}

// ServeHTTP binds the connection to the robot named in the handshake and
// ingests its frames until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	robotID := strings.TrimSpace(r.URL.Query().Get("robotId"))
	if robotID == "" {
		g.logger.Printf("robot gateway: refused connection without robotId: remote=%s", r.RemoteAddr)
		http.Error(w, "robotId required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("robot gateway: upgrade failed: robot=%s err=%v", robotID, err)
		return
	}
	session := transportws.NewSession(conn, g.opts, g.logger)
	go session.WritePump()

	if previous := g.registry.BindRobot(robotID, session); previous != nil {
		g.logger.Printf("robot gateway: superseded session: robot=%s old=%s new=%s", robotID, previous.ID(), session.ID())
		_ = previous.Close()
	}
	metrics.SessionOpened(metrics.SessionRobot)
	g.logger.Printf("robot gateway: bound: robot=%s session=%s", robotID, session.ID())

	ctx := r.Context()
	g.publishFleetChanged(ctx, events.ReasonRobotConnected, robotID)

	err = session.ReadLoop(func(codec transportws.Codec, payload []byte) {
		g.handleFrame(ctx, session, robotID, codec, payload)
	})
	if err != nil && transportws.IsUnexpectedClose(err) {
		g.logger.Printf("robot gateway: connection error: robot=%s session=%s err=%v", robotID, session.ID(), err)
	}

	metrics.SessionClosed(metrics.SessionRobot)
	if g.registry.ReleaseRobot(robotID, session) {
		g.publishFleetChanged(context.WithoutCancel(ctx), events.ReasonRobotDisconnected, robotID)
	}
	g.logger.Printf("robot gateway: closed: robot=%s session=%s", robotID, session.ID())
}

func (g *Gateway) handleFrame(ctx context.Context, session *transportws.Session, robotID string, codec transportws.Codec, payload []byte) {
	frame, err := transportws.DecodeFrame(codec, payload)
	if err != nil {
		g.drop(session, robotID, codec, "malformed", err)
		return
	}

	switch frame.Type {
	case framePing:
		session.SendFrame(codec, framePong, Pong{Pong: g.clock.Now().UnixMilli()})
	case frameTelemetry:
		var reading telemetry.Reading
		if err := frame.Decode(&reading); err != nil {
			g.drop(session, robotID, codec, "malformed", err)
			return
		}
		record, err := g.ingest.Ingest(ctx, robotID, reading)
		if err != nil {
			reason := "error"
			switch {
			case errors.Is(err, telemetry.ErrValidation):
				reason = "validation"
			case errors.Is(err, telemetry.ErrStoreUnavailable):
				reason = "store-unavailable"
			}
			g.drop(session, robotID, codec, reason, err)
			return
		}
		session.SendFrame(codec, frameAck, Ack{Success: true, RecordID: string(record.ID), Timestamp: &record.Timestamp})
	default:
		g.drop(session, robotID, codec, "unknown-type", errors.New("unknown frame type "+frame.Type))
	}
}

// drop logs a rejected frame and answers with a failed ack. The connection stays open.
func (g *Gateway) drop(session *transportws.Session, robotID string, codec transportws.Codec, reason string, err error) {
	metrics.IncIngestDrop(reason)
	g.logger.Printf("robot gateway: drop frame: robot=%s reason=%s err=%v", robotID, reason, err)
	ack := Ack{Success: false, Error: err.Error()}
	var validation *telemetry.ValidationError
	if errors.As(err, &validation) {
		ack.Field = validation.Field
	}
	session.SendFrame(codec, frameAck, ack)
}

func (g *Gateway) publishFleetChanged(ctx context.Context, reason events.FleetChangeReason, robotID string) {
	if g.publisher == nil {
		return
	}
	event := events.FleetChanged{Reason: reason, RobotID: robotID, OccurredAt: g.clock.Now()}
	if err := g.publisher.PublishFleetChanged(ctx, event); err != nil {
		g.logger.Printf("robot gateway: publish fleet-changed: robot=%s err=%v", robotID, err)
	}
}
