package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	dashboardapp "fleet-telemetry/internal/dashboard/application"
	"fleet-telemetry/internal/observability/metrics"
	transportws "fleet-telemetry/internal/transport/ws"
)

// Inbound frame types.
const (
	frameSubscribe      = "subscribe"
	frameUnsubscribe    = "unsubscribe"
	frameGetSnapshot    = "get-snapshot"
	frameGetHistory     = "get-history"
	frameGetFleetStatus = "get-fleet-status"
	frameRefresh        = "refresh-dashboard"
	frameRobotCommand   = "robot-command"
)

type groupRequest struct {
	Group   string `json:"group"`
	Channel string `json:"channel"`
}

func (r groupRequest) name() string {
	if r.Group != "" {
		return r.Group
	}
	return r.Channel
}

type historyRequest struct {
	RobotID string   `json:"robotId"`
	Hours   *float64 `json:"hours"`
}

// Gateway serves dashboard websockets at /ws/dashboard.
type Gateway struct {
	fanout   *dashboardapp.Fanout
	upgrader *websocket.Upgrader
	opts     transportws.Options
	logger   *log.Logger
}

// NewGateway constructs a dashboard gateway.
func NewGateway(fanout *dashboardapp.Fanout, opts transportws.Options, logger *log.Logger) (*Gateway, error) {
	if fanout == nil {
		return nil, errors.New("dashboard gateway: nil fanout")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		fanout:   fanout,
		upgrader: transportws.NewUpgrader(opts),
		opts:     opts,
		logger:   logger,
	}, nil
}

// ServeHTTP upgrades the connection and serves requests until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("dashboard gateway: upgrade failed: %v", err)
		return
	}
	session := transportws.NewSession(conn, g.opts, g.logger)
	go session.WritePump()

	g.fanout.Connect(session)
	metrics.SessionOpened(metrics.SessionDashboard)
	defer func() {
		g.fanout.Disconnect(session.ID())
		metrics.SessionClosed(metrics.SessionDashboard)
	}()

	ctx := r.Context()
	err = session.ReadLoop(func(codec transportws.Codec, payload []byte) {
		g.handleFrame(ctx, session, codec, payload)
	})
	if err != nil && transportws.IsUnexpectedClose(err) {
		g.logger.Printf("dashboard gateway: connection error: session=%s err=%v", session.ID(), err)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, session *transportws.Session, codec transportws.Codec, payload []byte) {
	frame, err := transportws.DecodeFrame(codec, payload)
	if err != nil {
		g.fail(session, "decode", err)
		return
	}

	switch frame.Type {
	case frameSubscribe, frameUnsubscribe:
		var req groupRequest
		if err := frame.Decode(&req); err != nil {
			g.fail(session, frame.Type, err)
			return
		}
		if frame.Type == frameSubscribe {
			err = g.fanout.Subscribe(session, req.name())
		} else {
			err = g.fanout.Unsubscribe(session, req.name())
		}
	case frameGetSnapshot:
		err = g.fanout.RequestSnapshot(ctx, session)
	case frameGetHistory:
		var req historyRequest
		if err := frame.Decode(&req); err != nil {
			g.fail(session, frame.Type, err)
			return
		}
		err = g.fanout.RequestHistory(ctx, session, req.RobotID, req.Hours)
	case frameGetFleetStatus:
		err = g.fanout.RequestStatistics(ctx, session)
	case frameRefresh:
		err = g.fanout.Refresh(ctx)
	case frameRobotCommand:
		var command dashboardapp.Command
		if err := frame.Decode(&command); err != nil {
			g.fail(session, frame.Type, err)
			return
		}
		err = g.fanout.Command(session, command)
	default:
		err = fmt.Errorf("unknown frame type %q", frame.Type)
	}
	if err != nil {
		g.fail(session, frame.Type, err)
	}
}

func (g *Gateway) fail(session *transportws.Session, operation string, err error) {
	g.logger.Printf("dashboard gateway: %s failed: session=%s err=%v", operation, session.ID(), err)
	g.fanout.SendError(session, operation, err)
}
