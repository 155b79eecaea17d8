package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tunes sessions and the upgrader.
type Options struct {
	Buffer         int
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

// NewUpgrader returns an upgrader that accepts the configured origins, or any
// origin when none are configured.
func NewUpgrader(opts Options) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[strings.ToLower(origin)] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

type outbound struct {
	messageType int
	payload     []byte
}

// Session is one live websocket connection. Writes go through a bounded
// queue drained by WritePump; a full queue drops the frame.
type Session struct {
	id           string
	conn         *websocket.Conn
	send         chan outbound
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *log.Logger
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, opts Options, logger *log.Logger) *Session {
	opts = opts.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	conn.SetReadLimit(opts.ReadLimit)
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan outbound, opts.Buffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues a JSON frame. It returns false when the frame was dropped.
func (s *Session) Send(eventType string, data any) bool {
	return s.SendFrame(CodecJSON, eventType, data)
}

// SendFrame queues a frame with the given codec. It never blocks.
func (s *Session) SendFrame(codec Codec, eventType string, data any) bool {
	messageType, payload, err := Encode(codec, eventType, data)
	if err != nil {
		s.logger.Printf("ws session: encode %s: session=%s err=%v", eventType, s.id, err)
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- outbound{messageType: messageType, payload: payload}:
		return true
	default:
		return false
	}
}

// Close stops the session. WritePump closes the underlying connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// WritePump drains the send queue until the session is closed or a write
// fails. It owns every write to the connection.
func (s *Session) WritePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(msg.messageType, msg.payload); err != nil {
				s.logger.Printf("ws session: write failed: session=%s err=%v", s.id, err)
				_ = s.Close()
				return
			}
		}
	}
}

// ReadLoop reads frames until the connection fails or is closed and passes
// each data frame to handle. Frames are handled in arrival order.
func (s *Session) ReadLoop(handle func(codec Codec, payload []byte)) error {
	defer s.Close()
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		codec, ok := CodecFor(messageType)
		if !ok {
			continue
		}
		handle(codec, payload)
	}
}

// IsUnexpectedClose reports whether err is a read failure worth logging.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
