package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	dashboardapp "fleet-telemetry/internal/dashboard/application"
	"fleet-telemetry/internal/observability/metrics"
)

const streamBuffer = 16

// streamObserver is a read-only dashboard observer backed by an SSE response.
type streamObserver struct {
	id        string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamObserver(buffer int) *streamObserver {
	if buffer <= 0 {
		buffer = streamBuffer
	}
	return &streamObserver{
		id:   uuid.NewString(),
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (o *streamObserver) ID() string { return o.id }

func (o *streamObserver) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}

// Send formats one SSE message and queues it without blocking.
func (o *streamObserver) Send(event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.ch <- []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)):
		return true
	default:
		return false
	}
}

// StreamHandler serves GET /api/v1/dashboard/stream?channel=<group>[,<group>].
type StreamHandler struct {
	fanout *dashboardapp.Fanout
	buffer int
	logger *log.Logger
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(fanout *dashboardapp.Fanout, buffer int, logger *log.Logger) (*StreamHandler, error) {
	if fanout == nil {
		return nil, errors.New("dashboard stream: nil fanout")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StreamHandler{fanout: fanout, buffer: buffer, logger: logger}, nil
}

// ServeHTTP streams the events of the requested groups, the global group by default.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	groups := splitChannels(r.URL.Query().Get("channel"))
	if len(groups) == 0 {
		groups = []string{h.fanout.GlobalGroup()}
	}
	for _, group := range groups {
		if err := h.fanout.ValidateGroup(group); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	observer := newStreamObserver(h.buffer)
	h.fanout.Connect(observer)
	metrics.SessionOpened(metrics.SessionStream)
	defer func() {
		h.fanout.Disconnect(observer.ID())
		_ = observer.Close()
		metrics.SessionClosed(metrics.SessionStream)
	}()
	for _, group := range groups {
		if err := h.fanout.Subscribe(observer, group); err != nil {
			h.logger.Printf("dashboard stream: subscribe %s: %v", group, err)
		}
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case payload := <-observer.ch:
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		case <-observer.done:
			return
		case <-notify:
			return
		}
	}
}

func splitChannels(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
