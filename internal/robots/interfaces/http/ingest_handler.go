package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const maxBodyBytes = 64 << 10

// Ingester persists one reading of a robot.
type Ingester interface {
	Ingest(ctx context.Context, robotID string, reading telemetry.Reading) (telemetry.Record, error)
}

// IngestHandler accepts single readings over plain HTTP at
// POST /ingest/robots/{robotId}/telemetry.
type IngestHandler struct {
	ingest Ingester
	logger *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingest Ingester, logger *log.Logger) (*IngestHandler, error) {
	if ingest == nil {
		return nil, errors.New("http ingest: nil ingester")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{ingest: ingest, logger: logger}, nil
}

// ServeHTTP ingests one reading.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	robotID := strings.TrimSpace(r.PathValue("robotId"))
	if robotID == "" {
		http.Error(w, "robotId required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Printf("telemetry ingest: read body error: robot=%s err=%v", robotID, err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var reading telemetry.Reading
	if err := json.Unmarshal(body, &reading); err != nil {
		h.logger.Printf("telemetry ingest: decode error: robot=%s err=%v", robotID, err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	record, err := h.ingest.Ingest(r.Context(), robotID, reading)
	if err != nil {
		h.logger.Printf("telemetry ingest: rejected: robot=%s err=%v", robotID, err)
		switch {
		case errors.Is(err, telemetry.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, telemetry.ErrStoreUnavailable):
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "insert error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(record)
}
