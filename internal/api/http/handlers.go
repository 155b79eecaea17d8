package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet-telemetry/internal/observability/metrics"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	pdfContentType  = "application/pdf"
)

// Queries is the read side the REST surface serves.
type Queries interface {
	FleetSnapshot(ctx context.Context) ([]telemetry.Record, error)
	RobotLatest(ctx context.Context, robotID string) (telemetry.Record, error)
	RobotHistory(ctx context.Context, robotID string, hours *float64) ([]telemetry.Record, error)
	FleetStatistics(ctx context.Context) (telemetry.FleetStatistics, error)
	ActiveAlerts(ctx context.Context) ([]telemetry.Alert, error)
}

// Pinger checks the backing store. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the robot, fleet and alert queries.
type Handler struct {
	queries      Queries
	pinger       Pinger
	clock        telemetry.Clock
	defaultHours float64
	logger       *log.Logger
}

// NewHandler constructs a handler. pinger may be nil when the store is in memory.
func NewHandler(queries Queries, pinger Pinger, clock telemetry.Clock, defaultHours float64, logger *log.Logger) (*Handler, error) {
	if queries == nil {
		return nil, errors.New("api handler: nil queries")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{queries: queries, pinger: pinger, clock: clock, defaultHours: defaultHours, logger: logger}, nil
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/robots/latest", get(h.handleLatest))
	mux.Handle("/api/v1/robots/{robotId}", get(h.handleRobot))
	mux.Handle("/api/v1/robots/{robotId}/history", get(h.handleHistory))
	mux.Handle("/api/v1/robots/{robotId}/history.xlsx", get(h.handleHistoryXLSX))
	mux.Handle("/api/v1/fleet/statistics", get(h.handleStatistics))
	mux.Handle("/api/v1/fleet/report.pdf", get(h.handleReportPDF))
	mux.Handle("/api/v1/alerts", get(h.handleAlerts))
	mux.Handle("/healthz", get(h.handleHealth))
}

func get(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	records, err := h.queries.FleetSnapshot(r.Context())
	if err != nil {
		h.respondError(w, "fleet snapshot", err)
		return
	}
	if records == nil {
		records = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleRobot(w http.ResponseWriter, r *http.Request) {
	robotID, ok := robotIDFrom(w, r)
	if !ok {
		return
	}
	record, err := h.queries.RobotLatest(r.Context(), robotID)
	if err != nil {
		h.respondError(w, "robot latest", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type historyResponse struct {
	RobotID string             `json:"robotId"`
	Hours   float64            `json:"hours"`
	Records []telemetry.Record `json:"records"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	robotID, ok := robotIDFrom(w, r)
	if !ok {
		return
	}
	hours, err := parseHours(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.queries.RobotHistory(r.Context(), robotID, hours)
	if err != nil {
		h.respondError(w, "robot history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{RobotID: robotID, Hours: h.window(hours), Records: records})
}

func (h *Handler) handleHistoryXLSX(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	robotID, ok := robotIDFrom(w, r)
	if !ok {
		metrics.ObserveExport("xlsx", metrics.ResultRejected, time.Since(start))
		return
	}
	hours, err := parseHours(r)
	if err != nil {
		metrics.ObserveExport("xlsx", metrics.ResultRejected, time.Since(start))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.queries.RobotHistory(r.Context(), robotID, hours)
	if err != nil {
		metrics.ObserveExport("xlsx", resultFor(err), time.Since(start))
		h.respondError(w, "history export", err)
		return
	}
	content, err := BuildHistoryXLSX(robotID, h.window(hours), records, h.clock.Now())
	if err != nil {
		metrics.ObserveExport("xlsx", metrics.ResultError, time.Since(start))
		h.logger.Printf("api: history export render error: robot=%s err=%v", robotID, err)
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport("xlsx", metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", robotID+"-history.xlsx"))
	_, _ = w.Write(content)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.FleetStatistics(r.Context())
	if err != nil {
		h.respondError(w, "fleet statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	stats, err := h.queries.FleetStatistics(ctx)
	if err != nil {
		metrics.ObserveExport("pdf", resultFor(err), time.Since(start))
		h.respondError(w, "fleet report", err)
		return
	}
	latest, err := h.queries.FleetSnapshot(ctx)
	if err != nil {
		metrics.ObserveExport("pdf", resultFor(err), time.Since(start))
		h.respondError(w, "fleet report", err)
		return
	}
	alerts, err := h.queries.ActiveAlerts(ctx)
	if err != nil {
		metrics.ObserveExport("pdf", resultFor(err), time.Since(start))
		h.respondError(w, "fleet report", err)
		return
	}
	content, err := BuildFleetReportPDF(stats, latest, alerts)
	if err != nil {
		metrics.ObserveExport("pdf", metrics.ResultError, time.Since(start))
		h.logger.Printf("api: fleet report render error: err=%v", err)
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport("pdf", metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", pdfContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="fleet-report.pdf"`)
	_, _ = w.Write(content)
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.queries.ActiveAlerts(r.Context())
	if err != nil {
		h.respondError(w, "alerts", err)
		return
	}
	if alerts == nil {
		alerts = []telemetry.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.PingContext(ctx); err != nil {
			h.logger.Printf("api: health ping error: err=%v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// window reports the hours a history request covers.
func (h *Handler) window(hours *float64) float64 {
	if hours != nil {
		return *hours
	}
	return h.defaultHours
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, telemetry.ErrInvalidHours), errors.Is(err, telemetry.ErrEmptyRobotID), errors.Is(err, telemetry.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, telemetry.ErrStoreUnavailable):
		h.logger.Printf("api: %s error: err=%v", op, err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Printf("api: %s error: err=%v", op, err)
		http.Error(w, "query error", http.StatusInternalServerError)
	}
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrStoreUnavailable):
		return metrics.ResultUnavailable
	case errors.Is(err, telemetry.ErrInvalidHours), errors.Is(err, telemetry.ErrNotFound):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func robotIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	robotID := strings.TrimSpace(r.PathValue("robotId"))
	if robotID == "" {
		http.Error(w, "robotId required", http.StatusBadRequest)
		return "", false
	}
	return robotID, true
}

// parseHours returns nil when hours is omitted so the default window applies.
func parseHours(r *http.Request) (*float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("hours"))
	if raw == "" {
		return nil, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return nil, errors.New("invalid hours")
	}
	if hours <= 0 {
		return nil, telemetry.ErrInvalidHours
	}
	return &hours, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
