package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"hvac-telemetry/internal/analytics/domain/rollup"
	"hvac-telemetry/internal/audit"
	"hvac-telemetry/internal/auth"
	"hvac-telemetry/internal/reporting"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	units "hvac-telemetry/internal/units/domain"
)

const timeLayout = time.RFC3339

// UnitRegistry is the registry surface the API needs.
type UnitRegistry interface {
	Get(ctx context.Context, serial string) (*units.Unit, error)
	List(ctx context.Context, providerID string) ([]units.Unit, error)
	Register(ctx context.Context, unit *units.Unit) error
	Deactivate(ctx context.Context, serial string) error
}

// ReadingQuerier pages raw readings.
type ReadingQuerier interface {
	Query(ctx context.Context, query telemetry.ReadingQuery) (telemetry.ReadingPage, error)
}

// RollupLister lists stored rollup buckets.
type RollupLister interface {
	List(ctx context.Context, serial string, tier rollup.Tier, from, to time.Time) ([]rollup.Rollup, error)
}

// Exporter renders unit reports.
type Exporter interface {
	Export(ctx context.Context, unit units.Unit, format string, from, to time.Time) ([]byte, string, error)
}

// Handler serves unit, reading, rollup and report queries plus unit
// bookkeeping. Every unit route is scoped to the caller's provider.
type Handler struct {
	units    UnitRegistry
	readings ReadingQuerier
	rollups  RollupLister
	reports  Exporter
	audit    audit.Logger
	logger   *log.Logger
}

// Option customizes the handler.
type Option func(*Handler)

// WithExporter enables the report routes.
func WithExporter(exporter Exporter) Option {
	return func(h *Handler) {
		h.reports = exporter
	}
}

// WithAuditLogger records unit bookkeeping changes.
func WithAuditLogger(logger audit.Logger) Option {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs the query API handler.
func NewHandler(registry UnitRegistry, readings ReadingQuerier, rollups RollupLister, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("api: nil unit registry")
	}
	if readings == nil {
		return nil, errors.New("api: nil reading store")
	}
	if rollups == nil {
		return nil, errors.New("api: nil rollup store")
	}
	h := &Handler{units: registry, readings: readings, rollups: rollups, logger: log.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/units", h.handleListUnits).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/units", h.handleRegisterUnit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/units/{serial}", h.handleGetUnit).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/units/{serial}/deactivate", h.handleDeactivateUnit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/units/{serial}/state", h.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/units/{serial}/readings", h.handleReadings).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/units/{serial}/rollups", h.handleRollups).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/units/{serial}/report.{format}", h.handleReport).Methods(http.MethodGet)
}

type stateResponse struct {
	Serial          string         `json:"serial"`
	Active          bool           `json:"active"`
	State           map[string]any `json:"state"`
	LastTelemetryAt *time.Time     `json:"last_telemetry_at"`
	UptimeDays      int            `json:"uptime_days"`
	FastScanActive  bool           `json:"fast_scan_active"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	resp := stateResponse{
		Serial:         unit.Serial,
		Active:         unit.Active,
		State:          unit.CurrentState,
		UptimeDays:     unit.UptimeDays,
		FastScanActive: unit.FastScanActive(time.Now().UTC()),
	}
	if resp.State == nil {
		resp.State = map[string]any{}
	}
	if !unit.LastTelemetryAt.IsZero() {
		at := unit.LastTelemetryAt.UTC()
		resp.LastTelemetryAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type readingRow struct {
	TS     time.Time      `json:"ts"`
	Fields map[string]any `json:"fields"`
}

type readingsResponse struct {
	UnitSerial string       `json:"unit_serial"`
	Readings   []readingRow `json:"readings"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	page, err := h.readings.Query(r.Context(), telemetry.ReadingQuery{
		UnitSerial: unit.Serial,
		From:       from,
		To:         to,
		Cursor:     r.URL.Query().Get("cursor"),
		Limit:      limit,
	})
	if err != nil {
		if errors.Is(err, telemetry.ErrInvalidCursor) {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		h.logger.Printf("api: query readings %s: %v", unit.Serial, err)
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}

	resp := readingsResponse{
		UnitSerial: unit.Serial,
		Readings:   make([]readingRow, 0, len(page.Readings)),
		NextCursor: page.NextCursor,
	}
	for _, reading := range page.Readings {
		resp.Readings = append(resp.Readings, readingRow{TS: reading.TS.UTC(), Fields: reading.Fields()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRollups(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	tier, err := resolveTier(r.URL.Query().Get("tier"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.rollups.List(r.Context(), unit.Serial, tier, from, to)
	if err != nil {
		h.logger.Printf("api: list rollups %s: %v", unit.Serial, err)
		http.Error(w, "query rollups error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []rollup.Rollup{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		http.Error(w, "reports not enabled", http.StatusServiceUnavailable)
		return
	}
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := mux.Vars(r)["format"]
	data, contentType, err := h.reports.Export(r.Context(), *unit, format, from, to)
	if err != nil {
		switch {
		case errors.Is(err, reporting.ErrUnsupportedFormat):
			http.Error(w, "format must be xlsx or pdf", http.StatusNotFound)
		case errors.Is(err, reporting.ErrInvalidPeriod):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Printf("api: export %s report %s: %v", format, unit.Serial, err)
			http.Error(w, "export error", http.StatusInternalServerError)
		}
		return
	}
	filename := unit.Serial + "-" + from.Format("20060102") + "." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// scopedUnit loads the unit named in the path and enforces the caller's
// provider scope. It writes the error response itself.
func (h *Handler) scopedUnit(w http.ResponseWriter, r *http.Request) (*units.Unit, bool) {
	serial := mux.Vars(r)["serial"]
	unit, err := h.units.Get(r.Context(), serial)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	if err := checkProvider(r.Context(), unit.ProviderID); err != nil {
		respondError(w, err)
		return nil, false
	}
	return unit, true
}

func checkProvider(ctx context.Context, providerID string) error {
	scope := auth.ProviderIDFromContext(ctx)
	if scope == "" || scope == providerID {
		return nil
	}
	return auth.ErrProviderMismatch
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, units.ErrUnknownUnit):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrProviderMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, units.ErrInvalidRefrigerant):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func resolveTier(value string) (rollup.Tier, error) {
	switch value {
	case "hour":
		return rollup.TierHour, nil
	case "day":
		return rollup.TierDay, nil
	default:
		return "", errors.New("tier must be hour or day")
	}
}
