package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarms "hvac-telemetry/internal/alarms/domain"
	"hvac-telemetry/internal/audit"
	"hvac-telemetry/internal/auth"
	units "hvac-telemetry/internal/units/domain"
)

const (
	timeLayout       = time.RFC3339
	defaultListLimit = 200
	maxListLimit     = 2000
)

// Handler provides alert HTTP endpoints.
type Handler struct {
	service *alarmapp.Service
	audit   audit.Logger
	logger  *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(service *alarmapp.Service, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, audit: auditLogger, logger: logger}, nil
}

// Register mounts the alert routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/alerts", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/{id}/ack", h.handleAck).Methods(http.MethodPost)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := alarms.AlertFilter{
		UnitSerial: query.Get("unit"),
		Limit:      defaultListLimit,
	}
	if raw := query.Get("acknowledged"); raw != "" {
		acked, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "acknowledged must be true or false", http.StatusBadRequest)
			return
		}
		filter.Acknowledged = &acked
	}
	var err error
	if filter.From, err = parseOptionalTime(r, "from"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.To, err = parseOptionalTime(r, "to"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}

	list, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []alarms.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := auth.SubjectFromContext(r.Context())
	alert, err := h.service.AckAlert(r.Context(), id, actor)
	if err != nil {
		respondError(w, err)
		return
	}
	if h.audit != nil {
		entry := audit.FromRequest(r, audit.ActionAlertAck, "alert", alert.ID, nil)
		entry.UnitSerial = alert.UnitSerial
		if err := h.audit.Log(r.Context(), entry); err != nil {
			h.logger.Printf("alerts handler: audit ack %s: %v", alert.ID, err)
		}
	}
	writeJSON(w, http.StatusOK, alert)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound), errors.Is(err, units.ErrUnknownUnit):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrProviderMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, alarms.ErrInvalidRule):
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

func parseOptionalTime(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
