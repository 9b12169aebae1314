package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarms "hvac-telemetry/internal/alarms/domain"
	"hvac-telemetry/internal/audit"
)

// RulesHandler exposes rule administration.
type RulesHandler struct {
	service *alarmapp.RuleService
	audit   audit.Logger
	logger  *log.Logger
}

// NewRulesHandler constructs a rules handler. auditLogger may be nil.
func NewRulesHandler(service *alarmapp.RuleService, auditLogger audit.Logger, logger *log.Logger) (*RulesHandler, error) {
	if service == nil {
		return nil, errors.New("rules handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RulesHandler{service: service, audit: auditLogger, logger: logger}, nil
}

// Register mounts the rule routes.
func (h *RulesHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/rules", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/rules", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/rules/{id}", h.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/rules/{id}/deactivate", h.handleDeactivate).Methods(http.MethodPost)
}

func (h *RulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	list, err := h.service.List(r.Context(), includeInactive)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []alarms.AlertRule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *RulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeRuleInput(w, r)
	if !ok {
		return
	}
	rule, err := h.service.Create(r.Context(), input)
	if err != nil {
		respondError(w, err)
		return
	}
	h.record(r, audit.ActionRuleCreate, rule)
	writeJSON(w, http.StatusCreated, rule)
}

func (h *RulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeRuleInput(w, r)
	if !ok {
		return
	}
	rule, err := h.service.Update(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		respondError(w, err)
		return
	}
	h.record(r, audit.ActionRuleUpdate, rule)
	writeJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Deactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	h.record(r, audit.ActionRuleDeactivate, rule)
	writeJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) record(r *http.Request, action string, rule *alarms.AlertRule) {
	if h.audit == nil || rule == nil {
		return
	}
	entry := audit.FromRequest(r, action, "alert_rule", rule.ID, rule)
	entry.UnitSerial = rule.UnitSerial
	if err := h.audit.Log(r.Context(), entry); err != nil {
		h.logger.Printf("rules handler: audit %s %s: %v", action, rule.ID, err)
	}
}

func decodeRuleInput(w http.ResponseWriter, r *http.Request) (alarmapp.RuleInput, bool) {
	var input alarmapp.RuleInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return input, false
	}
	return input, true
}
