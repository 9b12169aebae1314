package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"hvac-telemetry/internal/audit"
	"hvac-telemetry/internal/auth"
	units "hvac-telemetry/internal/units/domain"
)

type unitRequest struct {
	Serial        string `json:"serial"`
	LocationID    string `json:"location_id"`
	ProviderID    string `json:"provider_id"`
	AirHandlerID  string `json:"air_handler_id"`
	CompressorID  string `json:"compressor_id"`
	Refrigerant   string `json:"refrigerant"`
	FastScanStart string `json:"fast_scan_start"`
	FastScanUntil string `json:"fast_scan_until"`
}

func (h *Handler) handleListUnits(w http.ResponseWriter, r *http.Request) {
	list, err := h.units.List(r.Context(), auth.ProviderIDFromContext(r.Context()))
	if err != nil {
		h.logger.Printf("api: list units: %v", err)
		http.Error(w, "list units error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []units.Unit{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) handleRegisterUnit(w http.ResponseWriter, r *http.Request) {
	var req unitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	scope := auth.ProviderIDFromContext(r.Context())
	if req.ProviderID == "" {
		req.ProviderID = scope
	}
	if err := checkProvider(r.Context(), req.ProviderID); err != nil {
		respondError(w, err)
		return
	}

	unit, err := req.toUnit()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := unit.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Re-registering a serial owned by another provider is not allowed.
	existing, err := h.units.Get(r.Context(), unit.Serial)
	switch {
	case err == nil:
		if err := checkProvider(r.Context(), existing.ProviderID); err != nil {
			respondError(w, err)
			return
		}
	case !errors.Is(err, units.ErrUnknownUnit):
		respondError(w, err)
		return
	}

	if err := h.units.Register(r.Context(), unit); err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
	}
	h.record(r, audit.ActionUnitRegister, unit.Serial, req)

	stored, err := h.units.Get(r.Context(), unit.Serial)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, status, stored)
}

func (h *Handler) handleDeactivateUnit(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.scopedUnit(w, r)
	if !ok {
		return
	}
	if err := h.units.Deactivate(r.Context(), unit.Serial); err != nil {
		respondError(w, err)
		return
	}
	h.record(r, audit.ActionUnitDeactivate, unit.Serial, nil)

	stored, err := h.units.Get(r.Context(), unit.Serial)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) record(r *http.Request, action, serial string, metadata any) {
	if h.audit == nil {
		return
	}
	entry := audit.FromRequest(r, action, "unit", serial, metadata)
	entry.UnitSerial = serial
	if err := h.audit.Log(r.Context(), entry); err != nil {
		h.logger.Printf("api: audit %s %s: %v", action, serial, err)
	}
}

func (req unitRequest) toUnit() (*units.Unit, error) {
	unit := &units.Unit{
		Serial:       req.Serial,
		LocationID:   req.LocationID,
		ProviderID:   req.ProviderID,
		AirHandlerID: req.AirHandlerID,
		CompressorID: req.CompressorID,
		Refrigerant:  units.Refrigerant(req.Refrigerant),
	}
	var err error
	if unit.FastScanStart, err = parseOptionalRFC3339(req.FastScanStart, "fast_scan_start"); err != nil {
		return nil, err
	}
	if unit.FastScanUntil, err = parseOptionalRFC3339(req.FastScanUntil, "fast_scan_until"); err != nil {
		return nil, err
	}
	return unit, nil
}

func parseOptionalRFC3339(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
