package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"hvac-telemetry/internal/observability/metrics"
	telemetryapp "hvac-telemetry/internal/telemetry/application"
	telemetry "hvac-telemetry/internal/telemetry/domain"
)

const maxIngestBody = 4 << 20

// Ingester is the pipeline used by the handler.
type Ingester interface {
	Ingest(ctx context.Context, reading telemetry.Reading) (telemetryapp.IngestResult, error)
	IngestBatch(ctx context.Context, readings []telemetry.Reading) ([]telemetryapp.IngestResult, error)
}

// IngestHandler accepts readings from field gateways.
type IngestHandler struct {
	ingester Ingester
	logger   *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingester Ingester, logger *log.Logger) (*IngestHandler, error) {
	if ingester == nil {
		return nil, errors.New("telemetry ingest: nil ingester")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{ingester: ingester, logger: logger}, nil
}

// ServeHTTP ingests one reading object or a {"readings": [...]} batch.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		h.logger.Printf("telemetry ingest: read body error: %v", err)
		h.fail(w, start, "read_body", http.StatusBadRequest, "read body error")
		return
	}
	defer r.Body.Close()
	if len(body) > maxIngestBody {
		h.fail(w, start, "too_large", http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var envelope struct {
		Readings []json.RawMessage `json:"readings"`
	}
	if err := decode(body, &envelope); err != nil {
		h.logger.Printf("telemetry ingest: decode error: %v", err)
		h.fail(w, start, "decode", http.StatusBadRequest, "invalid json")
		return
	}
	if envelope.Readings != nil {
		h.serveBatch(w, r, start, envelope.Readings)
		return
	}
	h.serveSingle(w, r, start, body)
}

func (h *IngestHandler) serveSingle(w http.ResponseWriter, r *http.Request, start time.Time, body []byte) {
	reading, err := parseReading(body)
	if err != nil {
		metrics.IncReading(metrics.ReadingRejected)
		h.fail(w, start, "invalid_payload", http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.ingester.Ingest(r.Context(), reading)
	if err != nil {
		h.logger.Printf("telemetry ingest: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, telemetry.ErrPartitionUnavailable) {
			status = http.StatusServiceUnavailable
		}
		h.fail(w, start, "storage", status, "storage unavailable")
		return
	}

	status := http.StatusCreated
	switch result.Status {
	case telemetryapp.StatusDuplicate:
		status = http.StatusOK
	case telemetryapp.StatusRejected:
		status = http.StatusBadRequest
		switch {
		case strings.Contains(result.Reason, telemetry.ErrUnknownUnit.Error()):
			status = http.StatusNotFound
		case strings.Contains(result.Reason, telemetry.ErrPartitionRetired.Error()):
			status = http.StatusGone
		}
	}
	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(start))
	writeJSON(w, status, result)
}

type batchResponse struct {
	Accepted  int                         `json:"accepted"`
	Duplicate int                         `json:"duplicate"`
	Rejected  int                         `json:"rejected"`
	Failed    int                         `json:"failed"`
	Results   []telemetryapp.IngestResult `json:"results"`
}

func (h *IngestHandler) serveBatch(w http.ResponseWriter, r *http.Request, start time.Time, raw []json.RawMessage) {
	results := make([]telemetryapp.IngestResult, len(raw))
	var (
		readings []telemetry.Reading
		index    []int
	)
	for i, item := range raw {
		reading, err := parseReading(item)
		if err != nil {
			metrics.IncReading(metrics.ReadingRejected)
			results[i] = telemetryapp.IngestResult{Status: telemetryapp.StatusRejected, Reason: err.Error()}
			continue
		}
		readings = append(readings, reading)
		index = append(index, i)
	}

	ingested, err := h.ingester.IngestBatch(r.Context(), readings)
	if err != nil {
		h.logger.Printf("telemetry ingest: batch: %v", err)
		h.fail(w, start, "storage", http.StatusInternalServerError, "batch failed")
		return
	}
	for i, result := range ingested {
		results[index[i]] = result
	}

	resp := batchResponse{Results: results}
	for _, result := range results {
		switch result.Status {
		case telemetryapp.StatusAccepted:
			resp.Accepted++
		case telemetryapp.StatusDuplicate:
			resp.Duplicate++
		case telemetryapp.StatusFailed:
			resp.Failed++
		default:
			resp.Rejected++
		}
	}
	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (h *IngestHandler) fail(w http.ResponseWriter, start time.Time, reason string, status int, message string) {
	metrics.IncIngestError(reason)
	metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
	http.Error(w, message, status)
}

type readingRequest struct {
	UnitSerial string          `json:"unit_serial"`
	TS         json.RawMessage `json:"ts"`
	Fields     map[string]any  `json:"fields"`
}

func parseReading(raw []byte) (telemetry.Reading, error) {
	var req readingRequest
	if err := decode(raw, &req); err != nil {
		return telemetry.Reading{}, fmt.Errorf("%w: %v", telemetry.ErrInvalidReading, err)
	}
	serial := strings.TrimSpace(req.UnitSerial)
	if serial == "" {
		return telemetry.Reading{}, fmt.Errorf("%w: missing unit_serial", telemetry.ErrInvalidReading)
	}
	ts, err := parseTimestamp(req.TS)
	if err != nil {
		return telemetry.Reading{}, err
	}
	return telemetry.NewReading(serial, ts, req.Fields)
}

// parseTimestamp accepts RFC3339 strings or unix seconds/milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("%w: missing ts", telemetry.ErrInvalidReading)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid ts", telemetry.ErrInvalidReading)
		}
		return ts.UTC(), nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid ts", telemetry.ErrInvalidReading)
	}
	value, err := number.Int64()
	if err != nil || value <= 0 {
		return time.Time{}, fmt.Errorf("%w: invalid ts", telemetry.ErrInvalidReading)
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

func decode(raw []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
