package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"hvac-telemetry/internal/analytics/domain/rollup"
)

// Recomputer rebuilds single rollup buckets.
type Recomputer interface {
	RollupHour(ctx context.Context, serial string, hourStart time.Time) (*rollup.Rollup, error)
	RollupDay(ctx context.Context, serial string, dayStart time.Time) (*rollup.Rollup, error)
}

// RecomputeHandler recomputes one bucket on demand, e.g. after late data
// arrived behind the scheduled lookback.
type RecomputeHandler struct {
	engine Recomputer
	logger *log.Logger
}

// NewRecomputeHandler constructs the handler.
func NewRecomputeHandler(engine Recomputer, logger *log.Logger) (*RecomputeHandler, error) {
	if engine == nil {
		return nil, errors.New("rollup recompute: nil engine")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RecomputeHandler{engine: engine, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/jobs/rollups/recompute.
func (h *RecomputeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("rollup recompute: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req recomputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tier, start, err := req.resolve()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var item *rollup.Rollup
	if tier == rollup.TierHour {
		item, err = h.engine.RollupHour(r.Context(), req.UnitSerial, start)
	} else {
		item, err = h.engine.RollupDay(r.Context(), req.UnitSerial, start)
	}
	if err != nil {
		if errors.Is(err, rollup.ErrInvalidBucket) || errors.Is(err, rollup.ErrInvalidTier) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Printf("rollup recompute: %s %s %s: %v", req.UnitSerial, tier, start.Format(time.RFC3339), err)
		http.Error(w, "recompute error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"tier":         tier,
		"bucket_start": start.Format(time.RFC3339),
		"written":      item != nil,
		"rollup":       item,
	})
}

type recomputeRequest struct {
	UnitSerial  string `json:"unit_serial"`
	Tier        string `json:"tier"`
	BucketStart string `json:"bucket_start"`
}

func (r recomputeRequest) resolve() (rollup.Tier, time.Time, error) {
	if strings.TrimSpace(r.UnitSerial) == "" {
		return "", time.Time{}, errors.New("missing unit_serial")
	}
	tier, err := rollup.ParseTier(r.Tier)
	if err != nil {
		return "", time.Time{}, err
	}
	if r.BucketStart == "" {
		return "", time.Time{}, errors.New("missing bucket_start")
	}
	start, err := time.Parse(time.RFC3339, r.BucketStart)
	if err != nil {
		return "", time.Time{}, err
	}
	return tier, start.UTC(), nil
}
