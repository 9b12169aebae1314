package jobs

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler exposes job status and manual triggers.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler constructs a handler.
func NewHandler(scheduler *Scheduler) (*Handler, error) {
	if scheduler == nil {
		return nil, errors.New("jobs handler: nil scheduler")
	}
	return &Handler{scheduler: scheduler}, nil
}

// Register mounts the job routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/jobs", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{name}/run", h.handleRun).Methods(http.MethodPost)
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Statuses())
}

// handleRun starts the job and answers before it finishes; poll the job list
// for the outcome.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Launch(mux.Vars(r)["name"])
	switch {
	case errors.Is(err, ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, ErrJobRunning):
		writeJSON(w, http.StatusConflict, status)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
