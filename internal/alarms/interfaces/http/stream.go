package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	alarmapp "hvac-telemetry/internal/alarms/application"
	"hvac-telemetry/internal/auth"
)

type streamMessage struct {
	unitSerial string
	payload    []byte
}

// SSEBroker fans out alert events to connected stream clients. It backs both
// the SSE and the websocket endpoints.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan streamMessage]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan streamMessage]struct{})}
}

// Notify implements AlertNotifier.
func (b *SSEBroker) Notify(_ context.Context, event alarmapp.AlertEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.broadcast(streamMessage{unitSerial: event.Alert.UnitSerial, payload: payload})
}

// Subscribe registers a new client channel.
func (b *SSEBroker) Subscribe() chan streamMessage {
	if b == nil {
		return nil
	}
	ch := make(chan streamMessage, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *SSEBroker) Unsubscribe(ch chan streamMessage) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(msg streamMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// streamFilter limits a client to one unit and, for provider-scoped callers,
// to the provider's units.
type streamFilter struct {
	unit       string
	providerID string
	units      alarmapp.UnitReader
	cache      map[string]bool
}

func newStreamFilter(r *http.Request, reader alarmapp.UnitReader) *streamFilter {
	return &streamFilter{
		unit:       r.URL.Query().Get("unit"),
		providerID: auth.ProviderIDFromContext(r.Context()),
		units:      reader,
		cache:      make(map[string]bool),
	}
}

func (f *streamFilter) allow(ctx context.Context, serial string) bool {
	if f.unit != "" && serial != f.unit {
		return false
	}
	if f.providerID == "" || f.units == nil {
		return true
	}
	if allowed, ok := f.cache[serial]; ok {
		return allowed
	}
	unit, err := f.units.Get(ctx, serial)
	allowed := err == nil && unit != nil && unit.ProviderID == f.providerID
	f.cache[serial] = allowed
	return allowed
}

// StreamHandler serves the SSE alert stream.
type StreamHandler struct {
	broker *SSEBroker
	units  alarmapp.UnitReader
}

// NewStreamHandler constructs a stream handler. units may be nil.
func NewStreamHandler(broker *SSEBroker, reader alarmapp.UnitReader) *StreamHandler {
	return &StreamHandler{broker: broker, units: reader}
}

// ServeHTTP handles GET /api/v1/alerts/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)
	filter := newStreamFilter(r, h.units)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !filter.allow(r.Context(), msg.unitSerial) {
				continue
			}
			_, _ = w.Write([]byte("event: alert\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

