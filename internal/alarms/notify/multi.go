package notify

import (
	"context"
	"log"
	"sync"
	"time"

	alarmapp "hvac-telemetry/internal/alarms/application"
	"hvac-telemetry/internal/observability/metrics"
)

const defaultQueueSize = 256

type queuedEvent struct {
	ctx   context.Context
	event alarmapp.AlertEvent
}

// MultiNotifier fans alert events out to several notifiers from a single
// background worker, so callers holding a unit lock never wait on delivery.
// Events are delivered in the order they were queued.
type MultiNotifier struct {
	notifiers []alarmapp.AlertNotifier
	queue     chan queuedEvent
	logger    *log.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// MultiOption configures a MultiNotifier.
type MultiOption func(*MultiNotifier)

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(size int) MultiOption {
	return func(m *MultiNotifier) {
		if size > 0 {
			m.queue = make(chan queuedEvent, size)
		}
	}
}

// WithMultiLogger overrides the default logger.
func WithMultiLogger(logger *log.Logger) MultiOption {
	return func(m *MultiNotifier) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMultiNotifier constructs a MultiNotifier and starts its worker. Nil
// notifiers are ignored. Close drains the queue.
func NewMultiNotifier(notifiers []alarmapp.AlertNotifier, opts ...MultiOption) *MultiNotifier {
	m := &MultiNotifier{
		queue:  make(chan queuedEvent, defaultQueueSize),
		logger: log.Default(),
		done:   make(chan struct{}),
	}
	for _, notifier := range notifiers {
		if notifier != nil {
			m.notifiers = append(m.notifiers, notifier)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Notify queues the event and returns immediately. When the queue is full
// the event is dropped and counted.
func (m *MultiNotifier) Notify(ctx context.Context, event alarmapp.AlertEvent) {
	if m == nil || len(m.notifiers) == 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		metrics.IncAlertEvent("notify_dropped")
		m.logger.Printf("alert notify: queue full, dropping %s for %s", event.Type, event.Alert.ID)
	}
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (m *MultiNotifier) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MultiNotifier) run() {
	defer close(m.done)
	for item := range m.queue {
		start := time.Now()
		for _, notifier := range m.notifiers {
			notifier.Notify(item.ctx, item.event)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			m.logger.Printf("alert notify: slow delivery of %s for %s took %s", item.event.Type, item.event.Alert.ID, elapsed)
		}
	}
}
