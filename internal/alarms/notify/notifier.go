package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarms "hvac-telemetry/internal/alarms/domain"
	units "hvac-telemetry/internal/units/domain"
)

// RuleReader loads alert rules.
type RuleReader interface {
	GetByID(ctx context.Context, id string) (*alarms.AlertRule, error)
}

// UnitReader loads unit metadata.
type UnitReader interface {
	Get(ctx context.Context, serial string) (*units.Unit, error)
}

// AlertReader loads alert records.
type AlertReader interface {
	GetByID(ctx context.Context, id string) (*alarms.Alert, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

// ReportURLResolver provides a report link for an alert when available.
type ReportURLResolver func(ctx context.Context, alert alarms.Alert, unit *units.Unit) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alert events into a channel with cooldown, content
// dedupe and escalation of unacknowledged critical alerts.
type Notifier struct {
	rules          RuleReader
	units          UnitReader
	alerts         AlertReader
	channel        Channel
	template       *Template
	escalation     time.Duration
	clock          Clock
	logger         *log.Logger
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	reportURL      ReportURLResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithReportURLResolver injects a report link resolver.
func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.reportURL = resolver
		}
	}
}

// NewNotifier constructs an alert notifier. units may be nil.
func NewNotifier(rules RuleReader, units UnitReader, alerts AlertReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if rules == nil {
		return nil, errors.New("alert notifier: nil rule reader")
	}
	if alerts == nil {
		return nil, errors.New("alert notifier: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		rules:          rules,
		units:          units,
		alerts:         alerts,
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         log.Default(),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements AlertNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlertEvent) {
	if n == nil || n.channel == nil {
		return
	}
	rule, unit := n.lookup(ctx, event.Alert)
	n.dispatch(ctx, event.Type, event.Alert, rule, unit)

	switch event.Type {
	case alarmapp.EventCreated:
		n.scheduleEscalation(event.Alert)
	case alarmapp.EventAcknowledged:
		n.cancelEscalation(event.Alert.ID)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) lookup(ctx context.Context, alert alarms.Alert) (*alarms.AlertRule, *units.Unit) {
	var rule *alarms.AlertRule
	if n.rules != nil {
		r, err := n.rules.GetByID(ctx, alert.RuleID)
		if err == nil {
			rule = r
		}
	}
	var unit *units.Unit
	if n.units != nil {
		u, err := n.units.Get(ctx, alert.UnitSerial)
		if err == nil {
			unit = u
		}
	}
	return rule, unit
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, alert alarms.Alert, rule *alarms.AlertRule, unit *units.Unit) {
	reportURL := ""
	if n.reportURL != nil {
		reportURL = n.reportURL(ctx, alert, unit)
	}
	content, err := n.template.Render(buildTemplateData(eventType, alert, rule, unit, reportURL))
	if err != nil {
		n.logger.Printf("alert notifier: render %s: %v", alert.ID, err)
		return
	}
	if !n.shouldSend(alert.ID, eventType, content) {
		return
	}
	msg := Message{Event: eventType, Alert: alert, ReportURL: reportURL, Text: content}
	if rule != nil {
		msg.RuleName = rule.Name
	}
	if unit != nil {
		msg.LocationID = unit.LocationID
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		n.logger.Printf("alert notifier: send %s: %v", alert.ID, err)
		return
	}
	n.markSent(alert.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(alert alarms.Alert) {
	if n.escalation <= 0 || alert.ID == "" || alert.Severity != alarms.SeverityCritical {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[alert.ID]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[alert.ID] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alert.ID)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(alertID string) {
	if alertID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[alertID]
	delete(n.timers, alertID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alertID string) {
	n.mu.Lock()
	delete(n.timers, alertID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	alert, err := n.alerts.GetByID(ctx, alertID)
	if err != nil || alert == nil || alert.Acknowledged {
		return
	}
	rule, unit := n.lookup(ctx, *alert)
	n.dispatch(ctx, "escalated", *alert, rule, unit)
}

func buildTemplateData(eventType string, alert alarms.Alert, rule *alarms.AlertRule, unit *units.Unit, reportURL string) TemplateData {
	ruleName := alert.RuleID
	if rule != nil && rule.Name != "" {
		ruleName = rule.Name
	}
	data := TemplateData{
		Unit:        alert.UnitSerial,
		Rule:        ruleName,
		RuleID:      alert.RuleID,
		Field:       alert.Field,
		Value:       formatFloat(alert.Value),
		Threshold:   string(alert.Comparator) + " " + formatFloat(alert.Threshold),
		TriggeredAt: alert.TriggeredAt.UTC().Format(time.RFC3339),
		Status:      statusLabel(alert),
		Severity:    string(alert.Severity),
		Suggestion:  suggestionFor(alert.Severity),
		ReportURL:   reportURL,
		Event:       eventType,
		EventLabel:  eventLabel(eventType),
	}
	if unit != nil {
		data.Location = unit.LocationID
		data.Provider = unit.ProviderID
	}
	return data
}

func statusLabel(alert alarms.Alert) string {
	if alert.Acknowledged {
		return "acknowledged"
	}
	return "open"
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventCreated:
		return "Triggered"
	case alarmapp.EventAcknowledged:
		return "Acknowledged"
	case "escalated":
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(severity alarms.Severity) string {
	switch severity {
	case alarms.SeverityCritical:
		return "Dispatch a technician and check the unit immediately."
	case alarms.SeverityWarning:
		return "Verify the condition at the next service window."
	default:
		return "Monitor the unit."
	}
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', 2, 64)
}

func (n *Notifier) shouldSend(alertID, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alertID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alertID, eventType, content string) {
	key := notificationKey(alertID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(alertID, eventType string) string {
	return alertID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
