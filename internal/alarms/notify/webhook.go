package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	alarms "hvac-telemetry/internal/alarms/domain"
)

// Message is one alert notification: the alert itself plus the rendered
// operator text.
type Message struct {
	Event      string
	Alert      alarms.Alert
	RuleName   string
	LocationID string
	ReportURL  string
	Text       string
}

// Channel delivers alert notifications.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// webhookPayload is the JSON body posted for every alert event.
type webhookPayload struct {
	Event        string    `json:"event"`
	AlertID      string    `json:"alert_id"`
	UnitSerial   string    `json:"unit_serial"`
	LocationID   string    `json:"location_id,omitempty"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name,omitempty"`
	Severity     string    `json:"severity"`
	Field        string    `json:"field"`
	Value        float64   `json:"value"`
	Comparator   string    `json:"comparator"`
	Threshold    float64   `json:"threshold"`
	TriggeredAt  time.Time `json:"triggered_at"`
	Acknowledged bool      `json:"acknowledged"`
	ReportURL    string    `json:"report_url,omitempty"`
	Text         string    `json:"text"`
}

func newWebhookPayload(msg Message) webhookPayload {
	alert := msg.Alert
	return webhookPayload{
		Event:        msg.Event,
		AlertID:      alert.ID,
		UnitSerial:   alert.UnitSerial,
		LocationID:   msg.LocationID,
		RuleID:       alert.RuleID,
		RuleName:     msg.RuleName,
		Severity:     string(alert.Severity),
		Field:        alert.Field,
		Value:        alert.Value,
		Comparator:   string(alert.Comparator),
		Threshold:    alert.Threshold,
		TriggeredAt:  alert.TriggeredAt.UTC(),
		Acknowledged: alert.Acknowledged,
		ReportURL:    msg.ReportURL,
		Text:         msg.Text,
	}
}

// WebhookChannel posts alert events to an HTTP endpoint as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts one alert event. The X-Alert-Event header repeats the event
// type so receivers can route without decoding the body.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(newWebhookPayload(msg))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Event", msg.Event)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: %s for alert %s: status %d", msg.Event, msg.Alert.ID, resp.StatusCode)
	}
	return nil
}
