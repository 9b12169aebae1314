package alarms

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// alertNamespace seeds deterministic alert ids.
var alertNamespace = uuid.MustParse("6f1c1f4e-6a0e-4b7c-9d8e-2f6d0c1b7a55")

// Alert is a rule match for one (rule, unit, reading timestamp). Only the
// acknowledgement fields change after creation.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	UnitSerial     string     `json:"unit_serial"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	Field          string     `json:"field"`
	Value          float64    `json:"value"`
	Comparator     Comparator `json:"comparator"`
	Threshold      float64    `json:"threshold"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	UnitSerial   string
	Acknowledged *bool
	From         time.Time
	To           time.Time
	Limit        int
}

// AlertRepository persists alerts.
type AlertRepository interface {
	// Insert stores the alert unless one exists for the same
	// (rule, unit, triggered_at). It reports whether a row was created.
	Insert(ctx context.Context, alert *Alert) (bool, error)
	// GetByID returns nil, nil when the alert does not exist.
	GetByID(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]Alert, error)
	Acknowledge(ctx context.Context, id, by string, at time.Time) error
}

// AlertID derives the deterministic id of the dedup key.
func AlertID(ruleID, unitSerial string, triggeredAt time.Time) string {
	key := ruleID + "|" + unitSerial + "|" + triggeredAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}
