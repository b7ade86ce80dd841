package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"docflow/internal/common/money"
)

// Audit subjects, one per payment state transition.
const (
	SubjectPaymentInitiated = "billing.payment.initiated"
	SubjectPaymentCompleted = "billing.payment.completed"
	SubjectPaymentFailed    = "billing.payment.failed"
	SubjectPaymentCancelled = "billing.payment.cancelled"
)

// EventType identifies the type of billing audit event.
type EventType string

const (
	EventPaymentInitiated EventType = "billing.payment.initiated"
	EventPaymentCompleted EventType = "billing.payment.completed"
	EventPaymentFailed    EventType = "billing.payment.failed"
	EventPaymentCancelled EventType = "billing.payment.cancelled"
)

// Envelope wraps all audit events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new audit event envelope.
func NewEnvelope(eventType EventType, tenantID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// Publisher delivers audit events. Delivery is best-effort: the workflow
// never fails a transition because the sink is down.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// PaymentEvent is the audit payload emitted on every payment transition.
type PaymentEvent struct {
	PaymentID       string        `json:"payment_id"`
	InvoiceID       string        `json:"invoice_id"`
	SubscriptionID  string        `json:"subscription_id"`
	GatewaySourceID string        `json:"gateway_source_id"`
	Method          Method        `json:"method"`
	Status          PaymentStatus `json:"status"`
	Amount          money.Money   `json:"amount"`
	RevenueID       string        `json:"revenue_id,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}
