package billing

import (
	"context"

	"docflow/internal/common/money"
)

// SourceState is the canonical gateway source vocabulary. Provider-specific
// statuses are normalized into these five states at the adapter boundary.
type SourceState string

const (
	SourcePending    SourceState = "pending"
	SourceChargeable SourceState = "chargeable"
	SourcePaid       SourceState = "paid"
	SourceFailed     SourceState = "failed"
	SourceExpired    SourceState = "expired"
)

// CreateIntentRequest asks the gateway to create a payment source the payer
// authorizes on the provider's own pages.
type CreateIntentRequest struct {
	TenantID    string
	Amount      money.Money
	Method      Method
	SuccessURL  string
	FailureURL  string
	Description string
}

// CreateIntentResult carries the gateway correlation id and the checkout URL
// the payer is redirected to.
type CreateIntentResult struct {
	SourceID    string
	CheckoutURL string
}

// SourceStatus is the normalized result of a status query.
// PaymentID is set when the gateway has already captured the source.
type SourceStatus struct {
	State     SourceState
	PaymentID string
	Method    string
	RawStatus string
}

// CaptureResult is the outcome of a successful capture.
type CaptureResult struct {
	PaymentID string
	Method    string
}

// Gateway is the payment provider boundary. Implementations must treat
// QueryStatus as safe to repeat; Capture is invoked at most once per source
// that reaches chargeable. All calls are bounded by the caller's context;
// a timeout is a failure, never an unknown success.
type Gateway interface {
	CreateIntent(ctx context.Context, req *CreateIntentRequest) (*CreateIntentResult, error)
	QueryStatus(ctx context.Context, sourceID string) (*SourceStatus, error)
	Capture(ctx context.Context, sourceID string, amount money.Money, description string) (*CaptureResult, error)
}
