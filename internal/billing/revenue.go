package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"docflow/internal/common/money"
)

// RevenueCategory classifies recognized income.
type RevenueCategory string

const (
	RevenueSubscription RevenueCategory = "subscription"
)

// Revenue is the recognized-income record derived from a completed payment.
// At most one revenue row exists per payment.
type Revenue struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	PaymentID      string          `json:"payment_id"`
	InvoiceID      string          `json:"invoice_id"`
	SubscriptionID string          `json:"subscription_id"`
	GrossAmount    money.Money     `json:"gross_amount"`
	TaxAmount      money.Money     `json:"tax_amount"`
	NetAmount      money.Money     `json:"net_amount"`
	TaxRateBP      int64           `json:"tax_rate_bp"`
	Category       RevenueCategory `json:"category"`
	RecognizedAt   time.Time       `json:"recognized_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewRevenue builds the revenue record for a payment from the payment's
// already-computed tax split. The split is recomputed and compared so that
// any drift between initiation-time and recognition-time arithmetic fails
// loudly instead of booking inconsistent amounts.
func NewRevenue(p *Payment) (*Revenue, error) {
	if p == nil {
		return nil, errors.New("payment is required")
	}

	check, err := money.SplitInclusiveTax(p.Amount, p.TaxRateBP)
	if err != nil {
		return nil, fmt.Errorf("recomputing tax split: %w", err)
	}
	if !check.Tax.Equal(p.TaxAmount) || !check.Net.Equal(p.NetAmount) {
		return nil, fmt.Errorf("tax split mismatch for payment %s: stored tax=%d net=%d, computed tax=%d net=%d",
			p.ID, p.TaxAmount.AmountMinor, p.NetAmount.AmountMinor,
			check.Tax.AmountMinor, check.Net.AmountMinor)
	}

	now := time.Now().UTC()
	return &Revenue{
		ID:             ulid.Make().String(),
		TenantID:       p.TenantID,
		PaymentID:      p.ID,
		InvoiceID:      p.InvoiceID,
		SubscriptionID: p.SubscriptionID,
		GrossAmount:    p.Amount,
		TaxAmount:      p.TaxAmount,
		NetAmount:      p.NetAmount,
		TaxRateBP:      p.TaxRateBP,
		Category:       RevenueSubscription,
		RecognizedAt:   now,
		CreatedAt:      now,
	}, nil
}
