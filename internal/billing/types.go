// Package billing implements subscription invoice settlement and payment
// reconciliation against an external e-wallet gateway.
package billing

import (
	"errors"
	"time"

	"docflow/internal/common/money"
)

// Method represents a payment method accepted at checkout.
type Method string

const (
	MethodGCash   Method = "gcash"
	MethodGrabPay Method = "grab_pay"
	MethodPayMaya Method = "paymaya"
)

// SupportedMethod reports whether a method can be routed to the gateway.
func SupportedMethod(m Method) bool {
	switch m {
	case MethodGCash, MethodGrabPay, MethodPayMaya:
		return true
	}
	return false
}

// InvoiceStatus represents the status of an invoice.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is a billable statement for a subscription period.
// PaidAmount only ever increases, and only as part of a payment finalize.
type Invoice struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	SubscriptionID string        `json:"subscription_id"`
	TotalAmount    money.Money   `json:"total_amount"`
	PaidAmount     money.Money   `json:"paid_amount"`
	Status         InvoiceStatus `json:"status"`
	DueAt          *time.Time    `json:"due_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewInvoice creates a new pending invoice.
func NewInvoice(id, tenantID, subscriptionID string, total money.Money) (*Invoice, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if subscriptionID == "" {
		return nil, errors.New("subscription_id is required")
	}
	if !total.IsPositive() {
		return nil, errors.New("total amount must be positive")
	}

	now := time.Now().UTC()
	return &Invoice{
		ID:             id,
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		TotalAmount:    total,
		PaidAmount:     money.Zero(total.Currency),
		Status:         InvoicePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Balance returns the amount still due on the invoice.
func (i *Invoice) Balance() money.Money {
	return i.TotalAmount.MustSub(i.PaidAmount)
}

// IsPayable reports whether a new payment may be initiated against the invoice.
func (i *Invoice) IsPayable() bool {
	return i.Status != InvoicePaid && i.Status != InvoiceCancelled && i.Balance().IsPositive()
}

// ApplyPayment increments PaidAmount and flips the status to paid when the
// invoice is fully settled. PaidAmount must never exceed TotalAmount.
func (i *Invoice) ApplyPayment(amount money.Money) error {
	if !amount.IsPositive() {
		return errors.New("payment amount must be positive")
	}
	newPaid, err := i.PaidAmount.Add(amount)
	if err != nil {
		return err
	}
	if newPaid.GreaterThan(i.TotalAmount) {
		return errors.New("payment would exceed invoice total")
	}

	i.PaidAmount = newPaid
	if i.PaidAmount.GreaterThanOrEqual(i.TotalAmount) {
		i.Status = InvoicePaid
	}
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// PaymentStatus represents the status of a payment.
// Completed, Failed and Cancelled are terminal.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is one attempt to settle an invoice balance through the gateway.
// Amount is fixed at initiation and always equals TaxAmount + NetAmount.
type Payment struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	InvoiceID      string        `json:"invoice_id"`
	SubscriptionID string        `json:"subscription_id"`
	Amount         money.Money   `json:"amount"`
	TaxAmount      money.Money   `json:"tax_amount"`
	NetAmount      money.Money   `json:"net_amount"`
	TaxRateBP      int64         `json:"tax_rate_bp"`
	Method         Method        `json:"method"`
	Status         PaymentStatus `json:"status"`

	// Gateway correlation. GatewaySourceID is unique across all payments and
	// routes callbacks back to this row. GatewayStatus is the last raw provider
	// state observed; diagnostic only, never authoritative.
	GatewaySourceID  string `json:"gateway_source_id"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	GatewayStatus    string `json:"gateway_status,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewPayment creates a new pending payment carrying a computed tax split.
func NewPayment(id string, inv *Invoice, split money.TaxSplit, method Method, sourceID string) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if inv == nil {
		return nil, errors.New("invoice is required")
	}
	if sourceID == "" {
		return nil, errors.New("gateway source id is required")
	}
	if !split.Gross.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if !split.Tax.MustAdd(split.Net).Equal(split.Gross) {
		return nil, errors.New("tax split does not sum to gross amount")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:              id,
		TenantID:        inv.TenantID,
		InvoiceID:       inv.ID,
		SubscriptionID:  inv.SubscriptionID,
		Amount:          split.Gross,
		TaxAmount:       split.Tax,
		NetAmount:       split.Net,
		TaxRateBP:       split.RateBasisPoints,
		Method:          method,
		Status:          PaymentPending,
		GatewaySourceID: sourceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsTerminal returns true if the payment is in a terminal state.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentFailed || p.Status == PaymentCancelled
}

// MarkCompleted transitions the payment to completed.
func (p *Payment) MarkCompleted(gatewayPaymentID, rawStatus string) error {
	if p.Status != PaymentPending {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	p.Status = PaymentCompleted
	p.GatewayPaymentID = gatewayPaymentID
	p.GatewayStatus = rawStatus
	p.CompletedAt = &now
	p.UpdatedAt = now
	return nil
}

// MarkFailed transitions the payment to failed.
func (p *Payment) MarkFailed(errorCode, errorMessage, rawStatus string) error {
	if p.Status != PaymentPending {
		return ErrInvalidTransition
	}
	p.Status = PaymentFailed
	p.ErrorCode = errorCode
	p.ErrorMessage = errorMessage
	p.GatewayStatus = rawStatus
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCancelled transitions the payment to cancelled.
func (p *Payment) MarkCancelled() error {
	if p.Status != PaymentPending {
		return ErrInvalidTransition
	}
	p.Status = PaymentCancelled
	p.UpdatedAt = time.Now().UTC()
	return nil
}
