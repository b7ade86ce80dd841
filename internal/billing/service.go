package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"docflow/internal/common/money"
)

// Store persists invoices, payments and revenue records.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentBySourceID(ctx context.Context, sourceID string) (*Payment, error)
	ListPaymentsByInvoice(ctx context.Context, tenantID, invoiceID string) ([]*Payment, error)
	LatestPendingPaymentForInvoice(ctx context.Context, tenantID, invoiceID string) (*Payment, error)
	ListStalePendingPayments(ctx context.Context, tenantID string, olderThan time.Duration, limit int) ([]*Payment, error)

	GetRevenueByPaymentID(ctx context.Context, paymentID string) (*Revenue, error)

	// ReconcilePayment locks the payment identified by its gateway source id
	// and runs fn while the lock is held. Writes requested through ReconcileTx
	// are applied in the same transaction; an error from fn rolls back every
	// write. Concurrent calls for the same source id serialize here, so a
	// caller that loses the race observes the winner's terminal state.
	ReconcilePayment(ctx context.Context, sourceID string, fn ReconcileFunc) error
}

// ReconcileFunc runs with the payment row locked.
type ReconcileFunc func(ctx context.Context, p *Payment, tx ReconcileTx) error

// ReconcileTx is the set of writes available while a payment is locked.
type ReconcileTx interface {
	// Complete finalizes the payment as one atomic unit: payment to completed,
	// invoice paid amount incremented, exactly one revenue row recorded.
	Complete(ctx context.Context, gatewayPaymentID, rawStatus string) (*Revenue, error)
	Fail(ctx context.Context, errorCode, errorMessage, rawStatus string) error
	Cancel(ctx context.Context) error
}

// Config holds workflow configuration.
type Config struct {
	TaxRateBP      int64         `envconfig:"BILLING_TAX_RATE_BP" default:"1200"`
	SuccessURL     string        `envconfig:"BILLING_SUCCESS_URL" default:"http://localhost:8086/billing/checkout/success"`
	FailureURL     string        `envconfig:"BILLING_FAILURE_URL" default:"http://localhost:8086/billing/checkout/failed"`
	GatewayTimeout time.Duration `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"30s"`
	StaleAfter     time.Duration `envconfig:"BILLING_STALE_AFTER" default:"1h"`
	StaleSweepMax  int           `envconfig:"BILLING_STALE_SWEEP_MAX" default:"100"`
}

// Service drives the payment reconciliation workflow: it initiates payments
// against invoices, processes gateway callbacks, and finalizes payment,
// invoice and revenue state atomically.
type Service struct {
	cfg       Config
	store     Store
	gateway   Gateway
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new billing service.
func NewService(cfg Config, store Store, gateway Gateway, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateInvoiceRequest is the intake request from the billing surface.
type CreateInvoiceRequest struct {
	TenantID       string      `json:"tenant_id" validate:"required"`
	SubscriptionID string      `json:"subscription_id" validate:"required"`
	TotalAmount    money.Money `json:"total_amount" validate:"required"`
	DueAt          *time.Time  `json:"due_at,omitempty"`
}

// CreateInvoice registers an invoice produced by a billing cycle.
func (s *Service) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error) {
	inv, err := NewInvoice(ulid.Make().String(), req.TenantID, req.SubscriptionID, req.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	inv.DueAt = req.DueAt

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("store invoice: %w", err)
	}

	s.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"tenant_id", inv.TenantID,
		"subscription_id", inv.SubscriptionID,
		"total", inv.TotalAmount.AmountMinor,
	)

	return inv, nil
}

// GetInvoice retrieves an invoice.
func (s *Service) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	return s.store.GetInvoice(ctx, tenantID, invoiceID)
}

// ListPayments lists payments for an invoice.
func (s *Service) ListPayments(ctx context.Context, tenantID, invoiceID string) ([]*Payment, error) {
	return s.store.ListPaymentsByInvoice(ctx, tenantID, invoiceID)
}

// GetPayment retrieves a payment by its gateway source id.
func (s *Service) GetPayment(ctx context.Context, tenantID, sourceID string) (*Payment, error) {
	p, err := s.store.GetPaymentBySourceID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && p.TenantID != tenantID {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

// GetRevenue retrieves the revenue record for a payment, if any.
func (s *Service) GetRevenue(ctx context.Context, paymentID string) (*Revenue, error) {
	return s.store.GetRevenueByPaymentID(ctx, paymentID)
}

// InitiateResult is returned from a successful payment initiation.
type InitiateResult struct {
	PaymentID   string      `json:"payment_id"`
	SourceID    string      `json:"source_id"`
	CheckoutURL string      `json:"checkout_url"`
	Amount      money.Money `json:"amount"`
	TaxAmount   money.Money `json:"tax_amount"`
	NetAmount   money.Money `json:"net_amount"`
}

// Initiate starts a payment for the outstanding balance of an invoice.
// On success a pending payment carrying the gateway correlation id exists and
// the caller redirects the payer to the returned checkout URL. On gateway
// failure no payment row is created.
func (s *Service) Initiate(ctx context.Context, tenantID, invoiceID string, method Method) (*InitiateResult, error) {
	if !SupportedMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	inv, err := s.store.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}

	switch {
	case inv.Status == InvoiceCancelled:
		return nil, ErrInvoiceCancelled
	case inv.Status == InvoicePaid:
		return nil, ErrInvoiceAlreadyPaid
	case !inv.Balance().IsPositive():
		return nil, ErrNothingDue
	}

	amountDue := inv.Balance()
	split, err := money.SplitInclusiveTax(amountDue, s.cfg.TaxRateBP)
	if err != nil {
		return nil, fmt.Errorf("computing tax split: %w", err)
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	intent, err := s.gateway.CreateIntent(gctx, &CreateIntentRequest{
		TenantID:    tenantID,
		Amount:      amountDue,
		Method:      method,
		SuccessURL:  s.cfg.SuccessURL,
		FailureURL:  s.cfg.FailureURL,
		Description: fmt.Sprintf("Subscription invoice %s", inv.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	p, err := NewPayment(ulid.Make().String(), inv, split, method, intent.SourceID)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		// The gateway source exists but no local payment does; the source
		// simply expires unconsumed at the provider.
		s.logger.Warn("payment not persisted, gateway source orphaned",
			"source_id", intent.SourceID,
			"invoice_id", inv.ID,
			"error", err,
		)
		return nil, fmt.Errorf("store payment: %w", err)
	}

	s.publishAudit(ctx, EventPaymentInitiated, SubjectPaymentInitiated, p, "")

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"invoice_id", inv.ID,
		"source_id", p.GatewaySourceID,
		"method", method,
		"amount", p.Amount.AmountMinor,
	)

	return &InitiateResult{
		PaymentID:   p.ID,
		SourceID:    p.GatewaySourceID,
		CheckoutURL: intent.CheckoutURL,
		Amount:      p.Amount,
		TaxAmount:   p.TaxAmount,
		NetAmount:   p.NetAmount,
	}, nil
}

// ReconcileResult reports the payment state after a reconcile attempt.
type ReconcileResult struct {
	PaymentID      string        `json:"payment_id,omitempty"`
	Status         PaymentStatus `json:"status,omitempty"`
	RevenueCreated bool          `json:"revenue_created"`
	Message        string        `json:"message,omitempty"`
}

// Reconcile drives a payment toward a terminal state from a gateway callback
// or a manual retry. It is idempotent: replays against a terminal payment
// return the prior outcome without touching the gateway or the ledger, and a
// gateway timeout leaves the payment pending and safely retryable.
func (s *Service) Reconcile(ctx context.Context, tenantID, sourceID string) (*ReconcileResult, error) {
	var (
		result    *ReconcileResult
		auditType EventType
		auditSubj string
		snapshot  *Payment
		revenueID string
	)

	err := s.store.ReconcilePayment(ctx, sourceID, func(ctx context.Context, p *Payment, tx ReconcileTx) error {
		if tenantID != "" && p.TenantID != tenantID {
			return ErrPaymentNotFound
		}

		if p.IsTerminal() {
			result = &ReconcileResult{
				PaymentID:      p.ID,
				Status:         p.Status,
				RevenueCreated: p.Status == PaymentCompleted,
				Message:        "already finalized",
			}
			return nil
		}

		gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()

		status, err := s.gateway.QueryStatus(gctx, p.GatewaySourceID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}

		switch status.State {
		case SourceChargeable:
			capture, err := s.gateway.Capture(gctx, p.GatewaySourceID, p.Amount,
				fmt.Sprintf("Subscription invoice %s", p.InvoiceID))
			if err != nil {
				if errors.Is(err, ErrCaptureDeclined) {
					if err := tx.Fail(ctx, "CAPTURE_DECLINED", err.Error(), status.RawStatus); err != nil {
						return err
					}
					snap := *p
					snapshot, auditType, auditSubj = &snap, EventPaymentFailed, SubjectPaymentFailed
					result = &ReconcileResult{PaymentID: p.ID, Status: PaymentFailed, Message: "capture declined"}
					return nil
				}
				return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
			}

			rev, err := tx.Complete(ctx, capture.PaymentID, string(SourcePaid))
			if err != nil {
				return err
			}
			snap := *p
			snapshot, auditType, auditSubj, revenueID = &snap, EventPaymentCompleted, SubjectPaymentCompleted, rev.ID
			result = &ReconcileResult{PaymentID: p.ID, Status: PaymentCompleted, RevenueCreated: true}
			return nil

		case SourcePaid:
			// The gateway already captured this source, e.g. a delayed callback
			// after an earlier capture the payer never returned from. Finalize
			// without capturing again.
			rev, err := tx.Complete(ctx, status.PaymentID, status.RawStatus)
			if err != nil {
				return err
			}
			snap := *p
			snapshot, auditType, auditSubj, revenueID = &snap, EventPaymentCompleted, SubjectPaymentCompleted, rev.ID
			result = &ReconcileResult{PaymentID: p.ID, Status: PaymentCompleted, RevenueCreated: true}
			return nil

		case SourcePending:
			result = &ReconcileResult{PaymentID: p.ID, Status: PaymentPending, Message: "payment still processing"}
			return nil

		case SourceFailed, SourceExpired:
			code := strings.ToUpper(string(status.State))
			if err := tx.Fail(ctx, code, "gateway reported source "+string(status.State), status.RawStatus); err != nil {
				return err
			}
			snap := *p
			snapshot, auditType, auditSubj = &snap, EventPaymentFailed, SubjectPaymentFailed
			result = &ReconcileResult{PaymentID: p.ID, Status: PaymentFailed, Message: "payment " + string(status.State)}
			return nil

		default:
			return fmt.Errorf("unrecognized gateway state %q for source %s", status.State, sourceID)
		}
	})
	if err != nil {
		return nil, err
	}

	if snapshot != nil {
		s.publishAudit(ctx, auditType, auditSubj, snapshot, revenueID)
		s.logger.Info("payment reconciled",
			"payment_id", snapshot.ID,
			"invoice_id", snapshot.InvoiceID,
			"source_id", snapshot.GatewaySourceID,
			"status", snapshot.Status,
			"revenue_created", revenueID != "",
		)
	}

	return result, nil
}

// Cancel cancels the pending payment identified by its gateway source id.
// Cancelling an already-finalized payment is a no-op returning its state.
func (s *Service) Cancel(ctx context.Context, tenantID, sourceID string) (*ReconcileResult, error) {
	var (
		result   *ReconcileResult
		snapshot *Payment
	)

	err := s.store.ReconcilePayment(ctx, sourceID, func(ctx context.Context, p *Payment, tx ReconcileTx) error {
		if tenantID != "" && p.TenantID != tenantID {
			return ErrPaymentNotFound
		}

		if p.IsTerminal() {
			result = &ReconcileResult{
				PaymentID:      p.ID,
				Status:         p.Status,
				RevenueCreated: p.Status == PaymentCompleted,
				Message:        "already finalized",
			}
			return nil
		}

		if err := tx.Cancel(ctx); err != nil {
			return err
		}
		snap := *p
		snapshot = &snap
		result = &ReconcileResult{PaymentID: p.ID, Status: PaymentCancelled}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if snapshot != nil {
		s.publishAudit(ctx, EventPaymentCancelled, SubjectPaymentCancelled, snapshot, "")
		s.logger.Info("payment cancelled",
			"payment_id", snapshot.ID,
			"source_id", snapshot.GatewaySourceID,
		)
	}

	return result, nil
}

// CancelInvoicePayment cancels the most recent pending payment for an
// invoice. A no-op when no payment is pending.
func (s *Service) CancelInvoicePayment(ctx context.Context, tenantID, invoiceID string) (*ReconcileResult, error) {
	p, err := s.store.LatestPendingPaymentForInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return &ReconcileResult{Message: "no pending payment to cancel"}, nil
		}
		return nil, err
	}
	return s.Cancel(ctx, tenantID, p.GatewaySourceID)
}

// StaleSweepResult summarizes a stale-pending reconcile sweep.
type StaleSweepResult struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

// ReconcileStale re-runs reconciliation over pending payments older than the
// configured threshold, picking up checkouts the payer abandoned or callbacks
// that never arrived. Gateway outages skip the affected payment; the sweep is
// re-runnable at any time.
func (s *Service) ReconcileStale(ctx context.Context, tenantID string) (*StaleSweepResult, error) {
	stale, err := s.store.ListStalePendingPayments(ctx, tenantID, s.cfg.StaleAfter, s.cfg.StaleSweepMax)
	if err != nil {
		return nil, fmt.Errorf("listing stale payments: %w", err)
	}

	out := &StaleSweepResult{Scanned: len(stale)}
	for _, p := range stale {
		res, err := s.Reconcile(ctx, tenantID, p.GatewaySourceID)
		if err != nil {
			s.logger.Warn("stale reconcile skipped",
				"payment_id", p.ID,
				"source_id", p.GatewaySourceID,
				"error", err,
			)
			out.Skipped++
			continue
		}
		switch res.Status {
		case PaymentCompleted:
			out.Completed++
		case PaymentFailed:
			out.Failed++
		default:
			out.Pending++
		}
	}

	s.logger.Info("stale payment sweep finished",
		"tenant_id", tenantID,
		"scanned", out.Scanned,
		"completed", out.Completed,
		"failed", out.Failed,
		"pending", out.Pending,
		"skipped", out.Skipped,
	)

	return out, nil
}

func (s *Service) publishAudit(ctx context.Context, typ EventType, subject string, p *Payment, revenueID string) {
	if s.publisher == nil {
		return
	}

	event := &PaymentEvent{
		PaymentID:       p.ID,
		InvoiceID:       p.InvoiceID,
		SubscriptionID:  p.SubscriptionID,
		GatewaySourceID: p.GatewaySourceID,
		Method:          p.Method,
		Status:          p.Status,
		Amount:          p.Amount,
		RevenueID:       revenueID,
		ErrorCode:       p.ErrorCode,
		ErrorMessage:    p.ErrorMessage,
	}

	env, err := NewEnvelope(typ, p.TenantID, p.ID, event)
	if err != nil {
		s.logger.Warn("audit envelope failed", "payment_id", p.ID, "error", err)
		return
	}

	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Warn("audit publish failed",
			"payment_id", p.ID,
			"subject", subject,
			"error", err,
		)
	}
}
