package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"docflow/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, tenant_id, subscription_id,
	total_amount_minor, paid_amount_minor, currency, status,
	due_at, created_at, updated_at
`

const paymentColumns = `
	id, tenant_id, invoice_id, subscription_id,
	amount_minor, tax_amount_minor, net_amount_minor, currency, tax_rate_bp,
	method, status, gateway_source_id, gateway_payment_id, gateway_status,
	error_code, error_message, created_at, updated_at, completed_at
`

// CreateInvoice inserts a new invoice.
func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (
			id, tenant_id, subscription_id,
			total_amount_minor, paid_amount_minor, currency, status,
			due_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		inv.ID, inv.TenantID, inv.SubscriptionID,
		inv.TotalAmount.AmountMinor, inv.PaidAmount.AmountMinor, inv.TotalAmount.Currency, inv.Status,
		inv.DueAt, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", inv.ID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetInvoice retrieves an invoice by ID. An empty tenantID skips the tenant
// check; callers from the API surface always pass one.
func (s *PostgresStore) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE id = $1 AND (tenant_id = $2 OR $2 = '')
	`

	row := s.db.QueryRow(ctx, query, invoiceID, tenantID)
	return scanInvoice(row)
}

// CreatePayment inserts a new payment. The gateway source id is unique across
// all payments, so a duplicate source surfaces as ErrAlreadyExists.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			id, tenant_id, invoice_id, subscription_id,
			amount_minor, tax_amount_minor, net_amount_minor, currency, tax_rate_bp,
			method, status, gateway_source_id, gateway_payment_id, gateway_status,
			error_code, error_message, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.TenantID, p.InvoiceID, p.SubscriptionID,
		p.Amount.AmountMinor, p.TaxAmount.AmountMinor, p.NetAmount.AmountMinor, p.Amount.Currency, p.TaxRateBP,
		p.Method, p.Status, p.GatewaySourceID, nullStr(p.GatewayPaymentID), nullStr(p.GatewayStatus),
		nullStr(p.ErrorCode), nullStr(p.ErrorMessage), p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment for source %s: %w", p.GatewaySourceID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetPaymentBySourceID retrieves a payment by its gateway source id.
func (s *PostgresStore) GetPaymentBySourceID(ctx context.Context, sourceID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE gateway_source_id = $1
	`

	row := s.db.QueryRow(ctx, query, sourceID)
	return scanPayment(row)
}

// ListPaymentsByInvoice lists all payments against an invoice, newest first.
func (s *PostgresStore) ListPaymentsByInvoice(ctx context.Context, tenantID, invoiceID string) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE invoice_id = $1 AND (tenant_id = $2 OR $2 = '')
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, invoiceID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPaymentFromRows(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// LatestPendingPaymentForInvoice returns the newest pending payment for an
// invoice, or ErrPaymentNotFound when none is pending.
func (s *PostgresStore) LatestPendingPaymentForInvoice(ctx context.Context, tenantID, invoiceID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE invoice_id = $1 AND (tenant_id = $2 OR $2 = '') AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, invoiceID, tenantID)
	return scanPayment(row)
}

// ListStalePendingPayments lists pending payments older than a given duration.
func (s *PostgresStore) ListStalePendingPayments(ctx context.Context, tenantID string, olderThan time.Duration, limit int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE (tenant_id = $1 OR $1 = '') AND status = 'pending' AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx, query, tenantID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPaymentFromRows(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// GetRevenueByPaymentID retrieves the revenue record for a payment.
func (s *PostgresStore) GetRevenueByPaymentID(ctx context.Context, paymentID string) (*Revenue, error) {
	query := `
		SELECT id, tenant_id, payment_id, invoice_id, subscription_id,
			   gross_amount_minor, tax_amount_minor, net_amount_minor, currency, tax_rate_bp,
			   category, recognized_at, created_at
		FROM revenues
		WHERE payment_id = $1
	`

	row := s.db.QueryRow(ctx, query, paymentID)

	var r Revenue
	err := row.Scan(
		&r.ID, &r.TenantID, &r.PaymentID, &r.InvoiceID, &r.SubscriptionID,
		&r.GrossAmount.AmountMinor, &r.TaxAmount.AmountMinor, &r.NetAmount.AmountMinor, &r.GrossAmount.Currency, &r.TaxRateBP,
		&r.Category, &r.RecognizedAt, &r.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("revenue for payment %s: %w", paymentID, database.ErrNotFound)
		}
		return nil, err
	}
	r.TaxAmount.Currency = r.GrossAmount.Currency
	r.NetAmount.Currency = r.GrossAmount.Currency

	return &r, nil
}

// ReconcilePayment locks the payment row by gateway source id and runs fn
// inside a serializable transaction. Anything fn writes through the
// ReconcileTx commits or rolls back together with the lock; serialization
// failures rerun fn against a fresh snapshot.
func (s *PostgresStore) ReconcilePayment(ctx context.Context, sourceID string, fn ReconcileFunc) error {
	return database.Retry(ctx, 3, func() error {
		return s.reconcileOnce(ctx, sourceID, fn)
	})
}

func (s *PostgresStore) reconcileOnce(ctx context.Context, sourceID string, fn ReconcileFunc) error {
	return s.db.WithTxOptions(ctx, database.SerializableTxOptions(), func(tx pgx.Tx) error {
		query := `SELECT ` + paymentColumns + `
			FROM payments
			WHERE gateway_source_id = $1
			FOR UPDATE
		`

		p, err := scanPayment(tx.QueryRow(ctx, query, sourceID))
		if err != nil {
			return err
		}

		return fn(ctx, p, &pgReconcileTx{tx: tx, payment: p})
	})
}

// pgReconcileTx applies reconcile writes inside the row-lock transaction.
type pgReconcileTx struct {
	tx      pgx.Tx
	payment *Payment
}

func (r *pgReconcileTx) Complete(ctx context.Context, gatewayPaymentID, rawStatus string) (*Revenue, error) {
	p := r.payment
	if err := p.MarkCompleted(gatewayPaymentID, rawStatus); err != nil {
		return nil, err
	}
	if err := r.updatePayment(ctx); err != nil {
		return nil, err
	}

	// The guard rejects overpayment at the database even if the in-memory
	// invoice drifted from the stored one.
	applied, err := r.tx.Exec(ctx, `
		UPDATE invoices SET
			paid_amount_minor = paid_amount_minor + $2,
			status = CASE
				WHEN paid_amount_minor + $2 >= total_amount_minor THEN 'paid'
				ELSE status
			END,
			updated_at = $3
		WHERE id = $1
		  AND status <> 'cancelled'
		  AND paid_amount_minor + $2 <= total_amount_minor
	`, p.InvoiceID, p.Amount.AmountMinor, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if applied.RowsAffected() != 1 {
		return nil, fmt.Errorf("invoice %s cannot absorb payment %s: %w", p.InvoiceID, p.ID, database.ErrConflict)
	}

	rev, err := NewRevenue(p)
	if err != nil {
		return nil, err
	}

	_, err = r.tx.Exec(ctx, `
		INSERT INTO revenues (
			id, tenant_id, payment_id, invoice_id, subscription_id,
			gross_amount_minor, tax_amount_minor, net_amount_minor, currency, tax_rate_bp,
			category, recognized_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		rev.ID, rev.TenantID, rev.PaymentID, rev.InvoiceID, rev.SubscriptionID,
		rev.GrossAmount.AmountMinor, rev.TaxAmount.AmountMinor, rev.NetAmount.AmountMinor, rev.GrossAmount.Currency, rev.TaxRateBP,
		rev.Category, rev.RecognizedAt, rev.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("revenue for payment %s: %w", p.ID, database.ErrAlreadyExists)
		}
		return nil, err
	}

	return rev, nil
}

func (r *pgReconcileTx) Fail(ctx context.Context, errorCode, errorMessage, rawStatus string) error {
	if err := r.payment.MarkFailed(errorCode, errorMessage, rawStatus); err != nil {
		return err
	}
	return r.updatePayment(ctx)
}

func (r *pgReconcileTx) Cancel(ctx context.Context) error {
	if err := r.payment.MarkCancelled(); err != nil {
		return err
	}
	return r.updatePayment(ctx)
}

func (r *pgReconcileTx) updatePayment(ctx context.Context) error {
	p := r.payment
	query := `
		UPDATE payments SET
			status = $2, gateway_payment_id = $3, gateway_status = $4,
			error_code = $5, error_message = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`

	_, err := r.tx.Exec(ctx, query,
		p.ID, p.Status, nullStr(p.GatewayPaymentID), nullStr(p.GatewayStatus),
		nullStr(p.ErrorCode), nullStr(p.ErrorMessage), p.UpdatedAt, p.CompletedAt,
	)
	return err
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var i Invoice
	err := row.Scan(
		&i.ID, &i.TenantID, &i.SubscriptionID,
		&i.TotalAmount.AmountMinor, &i.PaidAmount.AmountMinor, &i.TotalAmount.Currency, &i.Status,
		&i.DueAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	i.PaidAmount.Currency = i.TotalAmount.Currency

	return &i, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var gatewayPaymentID, gatewayStatus, errorCode, errorMsg *string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.InvoiceID, &p.SubscriptionID,
		&p.Amount.AmountMinor, &p.TaxAmount.AmountMinor, &p.NetAmount.AmountMinor, &p.Amount.Currency, &p.TaxRateBP,
		&p.Method, &p.Status, &p.GatewaySourceID, &gatewayPaymentID, &gatewayStatus,
		&errorCode, &errorMsg, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	fillPaymentStrings(&p, gatewayPaymentID, gatewayStatus, errorCode, errorMsg)
	return &p, nil
}

func scanPaymentFromRows(rows pgx.Rows) (*Payment, error) {
	var p Payment
	var gatewayPaymentID, gatewayStatus, errorCode, errorMsg *string

	err := rows.Scan(
		&p.ID, &p.TenantID, &p.InvoiceID, &p.SubscriptionID,
		&p.Amount.AmountMinor, &p.TaxAmount.AmountMinor, &p.NetAmount.AmountMinor, &p.Amount.Currency, &p.TaxRateBP,
		&p.Method, &p.Status, &p.GatewaySourceID, &gatewayPaymentID, &gatewayStatus,
		&errorCode, &errorMsg, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	fillPaymentStrings(&p, gatewayPaymentID, gatewayStatus, errorCode, errorMsg)
	return &p, nil
}

func fillPaymentStrings(p *Payment, gatewayPaymentID, gatewayStatus, errorCode, errorMsg *string) {
	p.TaxAmount.Currency = p.Amount.Currency
	p.NetAmount.Currency = p.Amount.Currency

	if gatewayPaymentID != nil {
		p.GatewayPaymentID = *gatewayPaymentID
	}
	if gatewayStatus != nil {
		p.GatewayStatus = *gatewayStatus
	}
	if errorCode != nil {
		p.ErrorCode = *errorCode
	}
	if errorMsg != nil {
		p.ErrorMessage = *errorMsg
	}
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
