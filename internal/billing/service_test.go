package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/common/money"
)

// memStore implements Store in memory. ReconcilePayment holds the store mutex
// for the whole closure, which serializes concurrent reconciles the same way
// the row lock does, and discards writes when the closure errors.
type memStore struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	payments map[string]*Payment // keyed by gateway source id
	revenues map[string]*Revenue // keyed by payment id
}

func newMemStore() *memStore {
	return &memStore{
		invoices: make(map[string]*Invoice),
		payments: make(map[string]*Payment),
		revenues: make(map[string]*Revenue),
	}
}

func (s *memStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *memStore) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok || (tenantID != "" && inv.TenantID != tenantID) {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.GatewaySourceID]; exists {
		return errors.New("duplicate gateway source id")
	}
	cp := *p
	s.payments[p.GatewaySourceID] = &cp
	return nil
}

func (s *memStore) GetPaymentBySourceID(ctx context.Context, sourceID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[sourceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPaymentsByInvoice(ctx context.Context, tenantID, invoiceID string) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID && (tenantID == "" || p.TenantID == tenantID) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) LatestPendingPaymentForInvoice(ctx context.Context, tenantID, invoiceID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Payment
	for _, p := range s.payments {
		if p.InvoiceID != invoiceID || p.Status != PaymentPending {
			continue
		}
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) ListStalePendingPayments(ctx context.Context, tenantID string, olderThan time.Duration, limit int) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Payment
	for _, p := range s.payments {
		if p.Status != PaymentPending || !p.CreatedAt.Before(cutoff) {
			continue
		}
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetRevenueByPaymentID(ctx context.Context, paymentID string) (*Revenue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revenues[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *rev
	return &cp, nil
}

func (s *memStore) ReconcilePayment(ctx context.Context, sourceID string, fn ReconcileFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[sourceID]
	if !ok {
		return ErrPaymentNotFound
	}

	working := *stored
	tx := &memReconcileTx{store: s, payment: &working}

	if err := fn(ctx, &working, tx); err != nil {
		return err
	}

	// Commit
	s.payments[sourceID] = &working
	if tx.stagedInvoice != nil {
		s.invoices[tx.stagedInvoice.ID] = tx.stagedInvoice
	}
	if tx.stagedRevenue != nil {
		s.revenues[tx.stagedRevenue.PaymentID] = tx.stagedRevenue
	}
	return nil
}

type memReconcileTx struct {
	store         *memStore
	payment       *Payment
	stagedInvoice *Invoice
	stagedRevenue *Revenue
}

func (t *memReconcileTx) Complete(ctx context.Context, gatewayPaymentID, rawStatus string) (*Revenue, error) {
	if err := t.payment.MarkCompleted(gatewayPaymentID, rawStatus); err != nil {
		return nil, err
	}

	inv, ok := t.store.invoices[t.payment.InvoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	if err := cp.ApplyPayment(t.payment.Amount); err != nil {
		return nil, err
	}
	t.stagedInvoice = &cp

	if _, exists := t.store.revenues[t.payment.ID]; exists {
		return nil, errors.New("revenue already recorded")
	}
	rev, err := NewRevenue(t.payment)
	if err != nil {
		return nil, err
	}
	t.stagedRevenue = rev
	return rev, nil
}

func (t *memReconcileTx) Fail(ctx context.Context, errorCode, errorMessage, rawStatus string) error {
	return t.payment.MarkFailed(errorCode, errorMessage, rawStatus)
}

func (t *memReconcileTx) Cancel(ctx context.Context) error {
	return t.payment.MarkCancelled()
}

// memPublisher records published audit events.
type memPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *memPublisher) Publish(ctx context.Context, subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *memPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

// fakeGateway is a scriptable in-memory gateway.
type fakeGateway struct {
	mu          sync.Mutex
	states      map[string]SourceState
	gatewayPays map[string]string
	seq         int
	declineAll  bool
	unreachable bool
	captures    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		states:      make(map[string]SourceState),
		gatewayPays: make(map[string]string),
	}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req *CreateIntentRequest) (*CreateIntentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unreachable {
		return nil, context.DeadlineExceeded
	}
	g.seq++
	id := "src_" + string(rune('a'+g.seq))
	g.states[id] = SourceChargeable
	return &CreateIntentResult{SourceID: id, CheckoutURL: "https://gw.invalid/checkout/" + id}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, sourceID string) (*SourceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unreachable {
		return nil, context.DeadlineExceeded
	}
	state, ok := g.states[sourceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &SourceStatus{
		State:     state,
		PaymentID: g.gatewayPays[sourceID],
		RawStatus: string(state),
	}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, sourceID string, amount money.Money, description string) (*CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unreachable {
		return nil, context.DeadlineExceeded
	}
	g.captures++
	if g.declineAll {
		return nil, ErrCaptureDeclined
	}
	if g.states[sourceID] != SourceChargeable {
		return nil, ErrCaptureDeclined
	}
	g.states[sourceID] = SourcePaid
	g.gatewayPays[sourceID] = "gwpay_" + sourceID
	return &CaptureResult{PaymentID: g.gatewayPays[sourceID]}, nil
}

func (g *fakeGateway) setState(sourceID string, state SourceState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[sourceID] = state
	if state == SourcePaid && g.gatewayPays[sourceID] == "" {
		g.gatewayPays[sourceID] = "gwpay_" + sourceID
	}
}

func (g *fakeGateway) captureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures
}

type testEnv struct {
	service   *Service
	store     *memStore
	gateway   *fakeGateway
	publisher *memPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	gateway := newFakeGateway()
	publisher := &memPublisher{}
	cfg := Config{
		TaxRateBP:      1200,
		SuccessURL:     "https://app.invalid/success",
		FailureURL:     "https://app.invalid/failed",
		GatewayTimeout: time.Second,
		StaleAfter:     0,
		StaleSweepMax:  100,
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return &testEnv{
		service:   NewService(cfg, store, gateway, publisher, logger),
		store:     store,
		gateway:   gateway,
		publisher: publisher,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (e *testEnv) seedInvoice(t *testing.T, tenantID string, totalMinor int64) *Invoice {
	t.Helper()
	inv, err := e.service.CreateInvoice(context.Background(), &CreateInvoiceRequest{
		TenantID:       tenantID,
		SubscriptionID: "sub-1",
		TotalAmount:    money.New(totalMinor, money.PHP),
	})
	require.NoError(t, err)
	return inv
}

func (e *testEnv) initiate(t *testing.T, tenantID, invoiceID string) *InitiateResult {
	t.Helper()
	res, err := e.service.Initiate(context.Background(), tenantID, invoiceID, MethodGCash)
	require.NoError(t, err)
	return res
}

func TestInitiatePayment(t *testing.T) {
	env := newTestEnv(t)
	inv := env.seedInvoice(t, "tenant-1", 112000)

	res := env.initiate(t, "tenant-1", inv.ID)

	assert.NotEmpty(t, res.PaymentID)
	assert.NotEmpty(t, res.SourceID)
	assert.Contains(t, res.CheckoutURL, res.SourceID)
	assert.Equal(t, int64(112000), res.Amount.AmountMinor)
	assert.Equal(t, int64(12000), res.TaxAmount.AmountMinor)
	assert.Equal(t, int64(100000), res.NetAmount.AmountMinor)

	p, err := env.store.GetPaymentBySourceID(context.Background(), res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
	assert.Equal(t, "tenant-1", p.TenantID)

	assert.Equal(t, []string{SubjectPaymentInitiated}, env.publisher.published())
}

func TestInitiateRejectsUnsupportedMethod(t *testing.T) {
	env := newTestEnv(t)
	inv := env.seedInvoice(t, "tenant-1", 112000)

	_, err := env.service.Initiate(context.Background(), "tenant-1", inv.ID, Method("wire"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.True(t, IsValidationError(err))
}

func TestInitiateRejectsUnpayableInvoices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("unknown invoice", func(t *testing.T) {
		_, err := env.service.Initiate(ctx, "tenant-1", "nope", MethodGCash)
		assert.ErrorIs(t, err, ErrInvoiceNotFound)
	})

	t.Run("wrong tenant", func(t *testing.T) {
		inv := env.seedInvoice(t, "tenant-1", 1000)
		_, err := env.service.Initiate(ctx, "tenant-2", inv.ID, MethodGCash)
		assert.ErrorIs(t, err, ErrInvoiceNotFound)
	})

	t.Run("cancelled invoice", func(t *testing.T) {
		inv := env.seedInvoice(t, "tenant-1", 1000)
		env.store.mu.Lock()
		env.store.invoices[inv.ID].Status = InvoiceCancelled
		env.store.mu.Unlock()

		_, err := env.service.Initiate(ctx, "tenant-1", inv.ID, MethodGCash)
		assert.ErrorIs(t, err, ErrInvoiceCancelled)
	})

	t.Run("paid invoice", func(t *testing.T) {
		inv := env.seedInvoice(t, "tenant-1", 1000)
		env.store.mu.Lock()
		require.NoError(t, env.store.invoices[inv.ID].ApplyPayment(money.New(1000, money.PHP)))
		env.store.mu.Unlock()

		_, err := env.service.Initiate(ctx, "tenant-1", inv.ID, MethodGCash)
		assert.ErrorIs(t, err, ErrInvoiceAlreadyPaid)
	})
}

func TestInitiateGatewayDownLeavesNoPayment(t *testing.T) {
	env := newTestEnv(t)
	inv := env.seedInvoice(t, "tenant-1", 112000)
	env.gateway.unreachable = true

	_, err := env.service.Initiate(context.Background(), "tenant-1", inv.ID, MethodGCash)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	payments, err := env.store.ListPaymentsByInvoice(context.Background(), "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Empty(t, env.publisher.published())
}

func TestReconcileCapturesAndFinalizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, out.Status)
	assert.True(t, out.RevenueCreated)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, p.Status)
	assert.NotEmpty(t, p.GatewayPaymentID)
	require.NotNil(t, p.CompletedAt)

	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
	assert.Equal(t, int64(112000), got.PaidAmount.AmountMinor)

	rev, err := env.store.GetRevenueByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(112000), rev.GrossAmount.AmountMinor)
	assert.Equal(t, int64(12000), rev.TaxAmount.AmountMinor)
	assert.Equal(t, int64(100000), rev.NetAmount.AmountMinor)

	assert.Equal(t, []string{SubjectPaymentInitiated, SubjectPaymentCompleted}, env.publisher.published())
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	first, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, first.Status)

	second, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, second.Status)
	assert.True(t, second.RevenueCreated)
	assert.Equal(t, "already finalized", second.Message)

	// No second capture, no second revenue, no double invoice credit.
	assert.Equal(t, 1, env.gateway.captureCount())
	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(112000), got.PaidAmount.AmountMinor)
	assert.Equal(t, []string{SubjectPaymentInitiated, SubjectPaymentCompleted}, env.publisher.published())
}

func TestReconcileCaptureDeclined(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)
	env.gateway.declineAll = true

	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, out.Status)
	assert.False(t, out.RevenueCreated)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, p.Status)
	assert.Equal(t, "CAPTURE_DECLINED", p.ErrorCode)

	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, got.PaidAmount.IsZero(), "declined capture must not credit the invoice")
	_, err = env.store.GetRevenueByPaymentID(ctx, p.ID)
	assert.Error(t, err)
}

func TestReconcileAlreadyCapturedSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)
	env.gateway.setState(res.SourceID, SourcePaid)

	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, out.Status)
	assert.True(t, out.RevenueCreated)
	assert.Equal(t, 0, env.gateway.captureCount(), "paid source must not be captured again")

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, "gwpay_"+res.SourceID, p.GatewayPaymentID)
}

func TestReconcilePendingSourceWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)
	env.gateway.setState(res.SourceID, SourcePending)

	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, out.Status)
	assert.False(t, out.RevenueCreated)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
}

func TestReconcileFailedAndExpiredSources(t *testing.T) {
	for _, state := range []SourceState{SourceFailed, SourceExpired} {
		t.Run(string(state), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			inv := env.seedInvoice(t, "tenant-1", 112000)
			res := env.initiate(t, "tenant-1", inv.ID)
			env.gateway.setState(res.SourceID, state)

			out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
			require.NoError(t, err)
			assert.Equal(t, PaymentFailed, out.Status)

			p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
			require.NoError(t, err)
			assert.Equal(t, PaymentFailed, p.Status)
			assert.NotEmpty(t, p.ErrorCode)

			got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
			require.NoError(t, err)
			assert.True(t, got.PaidAmount.IsZero())
		})
	}
}

func TestReconcileGatewayDownStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)
	env.gateway.unreachable = true

	_, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status, "outage must leave the payment retryable")

	// The retry succeeds once the gateway is back.
	env.gateway.unreachable = false
	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, out.Status)
}

func TestReconcileUnknownSource(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.Reconcile(context.Background(), "tenant-1", "src_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestReconcileTenantMismatch(t *testing.T) {
	env := newTestEnv(t)
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	_, err := env.service.Reconcile(context.Background(), "tenant-2", res.SourceID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	p, err := env.store.GetPaymentBySourceID(context.Background(), res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
}

func TestConcurrentReconcileCreatesOneRevenue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.Reconcile(ctx, "tenant-1", res.SourceID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	assert.Equal(t, 1, env.gateway.captureCount())

	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(112000), got.PaidAmount.AmountMinor, "paid amount must be credited exactly once")

	env.store.mu.Lock()
	assert.Len(t, env.store.revenues, 1)
	env.store.mu.Unlock()
}

func TestPartiallyPaidInvoiceChargesBalanceOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	env.store.mu.Lock()
	require.NoError(t, env.store.invoices[inv.ID].ApplyPayment(money.New(50000, money.PHP)))
	env.store.mu.Unlock()

	res := env.initiate(t, "tenant-1", inv.ID)
	assert.Equal(t, int64(62000), res.Amount.AmountMinor)

	out, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, out.Status)

	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
	assert.Equal(t, int64(112000), got.PaidAmount.AmountMinor)
}

func TestCancelPendingPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	out, err := env.service.Cancel(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, out.Status)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, p.Status)
	assert.Contains(t, env.publisher.published(), SubjectPaymentCancelled)

	// Cancelling again is a no-op reporting the terminal state.
	again, err := env.service.Cancel(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, again.Status)
	assert.Equal(t, "already finalized", again.Message)
}

func TestCancelCompletedPaymentIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	res := env.initiate(t, "tenant-1", inv.ID)

	_, err := env.service.Reconcile(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)

	out, err := env.service.Cancel(ctx, "tenant-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, out.Status)
	assert.True(t, out.RevenueCreated)

	got, err := env.store.GetInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, got.Status)
}

func TestCancelInvoicePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)

	out, err := env.service.CancelInvoicePayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Empty(t, out.PaymentID)
	assert.Equal(t, "no pending payment to cancel", out.Message)

	res := env.initiate(t, "tenant-1", inv.ID)
	out, err = env.service.CancelInvoicePayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, out.Status)

	p, err := env.store.GetPaymentBySourceID(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, p.Status)
}

func TestReconcileStaleSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invA := env.seedInvoice(t, "tenant-1", 112000)
	resA := env.initiate(t, "tenant-1", invA.ID)

	invB := env.seedInvoice(t, "tenant-1", 56000)
	resB := env.initiate(t, "tenant-1", invB.ID)
	env.gateway.setState(resB.SourceID, SourceExpired)

	// Another tenant's pending payment stays untouched.
	invC := env.seedInvoice(t, "tenant-2", 1000)
	resC := env.initiate(t, "tenant-2", invC.ID)

	out, err := env.service.ReconcileStale(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Scanned)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 0, out.Skipped)

	pA, err := env.store.GetPaymentBySourceID(ctx, resA.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, pA.Status)

	pB, err := env.store.GetPaymentBySourceID(ctx, resB.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, pB.Status)

	pC, err := env.store.GetPaymentBySourceID(ctx, resC.SourceID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, pC.Status)
}

func TestReconcileStaleSkipsOnOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.seedInvoice(t, "tenant-1", 112000)
	env.initiate(t, "tenant-1", inv.ID)
	env.gateway.unreachable = true

	out, err := env.service.ReconcileStale(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Scanned)
	assert.Equal(t, 1, out.Skipped)
}
