// Package sandbox is an in-memory gateway for local development and tests.
// Sources move through the same pending/chargeable/paid lifecycle as the real
// provider, driven by test hooks instead of payer action.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"docflow/internal/billing"
	"docflow/internal/common/money"
)

type source struct {
	id        string
	method    billing.Method
	amount    money.Money
	state     billing.SourceState
	paymentID string
}

// Adapter implements the billing gateway in memory.
type Adapter struct {
	mu          sync.Mutex
	sources     map[string]*source
	unreachable bool
	declineAll  bool
}

// NewAdapter creates a new sandbox adapter. New sources start chargeable, as
// if the payer authorized checkout immediately.
func NewAdapter() *Adapter {
	return &Adapter{sources: make(map[string]*source)}
}

// CreateIntent creates an in-memory source in the chargeable state.
func (a *Adapter) CreateIntent(ctx context.Context, req *billing.CreateIntentRequest) (*billing.CreateIntentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unreachable {
		return nil, errors.New("sandbox gateway unreachable")
	}

	id := "src_" + ulid.Make().String()
	a.sources[id] = &source{
		id:     id,
		method: req.Method,
		amount: req.Amount,
		state:  billing.SourceChargeable,
	}

	return &billing.CreateIntentResult{
		SourceID:    id,
		CheckoutURL: "https://sandbox.invalid/checkout/" + id,
	}, nil
}

// QueryStatus returns the current state of a source.
func (a *Adapter) QueryStatus(ctx context.Context, sourceID string) (*billing.SourceStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unreachable {
		return nil, errors.New("sandbox gateway unreachable")
	}

	src, ok := a.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("unknown source %s", sourceID)
	}

	return &billing.SourceStatus{
		State:     src.state,
		PaymentID: src.paymentID,
		Method:    string(src.method),
		RawStatus: string(src.state),
	}, nil
}

// Capture charges a chargeable source exactly once.
func (a *Adapter) Capture(ctx context.Context, sourceID string, amount money.Money, description string) (*billing.CaptureResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unreachable {
		return nil, errors.New("sandbox gateway unreachable")
	}

	src, ok := a.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("unknown source %s", sourceID)
	}
	if a.declineAll {
		return nil, fmt.Errorf("%w: sandbox configured to decline", billing.ErrCaptureDeclined)
	}
	if src.state != billing.SourceChargeable {
		return nil, fmt.Errorf("%w: source %s is %s", billing.ErrCaptureDeclined, sourceID, src.state)
	}
	if !src.amount.Equal(amount) {
		return nil, fmt.Errorf("%w: amount mismatch for source %s", billing.ErrCaptureDeclined, sourceID)
	}

	src.state = billing.SourcePaid
	src.paymentID = "pay_" + ulid.Make().String()

	return &billing.CaptureResult{
		PaymentID: src.paymentID,
		Method:    string(src.method),
	}, nil
}

// SetState forces a source into a given state.
func (a *Adapter) SetState(sourceID string, state billing.SourceState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if src, ok := a.sources[sourceID]; ok {
		src.state = state
		if state == billing.SourcePaid && src.paymentID == "" {
			src.paymentID = "pay_" + ulid.Make().String()
		}
	}
}

// FailCaptures makes every subsequent capture decline.
func (a *Adapter) FailCaptures(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.declineAll = fail
}

// SetUnreachable simulates a gateway outage.
func (a *Adapter) SetUnreachable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unreachable = down
}
