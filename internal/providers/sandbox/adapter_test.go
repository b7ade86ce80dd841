package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/billing"
	"docflow/internal/common/money"
)

func createSource(t *testing.T, a *Adapter) string {
	t.Helper()
	res, err := a.CreateIntent(context.Background(), &billing.CreateIntentRequest{
		TenantID: "tenant-1",
		Amount:   money.New(112000, money.PHP),
		Method:   billing.MethodGCash,
	})
	require.NoError(t, err)
	return res.SourceID
}

func TestSourceLifecycle(t *testing.T) {
	a := NewAdapter()
	ctx := context.Background()
	id := createSource(t, a)

	status, err := a.QueryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.SourceChargeable, status.State)

	captured, err := a.Capture(ctx, id, money.New(112000, money.PHP), "test")
	require.NoError(t, err)
	assert.NotEmpty(t, captured.PaymentID)

	status, err = a.QueryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.SourcePaid, status.State)
	assert.Equal(t, captured.PaymentID, status.PaymentID)
}

func TestCaptureOnlyOnce(t *testing.T) {
	a := NewAdapter()
	ctx := context.Background()
	id := createSource(t, a)

	_, err := a.Capture(ctx, id, money.New(112000, money.PHP), "test")
	require.NoError(t, err)

	_, err = a.Capture(ctx, id, money.New(112000, money.PHP), "test")
	assert.ErrorIs(t, err, billing.ErrCaptureDeclined)
}

func TestCaptureAmountMustMatch(t *testing.T) {
	a := NewAdapter()
	id := createSource(t, a)

	_, err := a.Capture(context.Background(), id, money.New(1, money.PHP), "test")
	assert.ErrorIs(t, err, billing.ErrCaptureDeclined)
}

func TestForcedStatesAndOutage(t *testing.T) {
	a := NewAdapter()
	ctx := context.Background()
	id := createSource(t, a)

	a.SetState(id, billing.SourceExpired)
	status, err := a.QueryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.SourceExpired, status.State)

	a.FailCaptures(true)
	_, err = a.Capture(ctx, id, money.New(112000, money.PHP), "test")
	assert.ErrorIs(t, err, billing.ErrCaptureDeclined)

	a.SetUnreachable(true)
	_, err = a.QueryStatus(ctx, id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrCaptureDeclined)

	_, err = a.CreateIntent(ctx, &billing.CreateIntentRequest{Amount: money.New(1, money.PHP)})
	assert.Error(t, err)
}
