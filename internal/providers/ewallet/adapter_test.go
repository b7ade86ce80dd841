package ewallet

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/billing"
	"docflow/internal/common/money"
)

func testAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAdapter(Config{
		BaseURL:   srv.URL,
		SecretKey: "sk_test_123",
		Timeout:   time.Second,
	}, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestCreateIntent(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sources", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(sourceResponse{
			ID:          "src_abc",
			Type:        "gcash",
			Status:      "pending",
			CheckoutURL: "https://checkout.example/src_abc",
		})
	}))

	res, err := adapter.CreateIntent(context.Background(), &billing.CreateIntentRequest{
		TenantID:    "tenant-1",
		Amount:      money.New(112000, money.PHP),
		Method:      billing.MethodGCash,
		SuccessURL:  "https://app.example/success",
		FailureURL:  "https://app.example/failed",
		Description: "Subscription invoice INV1",
	})
	require.NoError(t, err)

	assert.Equal(t, "src_abc", res.SourceID)
	assert.Equal(t, "https://checkout.example/src_abc", res.CheckoutURL)
	assert.Equal(t, "Basic "+basicAuth("sk_test_123"), gotAuth)
	assert.Equal(t, "gcash", gotBody["type"])
	assert.Equal(t, float64(112000), gotBody["amount"])
	assert.Equal(t, "PHP", gotBody["currency"])
}

func TestQueryStatusNormalizesVocabulary(t *testing.T) {
	tests := []struct {
		raw  string
		want billing.SourceState
	}{
		{raw: "pending", want: billing.SourcePending},
		{raw: "chargeable", want: billing.SourceChargeable},
		{raw: "consumed", want: billing.SourcePaid},
		{raw: "paid", want: billing.SourcePaid},
		{raw: "failed", want: billing.SourceFailed},
		{raw: "cancelled", want: billing.SourceFailed},
		{raw: "expired", want: billing.SourceExpired},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/sources/src_1", r.URL.Path)
				json.NewEncoder(w).Encode(sourceResponse{ID: "src_1", Status: tt.raw})
			}))

			status, err := adapter.QueryStatus(context.Background(), "src_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.State)
			assert.Equal(t, tt.raw, status.RawStatus)
		})
	}
}

func TestQueryStatusRejectsUnknownVocabulary(t *testing.T) {
	adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sourceResponse{ID: "src_1", Status: "definitely_new"})
	}))

	_, err := adapter.QueryStatus(context.Background(), "src_1")
	assert.Error(t, err)
}

func TestCaptureSuccess(t *testing.T) {
	adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payments", r.URL.Path)
		json.NewEncoder(w).Encode(paymentResponse{ID: "pay_1", Status: "paid", Source: "gcash"})
	}))

	res, err := adapter.Capture(context.Background(), "src_1", money.New(112000, money.PHP), "Subscription invoice INV1")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", res.PaymentID)
}

func TestCaptureDeclineIsNotAnOutage(t *testing.T) {
	adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "insufficient_funds", "message": "wallet balance too low"},
		})
	}))

	_, err := adapter.Capture(context.Background(), "src_1", money.New(112000, money.PHP), "desc")
	assert.ErrorIs(t, err, billing.ErrCaptureDeclined)
	assert.Contains(t, err.Error(), "wallet balance too low")
}

func TestServerErrorIsNotADecline(t *testing.T) {
	adapter := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := adapter.Capture(context.Background(), "src_1", money.New(112000, money.PHP), "desc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrCaptureDeclined)
}
