// Package ewallet adapts a hosted e-wallet checkout provider (GCash, GrabPay,
// Maya style source/payment API) to the billing gateway contract.
package ewallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"docflow/internal/billing"
	"docflow/internal/common/money"
)

// Config holds e-wallet provider configuration.
type Config struct {
	BaseURL   string        `envconfig:"EWALLET_BASE_URL" default:"https://api.ewallet.example"`
	SecretKey string        `envconfig:"EWALLET_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"EWALLET_TIMEOUT" default:"30s"`
}

// Adapter implements the billing gateway against the provider's REST API.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new e-wallet adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// rawStatuses observed from the provider, normalized at this boundary.
var sourceStates = map[string]billing.SourceState{
	"pending":    billing.SourcePending,
	"chargeable": billing.SourceChargeable,
	"consumed":   billing.SourcePaid,
	"paid":       billing.SourcePaid,
	"failed":     billing.SourceFailed,
	"cancelled":  billing.SourceFailed,
	"expired":    billing.SourceExpired,
}

type sourceResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url"`
	PaymentID   string `json:"payment_id"`
}

type paymentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Source string `json:"source"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a provider rejection, as opposed to the provider being down.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider rejected request: status=%d code=%s: %s", e.status, e.code, e.msg)
}

// CreateIntent creates a payment source the payer authorizes on the
// provider's checkout pages.
func (a *Adapter) CreateIntent(ctx context.Context, req *billing.CreateIntentRequest) (*billing.CreateIntentResult, error) {
	apiReq := map[string]any{
		"type":        string(req.Method),
		"amount":      req.Amount.AmountMinor,
		"currency":    req.Amount.Currency,
		"description": req.Description,
		"redirect": map[string]string{
			"success": req.SuccessURL,
			"failed":  req.FailureURL,
		},
	}

	var resp sourceResponse
	if err := a.do(ctx, http.MethodPost, "/v1/sources", apiReq, &resp); err != nil {
		return nil, err
	}

	a.logger.Info("gateway source created",
		"source_id", resp.ID,
		"method", req.Method,
		"amount", req.Amount.AmountMinor,
	)

	return &billing.CreateIntentResult{
		SourceID:    resp.ID,
		CheckoutURL: resp.CheckoutURL,
	}, nil
}

// QueryStatus retrieves the current state of a source.
func (a *Adapter) QueryStatus(ctx context.Context, sourceID string) (*billing.SourceStatus, error) {
	var resp sourceResponse
	if err := a.do(ctx, http.MethodGet, "/v1/sources/"+sourceID, nil, &resp); err != nil {
		return nil, err
	}

	state, ok := sourceStates[resp.Status]
	if !ok {
		return nil, fmt.Errorf("unrecognized source status %q for %s", resp.Status, sourceID)
	}

	return &billing.SourceStatus{
		State:     state,
		PaymentID: resp.PaymentID,
		Method:    resp.Type,
		RawStatus: resp.Status,
	}, nil
}

// Capture charges a chargeable source. A 4xx from the provider is an active
// decline and surfaces as ErrCaptureDeclined; anything else is treated as the
// gateway being unreachable so the caller can retry.
func (a *Adapter) Capture(ctx context.Context, sourceID string, amount money.Money, description string) (*billing.CaptureResult, error) {
	apiReq := map[string]any{
		"source":      sourceID,
		"amount":      amount.AmountMinor,
		"currency":    amount.Currency,
		"description": description,
	}

	var resp paymentResponse
	if err := a.do(ctx, http.MethodPost, "/v1/payments", apiReq, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s", billing.ErrCaptureDeclined, apiErr.msg)
		}
		return nil, err
	}

	a.logger.Info("gateway capture succeeded",
		"source_id", sourceID,
		"payment_id", resp.ID,
	)

	return &billing.CaptureResult{
		PaymentID: resp.ID,
		Method:    resp.Source,
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Basic "+basicAuth(a.config.SecretKey))

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("provider error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}
	if httpResp.StatusCode >= 400 {
		var parsed errorResponse
		_ = json.Unmarshal(respBody, &parsed)
		msg := parsed.Error.Message
		if msg == "" {
			msg = string(respBody)
		}
		return &apiError{status: httpResp.StatusCode, code: parsed.Error.Code, msg: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// The provider uses the secret key as a basic-auth username with no password.
func basicAuth(secretKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(secretKey + ":"))
}
