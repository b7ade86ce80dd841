package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"docflow/internal/billing"
	"docflow/internal/common/api"
	"docflow/internal/common/database"
	"docflow/internal/common/middleware"
	"docflow/internal/common/money"
)

// Handler handles billing HTTP requests
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// The gateway redirects the payer here without a tenant header; the
	// source id alone identifies the payment.
	r.Get("/payments/callback", h.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireTenant)

		// Invoice routes
		r.Post("/invoices", h.CreateInvoice)
		r.Get("/invoices/{id}", h.GetInvoice)
		r.Get("/invoices/{id}/payments", h.ListPayments)
		r.Post("/invoices/{id}/payments", h.InitiatePayment)
		r.Post("/invoices/{id}/payments/cancel", h.CancelInvoicePayment)

		// Payment routes, keyed by gateway source id
		r.Post("/payments/reconcile-stale", h.ReconcileStale)
		r.Get("/payments/{sourceID}", h.GetPayment)
		r.Get("/payments/{sourceID}/revenue", h.GetRevenue)
		r.Post("/payments/{sourceID}/reconcile", h.ReconcilePayment)
		r.Post("/payments/{sourceID}/cancel", h.CancelPayment)
	})

	return r
}

// CreateInvoiceRequest is the API request for registering an invoice
type CreateInvoiceRequest struct {
	SubscriptionID string      `json:"subscription_id" validate:"required,max=50"`
	TotalAmount    money.Money `json:"total_amount" validate:"required"`
	DueAt          *time.Time  `json:"due_at"`
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), &billing.CreateInvoiceRequest{
		TenantID:       tenantID,
		SubscriptionID: req.SubscriptionID,
		TotalAmount:    req.TotalAmount,
		DueAt:          req.DueAt,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to create invoice")
		return
	}

	api.WriteData(w, http.StatusCreated, inv)
}

// GetInvoice handles GET /invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	inv, err := h.service.GetInvoice(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to get invoice")
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// ListPayments handles GET /invoices/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	payments, err := h.service.ListPayments(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to list payments")
		return
	}
	if payments == nil {
		payments = []*billing.Payment{}
	}

	api.WriteData(w, http.StatusOK, payments)
}

// InitiatePaymentRequest is the API request for starting a payment
type InitiatePaymentRequest struct {
	Method string `json:"method" validate:"required,oneof=gcash grab_pay paymaya"`
}

// InitiatePayment handles POST /invoices/{id}/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.Initiate(r.Context(), tenantID, chi.URLParam(r, "id"), billing.Method(req.Method))
	if err != nil {
		h.writeServiceError(w, err, "failed to initiate payment")
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// PaymentCallback handles GET /payments/callback
//
// The gateway redirects the payer here after checkout with the source id in
// the query string. The redirect carries no tenant header, so tenant scoping
// is skipped; the source id alone identifies the payment. A gateway outage on
// this path degrades to "still processing" because the payer cannot retry a
// redirect, the stale sweep picks the payment up later.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		api.BadRequest(w, "source query parameter required")
		return
	}

	result, err := h.service.Reconcile(r.Context(), "", sourceID)
	if err != nil {
		if errors.Is(err, billing.ErrGatewayUnavailable) {
			api.WriteData(w, http.StatusOK, &billing.ReconcileResult{
				Status:  billing.PaymentPending,
				Message: "payment still processing",
			})
			return
		}
		h.writeServiceError(w, err, "failed to process callback")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// ReconcilePayment handles POST /payments/{sourceID}/reconcile
func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	result, err := h.service.Reconcile(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		h.writeServiceError(w, err, "failed to reconcile payment")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// CancelPayment handles POST /payments/{sourceID}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	result, err := h.service.Cancel(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		h.writeServiceError(w, err, "failed to cancel payment")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// CancelInvoicePayment handles POST /invoices/{id}/payments/cancel
func (h *Handler) CancelInvoicePayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	result, err := h.service.CancelInvoicePayment(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to cancel payment")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// GetPayment handles GET /payments/{sourceID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	p, err := h.service.GetPayment(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		h.writeServiceError(w, err, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// GetRevenue handles GET /payments/{sourceID}/revenue
func (h *Handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	p, err := h.service.GetPayment(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		h.writeServiceError(w, err, "failed to get payment")
		return
	}

	rev, err := h.service.GetRevenue(r.Context(), p.ID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get revenue")
		return
	}

	api.WriteData(w, http.StatusOK, rev)
}

// ReconcileStale handles POST /payments/reconcile-stale
func (h *Handler) ReconcileStale(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	result, err := h.service.ReconcileStale(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, err, "failed to sweep stale payments")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrPaymentNotFound),
		database.IsNotFound(err):
		api.NotFound(w, err.Error())
	case billing.IsValidationError(err):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case errors.Is(err, billing.ErrGatewayUnavailable):
		api.ServiceUnavailable(w, err.Error())
	case errors.Is(err, database.ErrAlreadyExists), errors.Is(err, database.ErrConflict):
		api.Conflict(w, err.Error())
	default:
		api.InternalError(w, fallback)
	}
}
