package billing

import "errors"

// Workflow errors. Validation errors are rejected before any side effect;
// ErrGatewayUnavailable is retryable and leaves no partial state behind.
var (
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrPaymentNotFound    = errors.New("no matching payment")
	ErrInvoiceAlreadyPaid = errors.New("invoice is already paid")
	ErrInvoiceCancelled   = errors.New("invoice is cancelled")
	ErrNothingDue         = errors.New("invoice has no outstanding balance")
	ErrUnsupportedMethod  = errors.New("unsupported payment method")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidTransition  = errors.New("invalid payment status transition")

	// ErrCaptureDeclined is returned by gateway adapters when the provider
	// actively rejects a capture, as opposed to being unreachable.
	ErrCaptureDeclined = errors.New("capture declined by gateway")
)

// IsValidationError reports whether err is a precondition failure that was
// rejected before any side effect.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvoiceAlreadyPaid) ||
		errors.Is(err, ErrInvoiceCancelled) ||
		errors.Is(err, ErrNothingDue) ||
		errors.Is(err, ErrUnsupportedMethod)
}
