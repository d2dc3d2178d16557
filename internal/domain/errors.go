package domain

import "errors"

// Sentinel errors for the consistency core.
// The handler layer maps these to HTTP status codes; the remote client maps
// transport failures onto them.
var (
	ErrInsufficientStock  = errors.New("insufficient_stock")
	ErrInsufficientAmount = errors.New("insufficient_cart_amount")
	ErrStockUnknown       = errors.New("stock_unknown")
	ErrConflict           = errors.New("conflict")
	ErrNetwork            = errors.New("network_error")
	ErrTimeout            = errors.New("timeout")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStaleResponse      = errors.New("stale_response")
	ErrLedgerInvariant    = errors.New("ledger_invariant_violation")
	ErrOperationsPending  = errors.New("operations_pending")
	ErrEmptyCart          = errors.New("empty_cart")
	ErrSessionEnded       = errors.New("session_ended")

	// Authority-side reasons. They reach callers wrapped in ErrConflict.
	ErrCartDisabled     = errors.New("cart_disabled")
	ErrItemDiscontinued = errors.New("item_discontinued")
	ErrItemNotFound     = errors.New("item_not_found")
	ErrOrderNotFound    = errors.New("order_not_found")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsRetryable reports whether err is a transport failure the caller may
// retry manually.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
