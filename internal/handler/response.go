package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/efreitasn/cartcore/internal/domain"
)

// errorResponse is the body of every error answer. Error is a snake_case
// code; for domain errors it is the sentinel's text, which the remote
// client maps back.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errBadBody = errors.New("Request body must be valid JSON with Content-Type: application/json")

// WriteJSON encodes data as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorResponse{Error: code, Message: message})
}

// ParseJSON decodes a JSON request body into v. Other content types,
// malformed bodies and unknown fields are rejected.
func ParseJSON(r *http.Request, v any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return errBadBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

type domainStatus struct {
	err     error
	status  int
	message string
}

// domainStatuses is matched in order. Reasons come before ErrConflict so a
// rejection reports why it happened.
var domainStatuses = []domainStatus{
	{domain.ErrItemNotFound, http.StatusNotFound, "Item not found"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "Order not found"},
	{domain.ErrStockUnknown, http.StatusNotFound, "Stock for this item has not been loaded"},
	{domain.ErrCartDisabled, http.StatusConflict, "The cart has been disabled"},
	{domain.ErrItemDiscontinued, http.StatusConflict, "The item is no longer sold"},
	{domain.ErrSessionEnded, http.StatusConflict, "The session ended before the change was sent"},
	{domain.ErrInsufficientStock, http.StatusConflict, "Not enough stock for this reservation"},
	{domain.ErrInsufficientAmount, http.StatusConflict, "The cart does not hold that many items"},
	{domain.ErrOperationsPending, http.StatusConflict, "Wait for pending cart changes to settle"},
	{domain.ErrEmptyCart, http.StatusUnprocessableEntity, "The cart is empty"},
	{domain.ErrConflict, http.StatusConflict, "The change was rejected and local state was refreshed"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "The authority rejected the credentials"},
	{domain.ErrTimeout, http.StatusGatewayTimeout, "The authority did not answer in time"},
	{domain.ErrNetwork, http.StatusBadGateway, "The authority could not be reached"},
}

// WriteDomainError answers with the status and code of a domain error. It
// writes nothing and returns false for any other error.
func WriteDomainError(w http.ResponseWriter, err error) bool {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		WriteError(w, http.StatusBadRequest, "validation_error", ve.Message)
		return true
	}
	for _, ds := range domainStatuses {
		if errors.Is(err, ds.err) {
			WriteError(w, ds.status, ds.err.Error(), ds.message)
			return true
		}
	}
	return false
}
