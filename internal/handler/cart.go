package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/engine"
	"github.com/efreitasn/cartcore/internal/service"
)

// CartHandler handles HTTP requests for session and cart endpoints.
type CartHandler struct {
	sessionSvc *service.SessionService
}

// NewCartHandler creates a new CartHandler.
func NewCartHandler(sessionSvc *service.SessionService) *CartHandler {
	return &CartHandler{sessionSvc: sessionSvc}
}

// reservationRequest is the JSON request body for reserve and release.
type reservationRequest struct {
	ItemID string `json:"item_id"`
	Amount int    `json:"amount"`
}

// outcomeResponse is the JSON response for a settled reservation.
type outcomeResponse struct {
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	ItemID     string `json:"item_id"`
	Amount     int    `json:"amount"`
	Stock      int    `json:"stock"`
	CartAmount int    `json:"cart_amount"`
}

// cartLineResponse is a single line in the cart response.
type cartLineResponse struct {
	ItemID       string `json:"item_id"`
	Amount       int    `json:"amount"`
	PendingDelta int    `json:"pending_delta"`
	Effective    int    `json:"effective_amount"`
	UnitPrice    string `json:"unit_price"`
}

// summaryResponse is the JSON response for GET /carts/{user_key}/summary.
type summaryResponse struct {
	TotalItems int    `json:"total_items"`
	TotalPrice string `json:"total_price"`
}

// cartResponse is the JSON response for GET /carts/{user_key}.
type cartResponse struct {
	UserKey string             `json:"user_key"`
	Enabled bool               `json:"enabled"`
	Lines   []cartLineResponse `json:"lines"`
	Summary summaryResponse    `json:"summary"`
}

// orderLineResponse is a single line in the order response.
type orderLineResponse struct {
	ItemID    string `json:"item_id"`
	Amount    int    `json:"amount"`
	UnitPrice string `json:"unit_price"`
}

// orderResponse is the JSON response for POST /carts/{user_key}/checkout.
type orderResponse struct {
	OrderID   string              `json:"order_id"`
	UserKey   string              `json:"user_key"`
	Lines     []orderLineResponse `json:"lines"`
	Total     string              `json:"total"`
	CreatedAt string              `json:"created_at"`
}

func newLinesResponse(lines []domain.CartLine) []cartLineResponse {
	resp := make([]cartLineResponse, 0, len(lines))
	for _, l := range lines {
		resp = append(resp, cartLineResponse{
			ItemID:       l.ItemID,
			Amount:       l.Amount,
			PendingDelta: l.PendingDelta,
			Effective:    l.Effective(),
			UnitPrice:    l.UnitPrice.StringFixed(2),
		})
	}
	return resp
}

func newSummaryResponse(s domain.CartSummary) summaryResponse {
	return summaryResponse{
		TotalItems: s.TotalItems,
		TotalPrice: s.TotalPrice.StringFixed(2),
	}
}

func newCartResponse(v service.CartView) cartResponse {
	return cartResponse{
		UserKey: v.UserKey,
		Enabled: v.Enabled,
		Lines:   newLinesResponse(v.Lines),
		Summary: newSummaryResponse(v.Summary),
	}
}

func newOutcomeResponse(out engine.Outcome) outcomeResponse {
	return outcomeResponse{
		Seq:        out.Seq,
		Kind:       string(out.Kind),
		ItemID:     out.Key.ItemID,
		Amount:     out.Amount,
		Stock:      out.Stock,
		CartAmount: out.CartAmount,
	}
}

// StartSession handles POST /sessions/{user_key}.
func (h *CartHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessionSvc.StartSession(r.Context(), chi.URLParam(r, "user_key"))
	if err != nil {
		mapReservationError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, newCartResponse(view))
}

// EndSession handles DELETE /sessions/{user_key}.
func (h *CartHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionSvc.EndSession(chi.URLParam(r, "user_key")); err != nil {
		mapReservationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCart handles GET /carts/{user_key}.
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, newCartResponse(h.sessionSvc.Cart(chi.URLParam(r, "user_key"))))
}

// GetSummary handles GET /carts/{user_key}/summary.
func (h *CartHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, newSummaryResponse(h.sessionSvc.Summary(chi.URLParam(r, "user_key"))))
}

// Reserve handles POST /carts/{user_key}/reservations.
func (h *CartHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.sessionSvc.Reserve)
}

// Release handles POST /carts/{user_key}/releases.
func (h *CartHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.sessionSvc.Release)
}

type reserveFunc func(ctx context.Context, userKey, itemID string, amount int) (engine.Outcome, error)

// settle runs a reservation and writes its outcome. The request waits for
// the outcome; a client that disconnects first does not cancel it.
func (h *CartHandler) settle(w http.ResponseWriter, r *http.Request, fn reserveFunc) {
	var req reservationRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	out, err := fn(r.Context(), chi.URLParam(r, "user_key"), req.ItemID, req.Amount)
	if err != nil {
		mapReservationError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, newOutcomeResponse(out))
}

// Checkout handles POST /carts/{user_key}/checkout.
func (h *CartHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	order, err := h.sessionSvc.Checkout(r.Context(), chi.URLParam(r, "user_key"))
	if err != nil {
		mapReservationError(w, err)
		return
	}

	lines := make([]orderLineResponse, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, orderLineResponse{
			ItemID:    l.ItemID,
			Amount:    l.Amount,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	WriteJSON(w, http.StatusCreated, orderResponse{
		OrderID:   order.OrderID,
		UserKey:   order.UserKey,
		Lines:     lines,
		Total:     order.Total.StringFixed(2),
		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// mapReservationError maps service errors to HTTP error responses. A
// caller that stopped waiting gets 202: the change keeps settling.
func mapReservationError(w http.ResponseWriter, err error) {
	switch {
	case WriteDomainError(w, err):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		WriteError(w, http.StatusAccepted, "pending", "The change is still being confirmed")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
