package authority

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/handler"
	"github.com/efreitasn/cartcore/internal/remote"
)

// NewRouter exposes svc over the JSON protocol the remote client speaks.
// When token is not empty every route except /healthz requires it as a
// bearer token.
func NewRouter(svc *Service, token string, logger *slog.Logger) chi.Router {
	h := &httpHandler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(handler.RequestLogging(logger))
	r.Use(handler.ContentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))

		r.Get("/items/{item_id}/stock", h.getStock)
		r.Post("/carts/{user_key}/reservations", h.postReservation)
		r.Get("/carts/{user_key}", h.getCart)
		r.Post("/carts/{user_key}/orders", h.placeOrder)
		r.Get("/orders/{order_id}", h.getOrder)

		r.Put("/admin/items/{item_id}", h.putItem)
		r.Delete("/admin/items/{item_id}", h.discontinue)
		r.Put("/admin/carts/{user_key}/status", h.setCartStatus)
	})

	return r
}

// requireToken rejects requests without the expected bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				handler.WriteError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error(),
					"A valid bearer token is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type httpHandler struct {
	svc    *Service
	logger *slog.Logger
}

// itemResponse is the JSON response for admin item updates.
type itemResponse struct {
	ItemID       string `json:"item_id"`
	Stock        int    `json:"stock"`
	UnitPrice    string `json:"unit_price"`
	Version      uint64 `json:"version"`
	Discontinued bool   `json:"discontinued"`
}

type putItemRequest struct {
	Stock     *int   `json:"stock"`
	UnitPrice string `json:"unit_price"`
}

type cartStatusRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *httpHandler) getStock(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.FetchStock(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, remote.NewStockResponse(snap))
}

func (h *httpHandler) postReservation(w http.ResponseWriter, r *http.Request) {
	var req remote.ReservationRequest
	if err := handler.ParseJSON(r, &req); err != nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	conf, err := h.svc.PostReservation(r.Context(), domain.ReservationRequest{
		Seq:     req.Seq,
		UserKey: chi.URLParam(r, "user_key"),
		ItemID:  req.ItemID,
		Kind:    domain.Kind(req.Kind),
		Delta:   req.Delta,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, remote.NewConfirmationResponse(conf))
}

func (h *httpHandler) getCart(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.FetchCartSnapshot(r.Context(), chi.URLParam(r, "user_key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, remote.NewCartResponse(snap))
}

func (h *httpHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.PlaceOrder(r.Context(), chi.URLParam(r, "user_key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, remote.NewOrderResponse(order))
}

func (h *httpHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Order(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, remote.NewOrderResponse(order))
}

func (h *httpHandler) putItem(w http.ResponseWriter, r *http.Request) {
	var req putItemRequest
	if err := handler.ParseJSON(r, &req); err != nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if req.Stock == nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", "stock is required")
		return
	}
	price, err := domain.ParsePrice(req.UnitPrice)
	if err != nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	it, err := h.svc.PutItem(r.Context(), chi.URLParam(r, "item_id"), *req.Stock, price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, itemResponse{
		ItemID:       it.ItemID,
		Stock:        it.Stock,
		UnitPrice:    it.UnitPrice.StringFixed(2),
		Version:      it.Version,
		Discontinued: it.Discontinued,
	})
}

func (h *httpHandler) discontinue(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Discontinue(r.Context(), chi.URLParam(r, "item_id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) setCartStatus(w http.ResponseWriter, r *http.Request) {
	var req cartStatusRequest
	if err := handler.ParseJSON(r, &req); err != nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if req.Enabled == nil {
		handler.WriteError(w, http.StatusBadRequest, "validation_error", "enabled is required")
		return
	}
	if err := h.svc.SetCartEnabled(r.Context(), chi.URLParam(r, "user_key"), *req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps service errors to HTTP responses.
func (h *httpHandler) writeError(w http.ResponseWriter, err error) {
	if handler.WriteDomainError(w, err) {
		return
	}
	h.logger.Error("authority request failed", slog.String("error", err.Error()))
	handler.WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
