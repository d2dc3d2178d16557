package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/cartcore/internal/service"
)

// StockHandler handles HTTP requests for stock endpoints.
type StockHandler struct {
	sessionSvc *service.SessionService
}

// NewStockHandler creates a new StockHandler.
func NewStockHandler(sessionSvc *service.SessionService) *StockHandler {
	return &StockHandler{sessionSvc: sessionSvc}
}

// stockResponse is the JSON response for GET /items/{item_id}/stock.
type stockResponse struct {
	ItemID string `json:"item_id"`
	Stock  int    `json:"stock"`
}

// loadCatalogRequest is the JSON request body for POST /catalog/load.
type loadCatalogRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// GetStock handles GET /items/{item_id}/stock.
func (h *StockHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	n, err := h.sessionSvc.Stock(r.Context(), itemID)
	if err != nil {
		mapReservationError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stockResponse{ItemID: itemID, Stock: n})
}

// LoadCatalog handles POST /catalog/load.
func (h *StockHandler) LoadCatalog(w http.ResponseWriter, r *http.Request) {
	var req loadCatalogRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if len(req.ItemIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "item_ids must not be empty")
		return
	}
	if err := h.sessionSvc.LoadCatalog(r.Context(), req.ItemIDs); err != nil {
		mapReservationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
