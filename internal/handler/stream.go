package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/engine"
)

// keepAliveInterval is how often an idle stream sends a comment line.
const keepAliveInterval = 15 * time.Second

// StreamHandler serves bus subscriptions as server-sent events. A client
// disconnecting closes only its subscription.
type StreamHandler struct {
	coord  *engine.Coordinator
	logger *slog.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(coord *engine.Coordinator, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{coord: coord, logger: logger}
}

type stockEvent struct {
	ItemID string `json:"item_id"`
	Stock  int    `json:"stock"`
}

type cartEvent struct {
	UserKey string             `json:"user_key"`
	Lines   []cartLineResponse `json:"lines"`
}

// Stock handles GET /streams/items/{item_id}/stock.
func (h *StreamHandler) Stock(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	serve(h, w, r, "stock", h.coord.ObserveStock(itemID), func(v int) any {
		return stockEvent{ItemID: itemID, Stock: v}
	})
}

// Cart handles GET /streams/carts/{user_key}.
func (h *StreamHandler) Cart(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "user_key")
	serve(h, w, r, "cart", h.coord.ObserveCart(userKey), func(lines []domain.CartLine) any {
		return cartEvent{UserKey: userKey, Lines: newLinesResponse(lines)}
	})
}

// Summary handles GET /streams/carts/{user_key}/summary.
func (h *StreamHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sub := h.coord.ObserveSummary(chi.URLParam(r, "user_key"))
	if sub == nil {
		WriteError(w, http.StatusNotFound, "not_found", "Cart summaries are not published")
		return
	}
	serve(h, w, r, "summary", sub, func(s domain.CartSummary) any {
		return newSummaryResponse(s)
	})
}

// serve writes every event of sub until the client goes away.
func serve[V any](h *StreamHandler, w http.ResponseWriter, r *http.Request, name string, sub *bus.Subscription[V], render func(V) any) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("clear stream write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("stream flush unsupported", slog.String("error", err.Error()))
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(render(ev.Value))
			if err != nil {
				h.logger.Error("encode stream event", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
