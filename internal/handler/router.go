package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/cartcore/internal/engine"
	"github.com/efreitasn/cartcore/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware. gatherer may be nil, in which case
// /metrics is not served.
func NewRouter(
	sessionSvc *service.SessionService,
	coord *engine.Coordinator,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(RequestLogging(logger))
	r.Use(ContentTypeJSON)

	cartH := NewCartHandler(sessionSvc)
	stockH := NewStockHandler(sessionSvc)
	streamH := NewStreamHandler(coord, logger)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Stock routes.
	r.Get("/items/{item_id}/stock", stockH.GetStock)
	r.Post("/catalog/load", stockH.LoadCatalog)

	// Session routes.
	r.Post("/sessions/{user_key}", cartH.StartSession)
	r.Delete("/sessions/{user_key}", cartH.EndSession)

	// Cart routes.
	r.Get("/carts/{user_key}", cartH.GetCart)
	r.Get("/carts/{user_key}/summary", cartH.GetSummary)
	r.Post("/carts/{user_key}/reservations", cartH.Reserve)
	r.Post("/carts/{user_key}/releases", cartH.Release)
	r.Post("/carts/{user_key}/checkout", cartH.Checkout)

	// Stream routes.
	r.Get("/streams/items/{item_id}/stock", streamH.Stock)
	r.Get("/streams/carts/{user_key}", streamH.Cart)
	r.Get("/streams/carts/{user_key}/summary", streamH.Summary)

	return r
}

// RequestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func RequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// streams need for flushing and deadlines.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ContentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
