// Package httpx exposes checkout over HTTP: placing orders, payment webhooks, order
// status, cancellation, refunds and the live event stream.
package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the API routes. events serves /ws and may be nil.
func NewRouter(h *Handler, events http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/checkout", h.PlaceOrder)
	r.Post("/webhooks/payment", h.PaymentWebhook)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.GetOrder)
		r.Get("/steps", h.GetSteps)
		r.Post("/cancel", h.CancelOrder)
		r.Post("/refund", h.RefundOrder)
	})
	if events != nil {
		r.Handle("/ws", events)
	}
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
