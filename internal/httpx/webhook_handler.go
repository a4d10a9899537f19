package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/metrics"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
)

const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

type PaymentReconciler interface {
	HandlePaymentSuccess(ctx context.Context, orderID, eventID, trace string) error
	HandlePaymentFailure(ctx context.Context, orderID, eventID, trace string) error
}

// WebhookHandler is the payment-notification boundary. It verifies the
// provider signature before acting and acknowledges everything else with
// 200 so the provider stops retrying; only infrastructure failures return
// 5xx, which the idempotent reconciler tolerates on redelivery.
type WebhookHandler struct {
	Reconciler PaymentReconciler
	Secret     []byte
	Tolerance  time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		OrderID    string `json:"order_id"`
		PaymentRef string `json:"payment_ref"`
	} `json:"data"`
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/webhooks/payment", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := r.Header.Get(payments.SignatureHeader)
	if sig == "" {
		h.Metrics.IncWebhook("unknown", "bad_signature")
		writeError(w, http.StatusBadRequest, "missing signature header")
		return
	}
	if err := payments.VerifySignature(h.Secret, sig, body, time.Now(), h.Tolerance); err != nil {
		h.Metrics.IncWebhook("unknown", "bad_signature")
		h.Log.Warn("webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	trace := middleware.GetReqID(r.Context())
	h.Log.Info("payment notification received",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("order_id", ev.Data.OrderID))

	if ev.Data.OrderID == "" {
		// Still acknowledged; nothing to resolve it against.
		h.Metrics.IncWebhook(ev.Type, "no_order")
		h.Log.Warn("payment notification without order id", zap.String("event_id", ev.ID))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	switch ev.Type {
	case eventPaymentSucceeded:
		err = h.Reconciler.HandlePaymentSuccess(r.Context(), ev.Data.OrderID, ev.ID, trace)
	case eventPaymentFailed:
		err = h.Reconciler.HandlePaymentFailure(r.Context(), ev.Data.OrderID, ev.ID, trace)
	default:
		h.Metrics.IncWebhook(ev.Type, "unhandled")
		h.Log.Info("unhandled notification type", zap.String("type", ev.Type))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err != nil {
		// Infrastructure failure: let the provider redeliver.
		h.Metrics.IncWebhook(ev.Type, "error")
		h.Log.Error("reconciliation failed", zap.String("order_id", ev.Data.OrderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	h.Metrics.IncWebhook(ev.Type, "ok")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
