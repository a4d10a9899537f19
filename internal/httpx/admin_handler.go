package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	kafkax "github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/kafka"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/redisx"
)

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// AdminHandler owns the boundary-level capability check: a shared bearer
// token. The core packages never see roles; they only get the actor id for
// audit attribution.
type AdminHandler struct {
	Repo     *orders.Repo
	Audit    audit.Emitter
	Redis    *redis.Client
	Producer Publisher // order.cancelled
	Token    string
	Service  string
	Log      *zap.Logger
}

func (h *AdminHandler) Register(r *chi.Mux) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(h.requireToken)
		ar.Post("/orders/{id}/status", h.updateStatus)
		ar.Patch("/inventory/{productID}", h.adjustInventory)
	})
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type updateStatusReq struct {
	TargetStatus orders.Status `json:"target_status"`
}

func (h *AdminHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req updateStatusReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !orders.KnownStatus(req.TargetStatus) {
		writeError(w, http.StatusBadRequest, "unknown target status")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	before, err := h.Repo.UpdateStatus(ctx, orderID, req.TargetStatus)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, orders.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.Log.Error("status update", zap.String("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	_ = h.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()

	if err := h.Audit.Emit(ctx, audit.Record{
		ActorID:    r.Header.Get("X-Actor-Id"),
		Action:     audit.ActionOrderStatusChanged,
		EntityType: audit.EntityOrder,
		EntityID:   orderID,
		Before:     map[string]any{"status": before},
		After:      map[string]any{"status": req.TargetStatus},
	}); err != nil {
		h.Log.Error("audit emit", zap.String("order_id", orderID), zap.Error(err))
	}
	if req.TargetStatus == orders.StatusCancelled {
		h.publishCancelled(orderID, "cancelled by operator", middleware.GetReqID(r.Context()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"from":     before,
		"to":       req.TargetStatus,
	})
}

func (h *AdminHandler) publishCancelled(orderID, reason, trace string) {
	if h.Producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCancelled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.OrderCancelledPayload{OrderID: orderID, Reason: reason}),
	}
	h.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCancelled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

type adjustInventoryReq struct {
	AvailableQuantity *int `json:"available_quantity"`
	AdjustQuantity    *int `json:"adjust_quantity"`
}

func (h *AdminHandler) adjustInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	var req adjustInventoryReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AvailableQuantity == nil && req.AdjustQuantity == nil {
		writeError(w, http.StatusBadRequest, "provide available_quantity or adjust_quantity")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	before, after, err := h.Repo.AdjustInventory(ctx, productID, req.AvailableQuantity, req.AdjustQuantity)
	switch {
	case errors.Is(err, orders.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product not found")
		return
	case errors.Is(err, orders.ErrNegativeInventory):
		writeError(w, http.StatusBadRequest, "available quantity cannot go negative")
		return
	case err != nil:
		h.Log.Error("inventory adjust", zap.String("product_id", productID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.Audit.Emit(ctx, audit.Record{
		ActorID:    r.Header.Get("X-Actor-Id"),
		Action:     audit.ActionInventoryUpdated,
		EntityType: audit.EntityInventory,
		EntityID:   productID,
		Before:     map[string]any{"available": before.Available, "reserved": before.Reserved},
		After:      map[string]any{"available": after.Available, "reserved": after.Reserved},
	}); err != nil {
		h.Log.Error("audit emit", zap.String("product_id", productID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, after)
}
