package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	kafkax "github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/kafka"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/redisx"
)

// Store is the slice of the order repo the reconciler needs. Both methods
// are atomic and report applied=false for duplicate or out-of-order
// notifications instead of erroring.
type Store interface {
	MarkPaid(ctx context.Context, orderID string) (orders.Order, bool, error)
	MarkFailed(ctx context.Context, orderID string) (orders.Order, bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// KV is the slice of redis the reconciler needs (see redisx.KV). Optional:
// nil disables the notification dedup and the status-cache invalidation.
type KV interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Reconciler applies asynchronous payment outcomes to orders. Safe under
// at-least-once delivery: every entry point tolerates duplicates and never
// moves an order backwards or off a terminal state.
type Reconciler struct {
	Store          Store
	Audit          audit.Emitter
	ProducerPaid   Publisher
	ProducerFailed Publisher
	Redis          KV
	Log            *zap.Logger
	Service        string
}

// HandlePaymentSuccess settles the order and finalizes its reservation.
// Unknown orders and already-settled orders are benign no-ops so the
// webhook boundary can still acknowledge receipt. Only infrastructure
// errors propagate; the caller may retry, the operation is idempotent.
func (r *Reconciler) HandlePaymentSuccess(ctx context.Context, orderID, eventID, trace string) error {
	if r.seen(ctx, eventID) {
		return nil
	}

	order, applied, err := r.Store.MarkPaid(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		r.Log.Warn("payment success for unknown order", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark paid %s: %w", orderID, err)
	}
	if !applied {
		r.Log.Info("payment success ignored",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)))
		return nil
	}
	r.markSeen(ctx, eventID)
	r.invalidateStatus(ctx, orderID)

	if err := r.Audit.Emit(ctx, audit.Record{
		Action:     audit.ActionOrderStatusChanged,
		EntityType: audit.EntityOrder,
		EntityID:   orderID,
		Before:     map[string]any{"status": orders.StatusPaymentPending},
		After:      map[string]any{"status": orders.StatusPaid},
	}); err != nil {
		r.Log.Error("audit emit", zap.String("order_id", orderID), zap.Error(err))
	}

	r.publish(r.ProducerPaid, orders.EventOrderPaid, orderID, trace,
		orders.OrderPaidPayload{OrderID: orderID, AmountCents: order.TotalCents})
	r.Log.Info("order paid", zap.String("order_id", orderID))
	return nil
}

// HandlePaymentFailure releases the reservation of a PAYMENT_PENDING order.
// Any other state means a success already won the race, or this is a
// duplicate; both are no-ops.
func (r *Reconciler) HandlePaymentFailure(ctx context.Context, orderID, eventID, trace string) error {
	if r.seen(ctx, eventID) {
		return nil
	}

	order, applied, err := r.Store.MarkFailed(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		r.Log.Warn("payment failure for unknown order", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", orderID, err)
	}
	if !applied {
		r.Log.Info("payment failure ignored",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)))
		return nil
	}
	r.markSeen(ctx, eventID)
	r.invalidateStatus(ctx, orderID)

	if err := r.Audit.Emit(ctx, audit.Record{
		Action:     audit.ActionOrderStatusChanged,
		EntityType: audit.EntityOrder,
		EntityID:   orderID,
		Before:     map[string]any{"status": orders.StatusPaymentPending},
		After:      map[string]any{"status": orders.StatusFailed},
	}); err != nil {
		r.Log.Error("audit emit", zap.String("order_id", orderID), zap.Error(err))
	}

	r.publish(r.ProducerFailed, orders.EventOrderFailed, orderID, trace,
		orders.OrderFailedPayload{OrderID: orderID, Reason: "PAYMENT_FAILED"})
	r.Log.Info("order failed, reservation released", zap.String("order_id", orderID))
	return nil
}

// seen/markSeen shortcut duplicate notifications via redis. The store-level
// no-op guarantees correctness even when redis is down, so errors here are
// deliberately ignored.
func (r *Reconciler) seen(ctx context.Context, eventID string) bool {
	if r.Redis == nil || eventID == "" {
		return false
	}
	key := fmt.Sprintf(redisx.KeyDedup, "payments", eventID)
	ok, err := r.Redis.Exists(ctx, key)
	return err == nil && ok
}

func (r *Reconciler) markSeen(ctx context.Context, eventID string) {
	if r.Redis == nil || eventID == "" {
		return
	}
	key := fmt.Sprintf(redisx.KeyDedup, "payments", eventID)
	_ = r.Redis.Set(ctx, key, "1", redisx.TTLDedup)
}

// invalidateStatus drops the cached read-side status after a settlement so
// GET /orders/{id}/status never serves PAYMENT_PENDING from cache once the
// order moved on.
func (r *Reconciler) invalidateStatus(ctx context.Context, orderID string) {
	if r.Redis == nil {
		return
	}
	_ = r.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID))
}

func (r *Reconciler) publish(p Publisher, eventType, orderID, trace string, payload any) {
	if p == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      r.Service,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
