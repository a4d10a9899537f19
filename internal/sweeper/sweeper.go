package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	kafkax "github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/kafka"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/metrics"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
)

type Store interface {
	FindStuckCreated(ctx context.Context, cutoff time.Time, limit int) ([]orders.Order, error)
	BeginPayment(ctx context.Context, orderID, paymentRef string) error
	CancelStuck(ctx context.Context, orderID string) (bool, error)
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, amountCents int64, orderID string) (payments.Intent, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Sweeper closes the crash window between the committed checkout
// transaction and the payment-intent call: orders stuck in CREATED past the
// grace period get the intent retried; past the cancel horizon they are
// cancelled and their reservation released.
type Sweeper struct {
	Store       Store
	Payments    IntentCreator
	Audit       audit.Emitter
	Producer    Publisher // order.cancelled
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Service     string
	Interval    time.Duration
	Grace       time.Duration
	CancelAfter time.Duration
	Batch       int
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.Grace)
	stuck, err := s.Store.FindStuckCreated(ctx, cutoff, s.Batch)
	if err != nil {
		s.Log.Error("find stuck orders", zap.Error(err))
		return
	}

	for _, o := range stuck {
		if time.Since(o.CreatedAt) > s.CancelAfter {
			s.cancel(ctx, o)
			continue
		}
		s.retryIntent(ctx, o)
	}
}

func (s *Sweeper) retryIntent(ctx context.Context, o orders.Order) {
	intent, err := s.Payments.CreateIntent(ctx, o.TotalCents, o.ID)
	if err != nil {
		s.Log.Warn("intent retry failed", zap.String("order_id", o.ID), zap.Error(err))
		s.Metrics.IncSweep("retry_failed")
		return
	}
	if err := s.Store.BeginPayment(ctx, o.ID, intent.ID); err != nil {
		// The order may have moved on since FindStuckCreated; fine.
		s.Log.Warn("begin payment after retry", zap.String("order_id", o.ID), zap.Error(err))
		s.Metrics.IncSweep("retry_failed")
		return
	}
	s.Metrics.IncSweep("retried")
	s.Log.Info("stuck order recovered", zap.String("order_id", o.ID), zap.String("payment_ref", intent.ID))
}

func (s *Sweeper) cancel(ctx context.Context, o orders.Order) {
	cancelled, err := s.Store.CancelStuck(ctx, o.ID)
	if err != nil {
		s.Log.Error("cancel stuck order", zap.String("order_id", o.ID), zap.Error(err))
		s.Metrics.IncSweep("cancel_failed")
		return
	}
	if !cancelled {
		return
	}
	s.Metrics.IncSweep("cancelled")
	if err := s.Audit.Emit(ctx, audit.Record{
		Action:     audit.ActionOrderStatusChanged,
		EntityType: audit.EntityOrder,
		EntityID:   o.ID,
		Before:     map[string]any{"status": orders.StatusCreated},
		After:      map[string]any{"status": orders.StatusCancelled, "reason": "stuck past cancel horizon"},
	}); err != nil {
		s.Log.Error("audit emit", zap.String("order_id", o.ID), zap.Error(err))
	}
	s.publishCancelled(o.ID, "stuck past cancel horizon")
	s.Log.Info("stuck order cancelled, reservation released", zap.String("order_id", o.ID))
}

func (s *Sweeper) publishCancelled(orderID, reason string) {
	if s.Producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCancelled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.OrderCancelledPayload{OrderID: orderID, Reason: reason}),
	}
	s.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCancelled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
