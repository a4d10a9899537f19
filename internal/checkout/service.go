package checkout

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
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
)

// ErrIntentFailed wraps a payment-provider failure that happened after the
// reservation committed. The order and its reservation stay; the sweeper
// retries the intent later.
var ErrIntentFailed = errors.New("payment intent request failed")

var ErrMissingUser = errors.New("missing user id")

// Store runs the atomic pieces of a checkout. CheckoutTx is one
// all-or-nothing transaction; BeginPayment is a separate, later one.
type Store interface {
	CheckoutTx(ctx context.Context, userID string, items []orders.CartItem) (orders.CheckoutRecord, error)
	BeginPayment(ctx context.Context, orderID, paymentRef string) error
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, amountCents int64, orderID string) (payments.Intent, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Service coordinates a checkout: validate, reserve atomically, then (after
// commit, deliberately outside the transaction) request the payment intent
// and move the order to PAYMENT_PENDING.
type Service struct {
	Store    Store
	Payments IntentCreator
	Audit    audit.Emitter
	Producer Publisher
	Log      *zap.Logger
	Service  string
}

type Result struct {
	OrderID          string `json:"order_id"`
	TotalCents       int64  `json:"total_cents"`
	PaymentClientRef string `json:"payment_client_ref,omitempty"`
}

func (s *Service) Checkout(ctx context.Context, userID, trace string, items []orders.CartItem) (Result, error) {
	// Validation errors never touch storage.
	if userID == "" {
		return Result{}, ErrMissingUser
	}
	if len(items) == 0 {
		return Result{}, orders.ErrEmptyCart
	}
	for _, it := range items {
		if it.ProductID == "" {
			return Result{}, &orders.ProductNotFoundError{ProductID: it.ProductID}
		}
		if it.Qty <= 0 {
			return Result{}, &orders.QuantityError{ProductID: it.ProductID, Qty: it.Qty}
		}
	}

	rec, err := s.Store.CheckoutTx(ctx, userID, items)
	if err != nil {
		return Result{}, err
	}

	// The provider call stays outside the storage transaction: a network
	// failure here must not roll back a committed reservation, and the
	// transaction must not stay open across an external call.
	intent, err := s.Payments.CreateIntent(ctx, rec.TotalCents, rec.OrderID)
	if err != nil {
		s.Log.Error("payment intent request failed, order stays CREATED",
			zap.String("order_id", rec.OrderID), zap.Error(err))
		return Result{OrderID: rec.OrderID, TotalCents: rec.TotalCents},
			fmt.Errorf("%w: %w", ErrIntentFailed, err)
	}

	if err := s.Store.BeginPayment(ctx, rec.OrderID, intent.ID); err != nil {
		s.Log.Error("begin payment failed, order stays CREATED",
			zap.String("order_id", rec.OrderID), zap.Error(err))
		return Result{OrderID: rec.OrderID, TotalCents: rec.TotalCents},
			fmt.Errorf("%w: %w", ErrIntentFailed, err)
	}

	if err := s.Audit.Emit(ctx, audit.Record{
		ActorID:    userID,
		Action:     audit.ActionOrderCreated,
		EntityType: audit.EntityOrder,
		EntityID:   rec.OrderID,
		After: map[string]any{
			"order_id":    rec.OrderID,
			"total_cents": rec.TotalCents,
			"item_count":  len(items),
		},
	}); err != nil {
		s.Log.Error("audit emit", zap.String("order_id", rec.OrderID), zap.Error(err))
	}

	s.publishCreated(rec, userID, intent.ID, trace)
	s.Log.Info("checkout committed",
		zap.String("order_id", rec.OrderID),
		zap.Int64("total_cents", rec.TotalCents),
		zap.Int("items", len(items)))

	return Result{
		OrderID:          rec.OrderID,
		TotalCents:       rec.TotalCents,
		PaymentClientRef: intent.ClientRef,
	}, nil
}

func (s *Service) publishCreated(rec orders.CheckoutRecord, userID, paymentRef, trace string) {
	if s.Producer == nil {
		return
	}
	items := make([]orders.ItemQty, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		items = append(items, orders.ItemQty{ProductID: l.ProductID, Qty: l.Qty})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		TraceID:       trace,
		CorrelationID: rec.OrderID,
		Payload: kafkax.MustMarshal(orders.OrderCreatedPayload{
			OrderID:    rec.OrderID,
			UserID:     userID,
			Items:      items,
			TotalCents: rec.TotalCents,
			PaymentRef: paymentRef,
		}),
	}
	s.Producer.Publish(orders.PartitionKey(rec.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
