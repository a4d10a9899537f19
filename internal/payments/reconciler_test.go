package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/redisx"
)

// reconStore applies the same no-op rules as the real repo: MarkPaid only
// when the transition is valid, MarkFailed only from PAYMENT_PENDING.
type reconStore struct {
	mu        sync.Mutex
	status    orders.Status
	missing   bool
	infraErr  error
	finalizes int
	releases  int
}

func (m *reconStore) MarkPaid(_ context.Context, orderID string) (orders.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missing {
		return orders.Order{}, false, orders.ErrOrderNotFound
	}
	if m.infraErr != nil {
		return orders.Order{}, false, m.infraErr
	}
	if !orders.CanTransition(m.status, orders.StatusPaid) {
		return orders.Order{ID: orderID, Status: m.status}, false, nil
	}
	m.status = orders.StatusPaid
	m.finalizes++
	return orders.Order{ID: orderID, Status: m.status, TotalCents: 2000}, true, nil
}

func (m *reconStore) MarkFailed(_ context.Context, orderID string) (orders.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missing {
		return orders.Order{}, false, orders.ErrOrderNotFound
	}
	if m.infraErr != nil {
		return orders.Order{}, false, m.infraErr
	}
	if m.status != orders.StatusPaymentPending {
		return orders.Order{ID: orderID, Status: m.status}, false, nil
	}
	m.status = orders.StatusFailed
	m.releases++
	return orders.Order{ID: orderID, Status: m.status}, true, nil
}

type auditCounter struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (a *auditCounter) Emit(_ context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func newReconciler(store *reconStore, sink *auditCounter) *Reconciler {
	return &Reconciler{
		Store:   store,
		Audit:   sink,
		Log:     zap.NewNop(),
		Service: "test",
	}
}

func TestPaymentSuccessIdempotent(t *testing.T) {
	store := &reconStore{status: orders.StatusPaymentPending}
	sink := &auditCounter{}
	r := newReconciler(store, sink)
	ctx := context.Background()

	if err := r.HandlePaymentSuccess(ctx, "o1", "evt_1", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := r.HandlePaymentSuccess(ctx, "o1", "evt_2", ""); err != nil {
		t.Fatalf("duplicate call: %v", err)
	}

	if store.status != orders.StatusPaid {
		t.Errorf("status = %s, want PAID", store.status)
	}
	if store.finalizes != 1 {
		t.Errorf("finalizes = %d, want exactly 1", store.finalizes)
	}
	if len(sink.recs) != 1 {
		t.Errorf("audit records = %d, want 1", len(sink.recs))
	}
}

func TestPaymentFailureReleasesOnce(t *testing.T) {
	store := &reconStore{status: orders.StatusPaymentPending}
	r := newReconciler(store, &auditCounter{})
	ctx := context.Background()

	if err := r.HandlePaymentFailure(ctx, "o1", "evt_1", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if store.status != orders.StatusFailed || store.releases != 1 {
		t.Fatalf("status = %s, releases = %d, want FAILED and 1", store.status, store.releases)
	}

	// Second delivery is a no-op.
	if err := r.HandlePaymentFailure(ctx, "o1", "evt_2", ""); err != nil {
		t.Fatalf("duplicate call: %v", err)
	}
	if store.releases != 1 {
		t.Errorf("releases = %d after duplicate, want 1", store.releases)
	}
}

func TestPaymentFailureAfterSuccessIsNoop(t *testing.T) {
	store := &reconStore{status: orders.StatusPaymentPending}
	r := newReconciler(store, &auditCounter{})
	ctx := context.Background()

	if err := r.HandlePaymentSuccess(ctx, "o1", "evt_1", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.HandlePaymentFailure(ctx, "o1", "evt_2", ""); err != nil {
		t.Fatalf("failure racing success must be a no-op, got: %v", err)
	}
	if store.status != orders.StatusPaid {
		t.Errorf("status = %s, want PAID to stick", store.status)
	}
	if store.releases != 0 {
		t.Errorf("releases = %d, want 0", store.releases)
	}
}

func TestUnknownOrderIsAcknowledged(t *testing.T) {
	store := &reconStore{missing: true}
	r := newReconciler(store, &auditCounter{})
	ctx := context.Background()

	if err := r.HandlePaymentSuccess(ctx, "ghost", "evt_1", ""); err != nil {
		t.Errorf("success for unknown order: err = %v, want nil", err)
	}
	if err := r.HandlePaymentFailure(ctx, "ghost", "evt_2", ""); err != nil {
		t.Errorf("failure for unknown order: err = %v, want nil", err)
	}
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestSettlementInvalidatesStatusCache(t *testing.T) {
	ctx := context.Background()
	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, "o1")

	for name, handle := range map[string]func(*Reconciler) error{
		"success": func(r *Reconciler) error { return r.HandlePaymentSuccess(ctx, "o1", "evt_1", "") },
		"failure": func(r *Reconciler) error { return r.HandlePaymentFailure(ctx, "o1", "evt_1", "") },
	} {
		kv := newFakeKV()
		kv.data[statusKey] = `{"status":"PAYMENT_PENDING"}`
		r := newReconciler(&reconStore{status: orders.StatusPaymentPending}, &auditCounter{})
		r.Redis = kv

		if err := handle(r); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, stale := kv.data[statusKey]; stale {
			t.Errorf("%s: cached status survived settlement", name)
		}
	}
}

func TestDedupShortCircuitsDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	store := &reconStore{status: orders.StatusPaymentPending}
	r := newReconciler(store, &auditCounter{})
	r.Redis = kv

	if err := r.HandlePaymentSuccess(ctx, "o1", "evt_1", ""); err != nil {
		t.Fatal(err)
	}
	// Same event id redelivered: the dedup key stops it before the store.
	store.infraErr = errors.New("store must not be reached")
	if err := r.HandlePaymentSuccess(ctx, "o1", "evt_1", ""); err != nil {
		t.Fatalf("duplicate event id: %v", err)
	}
}

func TestInfrastructureErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	store := &reconStore{status: orders.StatusPaymentPending, infraErr: boom}
	r := newReconciler(store, &auditCounter{})

	if err := r.HandlePaymentSuccess(context.Background(), "o1", "evt_1", ""); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped infrastructure error", err)
	}
}
