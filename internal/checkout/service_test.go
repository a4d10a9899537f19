package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/audit"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/payments"
)

// memStore mirrors the store contract in memory: checkout is one atomic
// unit, stock validation happens under the same lock as the reservation.
type memStore struct {
	mu       sync.Mutex
	avail    map[string]int
	reserved map[string]int
	prices   map[string]int64
	statuses map[string]orders.Status
	payRefs  map[string]string
	seq      int
	txCalls  int32
}

func newMemStore(prices map[string]int64, stock map[string]int) *memStore {
	avail := make(map[string]int, len(stock))
	for k, v := range stock {
		avail[k] = v
	}
	return &memStore{
		avail:    avail,
		reserved: map[string]int{},
		prices:   prices,
		statuses: map[string]orders.Status{},
		payRefs:  map[string]string{},
	}
}

func (m *memStore) CheckoutTx(_ context.Context, userID string, items []orders.CartItem) (orders.CheckoutRecord, error) {
	atomic.AddInt32(&m.txCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]orders.CartItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, it := range sorted {
		a, ok := m.avail[it.ProductID]
		if !ok {
			return orders.CheckoutRecord{}, &orders.ProductNotFoundError{ProductID: it.ProductID}
		}
		if a < it.Qty {
			return orders.CheckoutRecord{}, &orders.InsufficientStockError{
				ProductID: it.ProductID, Requested: it.Qty, Available: a,
			}
		}
	}
	total, err := orders.ComputeTotal(items, m.prices)
	if err != nil {
		return orders.CheckoutRecord{}, err
	}

	m.seq++
	orderID := fmt.Sprintf("order-%d", m.seq)
	m.statuses[orderID] = orders.StatusCreated
	lines := make([]orders.OrderItem, 0, len(items))
	for _, it := range items {
		m.avail[it.ProductID] -= it.Qty
		m.reserved[it.ProductID] += it.Qty
		lines = append(lines, orders.OrderItem{
			OrderID:    orderID,
			ProductID:  it.ProductID,
			Qty:        it.Qty,
			PriceCents: m.prices[it.ProductID],
		})
	}
	return orders.CheckoutRecord{OrderID: orderID, TotalCents: total, Lines: lines}, nil
}

func (m *memStore) BeginPayment(_ context.Context, orderID, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if err := orders.ValidateTransition(st, orders.StatusPaymentPending); err != nil {
		return err
	}
	m.statuses[orderID] = orders.StatusPaymentPending
	m.payRefs[orderID] = paymentRef
	return nil
}

type mockIntents struct {
	fail  bool
	calls int32
}

func (m *mockIntents) CreateIntent(_ context.Context, _ int64, orderID string) (payments.Intent, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.fail {
		return payments.Intent{}, errors.New("provider unreachable")
	}
	return payments.Intent{ID: "pi_" + orderID, ClientRef: "pi_" + orderID + "_secret"}, nil
}

type mockAudit struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (m *mockAudit) Emit(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func newService(store *memStore, intents *mockIntents, sink *mockAudit) *Service {
	return &Service{
		Store:    store,
		Payments: intents,
		Audit:    sink,
		Log:      zap.NewNop(),
		Service:  "test",
	}
}

func TestCheckoutValidationBeforeStorage(t *testing.T) {
	store := newMemStore(map[string]int64{"p1": 1000}, map[string]int{"p1": 5})
	svc := newService(store, &mockIntents{}, &mockAudit{})
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		items  []orders.CartItem
		want   error
	}{
		{"empty cart", "u1", nil, orders.ErrEmptyCart},
		{"zero quantity", "u1", []orders.CartItem{{ProductID: "p1", Qty: 0}}, orders.ErrInvalidQuantity},
		{"negative quantity", "u1", []orders.CartItem{{ProductID: "p1", Qty: -2}}, orders.ErrInvalidQuantity},
		{"missing user", "", []orders.CartItem{{ProductID: "p1", Qty: 1}}, ErrMissingUser},
	}
	for _, c := range cases {
		if _, err := svc.Checkout(ctx, c.userID, "", c.items); !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
	if n := atomic.LoadInt32(&store.txCalls); n != 0 {
		t.Errorf("storage touched %d times by rejected requests", n)
	}
}

func TestCheckoutHappyPath(t *testing.T) {
	store := newMemStore(map[string]int64{"p1": 1000}, map[string]int{"p1": 5})
	sink := &mockAudit{}
	svc := newService(store, &mockIntents{}, sink)

	res, err := svc.Checkout(context.Background(), "u1", "trace-1",
		[]orders.CartItem{{ProductID: "p1", Qty: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalCents != 2000 {
		t.Errorf("total = %d, want 2000", res.TotalCents)
	}
	if res.PaymentClientRef == "" {
		t.Error("missing payment client ref")
	}
	if store.statuses[res.OrderID] != orders.StatusPaymentPending {
		t.Errorf("status = %s, want PAYMENT_PENDING", store.statuses[res.OrderID])
	}
	if store.payRefs[res.OrderID] == "" {
		t.Error("payment ref not persisted")
	}
	if store.avail["p1"] != 3 || store.reserved["p1"] != 2 {
		t.Errorf("ledger = (%d, %d), want (3, 2)", store.avail["p1"], store.reserved["p1"])
	}
	if len(sink.recs) != 1 || sink.recs[0].Action != audit.ActionOrderCreated {
		t.Errorf("audit records = %+v, want one ORDER_CREATED", sink.recs)
	}
}

func TestCheckoutIntentFailureKeepsReservation(t *testing.T) {
	store := newMemStore(map[string]int64{"p1": 1000}, map[string]int{"p1": 5})
	svc := newService(store, &mockIntents{fail: true}, &mockAudit{})

	res, err := svc.Checkout(context.Background(), "u1", "",
		[]orders.CartItem{{ProductID: "p1", Qty: 1}})
	if !errors.Is(err, ErrIntentFailed) {
		t.Fatalf("err = %v, want ErrIntentFailed", err)
	}
	if res.OrderID == "" {
		t.Fatal("result should still name the committed order")
	}
	// The order stays CREATED with its reservation; the sweeper owns recovery.
	if store.statuses[res.OrderID] != orders.StatusCreated {
		t.Errorf("status = %s, want CREATED", store.statuses[res.OrderID])
	}
	if store.avail["p1"] != 4 || store.reserved["p1"] != 1 {
		t.Errorf("ledger = (%d, %d), want (4, 1)", store.avail["p1"], store.reserved["p1"])
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	const stock = 5
	const attempts = 10

	store := newMemStore(map[string]int64{"p1": 1000}, map[string]int{"p1": stock})
	svc := newService(store, &mockIntents{}, &mockAudit{})

	var wg sync.WaitGroup
	var ok, outOfStock, other int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), fmt.Sprintf("u%d", n), "",
				[]orders.CartItem{{ProductID: "p1", Qty: 1}})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, orders.ErrInsufficientStock):
				atomic.AddInt32(&outOfStock, 1)
			default:
				atomic.AddInt32(&other, 1)
			}
		}(i)
	}
	wg.Wait()

	if ok != stock || outOfStock != attempts-stock || other != 0 {
		t.Fatalf("outcomes = (ok=%d, outOfStock=%d, other=%d), want (%d, %d, 0)",
			ok, outOfStock, other, stock, attempts-stock)
	}
	if store.avail["p1"] != 0 || store.reserved["p1"] != stock {
		t.Errorf("final ledger = (%d, %d), want (0, %d)",
			store.avail["p1"], store.reserved["p1"], stock)
	}
}

func TestDisjointProductsDoNotInterfere(t *testing.T) {
	store := newMemStore(
		map[string]int64{"a": 100, "b": 200},
		map[string]int{"a": 1, "b": 1},
	)
	svc := newService(store, &mockIntents{}, &mockAudit{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pid := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			_, errs[i] = svc.Checkout(context.Background(), "u1", "",
				[]orders.CartItem{{ProductID: pid, Qty: 1}})
		}(i, pid)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("checkout %d failed: %v", i, err)
		}
	}
	for _, pid := range []string{"a", "b"} {
		if store.avail[pid] != 0 || store.reserved[pid] != 1 {
			t.Errorf("product %s ledger = (%d, %d), want (0, 1)",
				pid, store.avail[pid], store.reserved[pid])
		}
	}
}
