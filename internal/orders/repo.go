package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// CheckoutRecord is what a committed checkout transaction produced.
type CheckoutRecord struct {
	OrderID    string
	TotalCents int64
	Lines      []OrderItem
}

// CheckoutTx runs the whole reservation as one atomic unit:
//  1. lock every inventory row in ascending product-id order
//  2. validate available >= requested per line
//  3. resolve prices and sum the total in cents
//  4. insert the order as CREATED
//  5. insert one line item per cart entry with the price snapshot
//  6. reserve stock on every line
//
// Any failure rolls back every write. No partial order, no partial
// reservation is ever visible to another transaction.
func (r *Repo) CheckoutTx(ctx context.Context, userID string, items []CartItem) (CheckoutRecord, error) {
	var rec CheckoutRecord

	// Canonical lock order across all call sites prevents deadlock when
	// one checkout spans multiple products.
	sorted := make([]CartItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	// Default isolation on purpose: a FOR UPDATE that waited out a concurrent
	// writer re-reads the committed row, so a late checkout sees the updated
	// counters and fails with InsufficientStock instead of a serialization
	// abort. The explicit row locks do all the serializing here.
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return rec, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range sorted {
		available, _, err := LockInventory(ctx, tx, it.ProductID)
		if err != nil {
			return rec, err
		}
		if available < it.Qty {
			return rec, &InsufficientStockError{
				ProductID: it.ProductID,
				Requested: it.Qty,
				Available: available,
			}
		}
	}

	prices, err := lookupPrices(ctx, tx, sorted)
	if err != nil {
		return rec, err
	}
	total, err := ComputeTotal(items, prices)
	if err != nil {
		return rec, err
	}

	orderID := uuid.NewString()
	if _, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_cents)
		VALUES ($1, $2, $3, $4)
	`, orderID, userID, string(StatusCreated), total); err != nil {
		return rec, err
	}

	lines := make([]OrderItem, 0, len(items))
	for _, it := range items {
		line := OrderItem{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			ProductID:  it.ProductID,
			Qty:        it.Qty,
			PriceCents: prices[it.ProductID],
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4, $5)
		`, line.ID, line.OrderID, line.ProductID, line.Qty, line.PriceCents); err != nil {
			return rec, err
		}
		lines = append(lines, line)
	}

	for _, it := range sorted {
		if err := ReserveStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			return rec, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return rec, err
	}
	return CheckoutRecord{OrderID: orderID, TotalCents: total, Lines: lines}, nil
}

func lookupPrices(ctx context.Context, tx pgx.Tx, items []CartItem) (map[string]int64, error) {
	ids := make([]any, 0, len(items))
	params := ""
	for i, it := range items {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("$%d", i+1)
		ids = append(ids, it.ProductID)
	}
	rows, err := tx.Query(ctx, `SELECT id, price_cents FROM products WHERE id IN (`+params+`)`, ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[string]int64, len(items))
	for rows.Next() {
		var id string
		var price int64
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		prices[id] = price
	}
	return prices, rows.Err()
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, []OrderItem, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, status, total_cents, COALESCE(payment_ref,''), created_at, updated_at
		FROM orders WHERE id=$1
	`, orderID).Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.PaymentRef, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, nil, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id=$1
	`, orderID)
	if err != nil {
		return Order{}, nil, err
	}
	defer rows.Close()

	var lines []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return Order{}, nil, err
		}
		lines = append(lines, it)
	}
	return o, lines, rows.Err()
}

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, status, total_cents, COALESCE(payment_ref,''), created_at, updated_at
		FROM orders WHERE user_id=$1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.PaymentRef, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price_cents, created_at, updated_at
		FROM products ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
