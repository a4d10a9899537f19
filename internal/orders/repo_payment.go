package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// lockOrder loads an order under FOR UPDATE plus its line items, so the
// status write and the ledger updates serialize against other writers.
func lockOrder(ctx context.Context, tx pgx.Tx, orderID string) (Order, []OrderItem, error) {
	var o Order
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, status, total_cents, COALESCE(payment_ref,''), created_at, updated_at
		FROM orders WHERE id=$1 FOR UPDATE
	`, orderID).Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.PaymentRef, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, nil, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id=$1 ORDER BY product_id
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

// BeginPayment stores the payment reference and drives CREATED -> PAYMENT_PENDING.
func (r *Repo) BeginPayment(ctx context.Context, orderID, paymentRef string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, _, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(o.Status, StatusPaymentPending); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_ref=$3, updated_at=now() WHERE id=$1
	`, orderID, string(StatusPaymentPending), paymentRef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkPaid settles a successful payment: PAYMENT_PENDING -> PAID plus one
// finalize per line item, all in one transaction. A duplicate notification,
// or any state where the transition is invalid, is reported as applied=false
// with no error and no writes.
func (r *Repo) MarkPaid(ctx context.Context, orderID string) (Order, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return Order{}, false, err
	}
	if !CanTransition(o.Status, StatusPaid) {
		return o, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now() WHERE id=$1
	`, orderID, string(StatusPaid)); err != nil {
		return Order{}, false, err
	}
	for _, it := range lines {
		if err := FinalizeStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			return Order{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	o.Status = StatusPaid
	return o, true, nil
}

// MarkFailed handles a failed payment: only an order still in
// PAYMENT_PENDING moves to FAILED and gets its reservation released.
// Anything else (already settled, already failed, racing notifications)
// is a no-op.
func (r *Repo) MarkFailed(ctx context.Context, orderID string) (Order, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return Order{}, false, err
	}
	if o.Status != StatusPaymentPending {
		return o, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now() WHERE id=$1
	`, orderID, string(StatusFailed)); err != nil {
		return Order{}, false, err
	}
	for _, it := range lines {
		if err := ReleaseStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			return Order{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	o.Status = StatusFailed
	return o, true, nil
}

// UpdateStatus is the administrative transition path. Every target goes
// through the transition table; cancelling a CREATED order also releases
// its reservation.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, target Status) (before Status, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return "", err
	}
	if err := ValidateTransition(o.Status, target); err != nil {
		return o.Status, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now() WHERE id=$1
	`, orderID, string(target)); err != nil {
		return o.Status, err
	}
	if target == StatusCancelled {
		for _, it := range lines {
			if err := ReleaseStock(ctx, tx, it.ProductID, it.Qty); err != nil {
				return o.Status, err
			}
		}
	}
	return o.Status, tx.Commit(ctx)
}

// FindStuckCreated lists orders that committed their reservation but never
// reached PAYMENT_PENDING: the crash window between commit and the
// payment-intent call.
func (r *Repo) FindStuckCreated(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, status, total_cents, COALESCE(payment_ref,''), created_at, updated_at
		FROM orders
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, string(StatusCreated), cutoff, limit)
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

// CancelStuck cancels a stuck CREATED order and releases its reservation.
// Returns false without error if the order moved on in the meantime.
func (r *Repo) CancelStuck(ctx context.Context, orderID string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, lines, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if o.Status != StatusCreated {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now() WHERE id=$1
	`, orderID, string(StatusCancelled)); err != nil {
		return false, err
	}
	for _, it := range lines {
		if err := ReleaseStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
