package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowExecer is the slice of pgx.Tx the ledger needs. Every ledger operation
// runs on the caller's transaction, never on the pool directly.
type rowExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	sqlLockInventory = `SELECT available, reserved FROM inventory WHERE product_id=$1 FOR UPDATE`

	sqlReserveStock = `UPDATE inventory
		SET available = available - $2, reserved = reserved + $2, updated_at = now()
		WHERE product_id = $1 AND available >= $2`

	sqlFinalizeStock = `UPDATE inventory
		SET reserved = reserved - $2, updated_at = now()
		WHERE product_id = $1 AND reserved >= $2`

	sqlReleaseStock = `UPDATE inventory
		SET available = available + $2, reserved = reserved - $2, updated_at = now()
		WHERE product_id = $1 AND reserved >= $2`
)

// LockInventory takes the exclusive row lock for the rest of the transaction
// and returns the counters as of this serialization point.
func LockInventory(ctx context.Context, tx rowExecer, productID string) (available, reserved int, err error) {
	err = tx.QueryRow(ctx, sqlLockInventory, productID).Scan(&available, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock inventory %s: %w", productID, err)
	}
	return available, reserved, nil
}

// ReserveStock moves qty units from available to reserved. The guard in the
// WHERE clause is a backstop; callers validate under the row lock first.
func ReserveStock(ctx context.Context, tx rowExecer, productID string, qty int) error {
	ct, err := tx.Exec(ctx, sqlReserveStock, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("reserve %d of %s: %w", qty, productID, ErrInsufficientStock)
	}
	return nil
}

// FinalizeStock removes qty reserved units from the pool permanently.
func FinalizeStock(ctx context.Context, tx rowExecer, productID string, qty int) error {
	ct, err := tx.Exec(ctx, sqlFinalizeStock, productID, qty)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("finalize %d of %s: %w", qty, productID, ErrNegativeInventory)
	}
	return nil
}

// ReleaseStock returns qty reserved units to available.
func ReleaseStock(ctx context.Context, tx rowExecer, productID string, qty int) error {
	ct, err := tx.Exec(ctx, sqlReleaseStock, productID, qty)
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("release %d of %s: %w", qty, productID, ErrNegativeInventory)
	}
	return nil
}
