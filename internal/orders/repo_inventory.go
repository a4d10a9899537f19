package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (r *Repo) GetInventory(ctx context.Context, productID string) (Inventory, error) {
	var inv Inventory
	err := r.DB.QueryRow(ctx, `
		SELECT product_id, available, reserved, updated_at
		FROM inventory WHERE product_id=$1
	`, productID).Scan(&inv.ProductID, &inv.Available, &inv.Reserved, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Inventory{}, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

// AdjustInventory sets available absolutely (set != nil) or relatively
// (delta != nil). Administrative provisioning only; reserved is never
// touched here.
func (r *Repo) AdjustInventory(ctx context.Context, productID string, set, delta *int) (before, after Inventory, err error) {
	if set == nil && delta == nil {
		return before, after, fmt.Errorf("adjust inventory %s: no quantity given", productID)
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return before, after, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	available, reserved, err := LockInventory(ctx, tx, productID)
	if err != nil {
		return before, after, err
	}
	before = Inventory{ProductID: productID, Available: available, Reserved: reserved}

	next := available
	if set != nil {
		next = *set
	} else {
		next += *delta
	}
	if next < 0 {
		return before, after, fmt.Errorf("adjust inventory %s to %d: %w", productID, next, ErrNegativeInventory)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE inventory SET available=$2, updated_at=now() WHERE product_id=$1
	`, productID, next); err != nil {
		return before, after, err
	}
	if err := tx.Commit(ctx); err != nil {
		return before, after, err
	}
	after = Inventory{ProductID: productID, Available: next, Reserved: reserved}
	return before, after, nil
}
