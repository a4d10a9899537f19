package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeLedgerTx interprets the ledger statements against in-memory counters,
// so the guard semantics can be checked without a database.
type fakeLedgerTx struct {
	avail    map[string]int
	reserved map[string]int
}

type fakeRow struct {
	vals []int
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		*dest[i].(*int) = r.vals[i]
	}
	return nil
}

func (f *fakeLedgerTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if sql != sqlLockInventory {
		return fakeRow{err: errors.New("unexpected query: " + sql)}
	}
	pid := args[0].(string)
	if _, ok := f.avail[pid]; !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: []int{f.avail[pid], f.reserved[pid]}}
}

func (f *fakeLedgerTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	pid := args[0].(string)
	qty := args[1].(int)
	switch sql {
	case sqlReserveStock:
		if f.avail[pid] >= qty {
			f.avail[pid] -= qty
			f.reserved[pid] += qty
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
	case sqlFinalizeStock:
		if f.reserved[pid] >= qty {
			f.reserved[pid] -= qty
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
	case sqlReleaseStock:
		if f.reserved[pid] >= qty {
			f.reserved[pid] -= qty
			f.avail[pid] += qty
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
	default:
		return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func newFakeTx(avail int) *fakeLedgerTx {
	return &fakeLedgerTx{
		avail:    map[string]int{"p1": avail},
		reserved: map[string]int{"p1": 0},
	}
}

func TestReserveStock(t *testing.T) {
	tx := newFakeTx(5)
	if err := ReserveStock(context.Background(), tx, "p1", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.avail["p1"] != 2 || tx.reserved["p1"] != 3 {
		t.Errorf("counters = (%d, %d), want (2, 3)", tx.avail["p1"], tx.reserved["p1"])
	}
}

func TestReserveStockInsufficient(t *testing.T) {
	tx := newFakeTx(2)
	err := ReserveStock(context.Background(), tx, "p1", 3)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if tx.avail["p1"] != 2 || tx.reserved["p1"] != 0 {
		t.Errorf("counters changed on failed reserve: (%d, %d)", tx.avail["p1"], tx.reserved["p1"])
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	tx := newFakeTx(5)
	if err := ReserveStock(context.Background(), tx, "p1", 4); err != nil {
		t.Fatal(err)
	}
	if err := ReleaseStock(context.Background(), tx, "p1", 4); err != nil {
		t.Fatal(err)
	}
	if tx.avail["p1"] != 5 || tx.reserved["p1"] != 0 {
		t.Errorf("round trip did not restore counters: (%d, %d), want (5, 0)",
			tx.avail["p1"], tx.reserved["p1"])
	}
}

func TestFinalizeStock(t *testing.T) {
	tx := newFakeTx(5)
	if err := ReserveStock(context.Background(), tx, "p1", 2); err != nil {
		t.Fatal(err)
	}
	if err := FinalizeStock(context.Background(), tx, "p1", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Finalized units leave the pool permanently.
	if tx.avail["p1"] != 3 || tx.reserved["p1"] != 0 {
		t.Errorf("counters = (%d, %d), want (3, 0)", tx.avail["p1"], tx.reserved["p1"])
	}
}

func TestLedgerUnderflowGuards(t *testing.T) {
	tx := newFakeTx(5)
	if err := FinalizeStock(context.Background(), tx, "p1", 1); !errors.Is(err, ErrNegativeInventory) {
		t.Errorf("finalize with nothing reserved: err = %v, want ErrNegativeInventory", err)
	}
	if err := ReleaseStock(context.Background(), tx, "p1", 1); !errors.Is(err, ErrNegativeInventory) {
		t.Errorf("release with nothing reserved: err = %v, want ErrNegativeInventory", err)
	}
}

func TestLockInventoryUnknownProduct(t *testing.T) {
	tx := newFakeTx(5)
	_, _, err := LockInventory(context.Background(), tx, "ghost")
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("err = %v, want ErrProductNotFound", err)
	}
}
