package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ActionOrderCreated       = "ORDER_CREATED"
	ActionOrderStatusChanged = "ORDER_STATUS_CHANGED"
	ActionInventoryUpdated   = "INVENTORY_UPDATED"

	EntityOrder     = "ORDER"
	EntityInventory = "INVENTORY"
)

// Record is one append-only audit entry. ActorID is empty for
// system-initiated changes (webhooks, the sweeper).
type Record struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Before     any
	After      any
}

// Emitter is the write-only sink invoked for every state-changing operation.
type Emitter interface {
	Emit(ctx context.Context, rec Record) error
}

type PG struct{ DB *pgxpool.Pool }

func (e *PG) Emit(ctx context.Context, rec Record) error {
	before, err := marshalState(rec.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(rec.After)
	if err != nil {
		return err
	}
	_, err = e.DB.Exec(ctx, `
		INSERT INTO audit_log(id, actor_id, action_kind, entity_type, entity_id, before_state, after_state)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7)
	`, uuid.NewString(), rec.ActorID, rec.Action, rec.EntityType, rec.EntityID, before, after)
	if err != nil {
		return fmt.Errorf("audit emit: %w", err)
	}
	return nil
}

func marshalState(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
