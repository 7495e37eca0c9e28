package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hallgrove/marketd/internal/domain"
)

// InventoryStore is the reference implementation of the domain.Inventory
// capability: one row per unique asset instance, scoped per actor and group.
type InventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore creates an InventoryStore backed by the given pool.
func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// Get returns the instance with the given UUID held by the actor, or
// domain.ErrNotFound.
func (s *InventoryStore) Get(ctx context.Context, actorID, groupID, uuid string) (domain.AssetInstance, error) {
	var inst domain.AssetInstance
	var attrs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT uuid, base_asset_id, attributes
		FROM inventory_instances
		WHERE actor_id = $1 AND group_id = $2 AND uuid = $3`,
		actorID, groupID, uuid,
	).Scan(&inst.UUID, &inst.BaseAssetID, &attrs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AssetInstance{}, domain.ErrNotFound
		}
		return domain.AssetInstance{}, fmt.Errorf("postgres: get instance %s: %w", uuid, err)
	}

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &inst.Attributes); err != nil {
			return domain.AssetInstance{}, fmt.Errorf("postgres: unmarshal instance %s attributes: %w", uuid, err)
		}
	}
	return inst, nil
}

// Set stores (or replaces) an instance in the actor's inventory.
func (s *InventoryStore) Set(ctx context.Context, actorID, groupID string, inst domain.AssetInstance) error {
	var attrs []byte
	if inst.Attributes != nil {
		var err error
		attrs, err = json.Marshal(inst.Attributes)
		if err != nil {
			return fmt.Errorf("postgres: marshal instance %s attributes: %w", inst.UUID, err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO inventory_instances (actor_id, group_id, uuid, base_asset_id, attributes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, group_id, uuid)
		DO UPDATE SET base_asset_id = EXCLUDED.base_asset_id, attributes = EXCLUDED.attributes`,
		actorID, groupID, inst.UUID, inst.BaseAssetID, attrs,
	)
	if err != nil {
		return fmt.Errorf("postgres: set instance %s: %w", inst.UUID, err)
	}
	return nil
}

// Delete removes an instance from the actor's inventory. Deleting an absent
// instance is a no-op.
func (s *InventoryStore) Delete(ctx context.Context, actorID, groupID, uuid string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM inventory_instances
		WHERE actor_id = $1 AND group_id = $2 AND uuid = $3`,
		actorID, groupID, uuid,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete instance %s: %w", uuid, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Inventory = (*InventoryStore)(nil)
