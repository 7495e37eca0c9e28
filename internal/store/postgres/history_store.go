package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hallgrove/marketd/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. Rows are
// keyed by the trade token id, so re-appending the same completed sale is a
// no-op and the recovery pass can safely re-run post-commit steps.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const saleSelectCols = `id, uuid, base_asset_id, seller_id, buyer_id, price, sale_type, sold_at`

func scanSaleRows(rows pgx.Rows) ([]domain.SaleRecord, error) {
	var recs []domain.SaleRecord
	for rows.Next() {
		var r domain.SaleRecord
		if err := rows.Scan(
			&r.ID, &r.UUID, &r.BaseAssetID, &r.SellerID,
			&r.BuyerID, &r.Price, &r.Type, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Append inserts a completed sale. Duplicate ids are silently skipped via
// ON CONFLICT DO NOTHING, making Append idempotent per token id.
func (s *HistoryStore) Append(ctx context.Context, rec domain.SaleRecord) error {
	const query = `
		INSERT INTO sale_history (
			id, uuid, base_asset_id, seller_id, buyer_id, price, sale_type, sold_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UUID, rec.BaseAssetID, rec.SellerID,
		rec.BuyerID, rec.Price, rec.Type, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append sale %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the sale record with the given id, or domain.ErrNotFound.
func (s *HistoryStore) Get(ctx context.Context, id string) (domain.SaleRecord, error) {
	var r domain.SaleRecord
	err := s.pool.QueryRow(ctx,
		`SELECT `+saleSelectCols+` FROM sale_history WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.UUID, &r.BaseAssetID, &r.SellerID,
		&r.BuyerID, &r.Price, &r.Type, &r.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SaleRecord{}, domain.ErrNotFound
		}
		return domain.SaleRecord{}, fmt.Errorf("postgres: get sale %s: %w", id, err)
	}
	return r, nil
}

// ListByAsset returns the sale history for one asset UUID, newest first.
func (s *HistoryStore) ListByAsset(ctx context.Context, uuid string, opts domain.ListOpts) ([]domain.SaleRecord, error) {
	query := `SELECT ` + saleSelectCols + ` FROM sale_history WHERE uuid = $1 ORDER BY sold_at DESC`
	args := []any{uuid}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sales by asset: %w", err)
	}
	defer rows.Close()

	recs, err := scanSaleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sales by asset: %w", err)
	}
	return recs, nil
}

// ListBefore returns all sales recorded strictly before the given time, used
// by the archiver to export a retention batch.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SaleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+saleSelectCols+` FROM sale_history WHERE sold_at < $1 ORDER BY sold_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sales before: %w", err)
	}
	defer rows.Close()
	return scanSaleRows(rows)
}

// DeleteBefore deletes all sales recorded before the given time and returns
// the number removed. Only the archiver calls this, after a successful export.
func (s *HistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sale_history WHERE sold_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete sales before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
