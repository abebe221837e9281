// Package pgstore is the Postgres-backed stock ledger.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stock_ledger (
		sku_id      TEXT NOT NULL,
		variant_id  TEXT NOT NULL DEFAULT '',
		total_stock BIGINT NOT NULL CHECK (total_stock >= 0),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (sku_id, variant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_ledger_entries (
		idempotency_key TEXT PRIMARY KEY,
		sku_id          TEXT NOT NULL,
		variant_id      TEXT NOT NULL,
		delta           BIGINT NOT NULL,
		total_after     BIGINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Connect opens a pool for url and checks that the database answers.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Ledger keeps stock totals in stock_ledger. Every write is recorded in
// stock_ledger_entries under its idempotency key, in the same transaction,
// so a replayed key returns the original result without applying twice.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLedger creates a Ledger on pool.
func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{pool: pool, logger: logger}
}

// Migrate creates the ledger tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Seed inserts rec if its key is not in the ledger yet. Existing totals are
// left alone so a restart does not undo confirmed sales.
func (l *Ledger) Seed(ctx context.Context, rec domain.StockRecord) error {
	if rec.TotalStock < 0 {
		return fmt.Errorf("seed %s: total_stock must be >= 0", rec.Key)
	}
	tag, err := l.pool.Exec(ctx,
		`INSERT INTO stock_ledger (sku_id, variant_id, total_stock) VALUES ($1, $2, $3)
		 ON CONFLICT (sku_id, variant_id) DO NOTHING`,
		rec.Key.SKU, rec.Key.Variant, rec.TotalStock)
	if err != nil {
		return fmt.Errorf("seed %s: %w", rec.Key, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Debug("seed skipped existing key", slog.String("key", rec.Key.String()))
	}
	return nil
}

// TotalStock returns the ledger total for key, or domain.ErrSKUNotFound.
func (l *Ledger) TotalStock(ctx context.Context, key domain.StockKey) (int64, error) {
	var total int64
	err := l.pool.QueryRow(ctx,
		`SELECT total_stock FROM stock_ledger WHERE sku_id = $1 AND variant_id = $2`,
		key.SKU, key.Variant).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrSKUNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("total stock %s: %w", key, err)
	}
	return total, nil
}

// DecrementStock removes quantity units from key.
func (l *Ledger) DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error {
	if quantity <= 0 {
		return fmt.Errorf("decrement %s: quantity must be positive, got %d", key, quantity)
	}
	_, err := l.AdjustStock(ctx, key, -quantity, idempotencyKey)
	return err
}

// AdjustStock applies delta to key and returns the new total. A positive
// delta on an unknown key creates it. The total never goes below zero.
func (l *Ledger) AdjustStock(ctx context.Context, key domain.StockKey, delta int64, idempotencyKey string) (int64, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("adjust %s: begin: %w", key, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if idempotencyKey != "" {
		var total int64
		err := tx.QueryRow(ctx,
			`SELECT total_after FROM stock_ledger_entries WHERE idempotency_key = $1`,
			idempotencyKey).Scan(&total)
		if err == nil {
			l.logger.Debug("ledger write replayed", slog.String("idempotency_key", idempotencyKey))
			return total, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("adjust %s: lookup entry: %w", key, err)
		}
	}

	total, err := applyDelta(ctx, tx, key, delta)
	if err != nil {
		return 0, err
	}

	if idempotencyKey != "" {
		_, err := tx.Exec(ctx,
			`INSERT INTO stock_ledger_entries (idempotency_key, sku_id, variant_id, delta, total_after)
			 VALUES ($1, $2, $3, $4, $5)`,
			idempotencyKey, key.SKU, key.Variant, delta, total)
		if err != nil {
			return 0, fmt.Errorf("adjust %s: record entry: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("adjust %s: commit: %w", key, err)
	}
	return total, nil
}

func applyDelta(ctx context.Context, tx pgx.Tx, key domain.StockKey, delta int64) (int64, error) {
	var total int64
	if delta > 0 {
		err := tx.QueryRow(ctx,
			`INSERT INTO stock_ledger (sku_id, variant_id, total_stock) VALUES ($1, $2, $3)
			 ON CONFLICT (sku_id, variant_id)
			 DO UPDATE SET total_stock = stock_ledger.total_stock + EXCLUDED.total_stock, updated_at = now()
			 RETURNING total_stock`,
			key.SKU, key.Variant, delta).Scan(&total)
		if err != nil {
			return 0, fmt.Errorf("adjust %s: %w", key, err)
		}
		return total, nil
	}

	err := tx.QueryRow(ctx,
		`UPDATE stock_ledger SET total_stock = total_stock + $3, updated_at = now()
		 WHERE sku_id = $1 AND variant_id = $2 AND total_stock + $3 >= 0
		 RETURNING total_stock`,
		key.SKU, key.Variant, delta).Scan(&total)
	if err == nil {
		return total, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust %s: %w", key, err)
	}

	// No row updated: either the key is missing or the total is too low.
	var current int64
	err = tx.QueryRow(ctx,
		`SELECT total_stock FROM stock_ledger WHERE sku_id = $1 AND variant_id = $2`,
		key.SKU, key.Variant).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrSKUNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust %s: %w", key, err)
	}
	return 0, &domain.InsufficientStockError{Key: key, Requested: -delta, Available: current}
}
