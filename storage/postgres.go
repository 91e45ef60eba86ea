package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the cache and lease tables if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS property_cache (
		listing_id TEXT PRIMARY KEY,
		listing_key TEXT,
		status TEXT,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS refresh_lease (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_property_cache_active ON property_cache(is_active, updated_at);
	CREATE INDEX IF NOT EXISTS idx_property_cache_key ON property_cache(listing_key);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Property cache
// =============================================================================

// UpsertRows sends the rows as one batch; pgx runs it in an implicit
// transaction so a chunk lands whole or not at all.
func (s *PostgresStore) UpsertRows(ctx context.Context, rows []CacheRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO property_cache (listing_id, listing_key, status, payload, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (listing_id) DO UPDATE SET
			listing_key = EXCLUDED.listing_key,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			is_active = EXCLUDED.is_active`

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(query, r.ListingID, r.ListingKey, r.Status, string(r.Payload), r.UpdatedAt, r.IsActive)
	}

	br := s.pool.SendBatch(ctx, b)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (s *PostgresStore) DeactivateAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE property_cache SET is_active = FALSE WHERE is_active`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM property_cache`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ActiveRows(ctx context.Context, since time.Time) ([]CacheRow, error) {
	query := `
		SELECT listing_id, COALESCE(listing_key, ''), COALESCE(status, ''), payload, updated_at, is_active
		FROM property_cache
		WHERE is_active AND updated_at >= $1
		ORDER BY updated_at DESC, listing_id`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheRow
	for rows.Next() {
		var r CacheRow
		if err := rows.Scan(&r.ListingID, &r.ListingKey, &r.Status, &r.Payload, &r.UpdatedAt, &r.IsActive); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveRow(ctx context.Context, id string) (*CacheRow, error) {
	query := `
		SELECT listing_id, COALESCE(listing_key, ''), COALESCE(status, ''), payload, updated_at, is_active
		FROM property_cache
		WHERE is_active AND (listing_id = $1 OR listing_key = $1)
		LIMIT 1`

	var r CacheRow
	err := s.pool.QueryRow(ctx, query, id).Scan(&r.ListingID, &r.ListingKey, &r.Status, &r.Payload, &r.UpdatedAt, &r.IsActive)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// Refresh lease
// =============================================================================

// AcquireLease takes the named lease when it is free, expired or already
// held by owner.
func (s *PostgresStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO refresh_lease (name, owner, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE refresh_lease.expires_at < NOW() OR refresh_lease.owner = EXCLUDED.owner`

	tag, err := s.pool.Exec(ctx, query, name, owner, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_lease WHERE name = $1 AND owner = $2`, name, owner)
	return err
}
