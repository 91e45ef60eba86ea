package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"mlscache/models"
)

const (
	DefaultBatchSize     = 50
	DefaultCacheDuration = 24 * time.Hour
)

var (
	// ErrWrite marks a write the cache store rejected.
	ErrWrite = errors.New("cache write failed")
	// ErrNotFound is returned by GetOne when no active row matches.
	ErrNotFound = errors.New("property not cached")
)

// WriteError wraps the store error for a rejected chunk.
type WriteError struct {
	Chunk int
	Rows  int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write chunk %d (%d rows): %v", e.Chunk, e.Rows, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWrite }

// CacheRow is one row of the property_cache table.
type CacheRow struct {
	ListingID  string    `db:"listing_id"`
	ListingKey string    `db:"listing_key"`
	Status     string    `db:"status"`
	Payload    []byte    `db:"payload"`
	UpdatedAt  time.Time `db:"updated_at"`
	IsActive   bool      `db:"is_active"`
}

// CacheBackend is a relational store holding the property_cache table.
// UpsertRows replaces rows on conflict and must apply a call atomically.
type CacheBackend interface {
	UpsertRows(ctx context.Context, rows []CacheRow) error
	DeactivateAll(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	ActiveRows(ctx context.Context, since time.Time) ([]CacheRow, error)
	// ActiveRow returns nil, nil when no active row matches id or listing key.
	ActiveRow(ctx context.Context, id string) (*CacheRow, error)
}

// BatchResult summarizes an UpsertBatch call.
type BatchResult struct {
	Chunks  int
	Written int
	Failed  int
	Errors  []error
}

// Gateway is the only write path to the cache table.
type Gateway struct {
	backend   CacheBackend
	batchSize int
	maxAge    time.Duration
	now       func() time.Time
}

func NewGateway(backend CacheBackend, batchSize int, maxAge time.Duration) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxAge <= 0 {
		maxAge = DefaultCacheDuration
	}
	return &Gateway{
		backend:   backend,
		batchSize: batchSize,
		maxAge:    maxAge,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) toRow(p models.Property, at time.Time) (CacheRow, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return CacheRow{}, fmt.Errorf("marshal %s: %w", p.ListingID, err)
	}
	return CacheRow{
		ListingID:  p.ListingID,
		ListingKey: p.ListingKey,
		Status:     p.Status,
		Payload:    payload,
		UpdatedAt:  at,
		IsActive:   true,
	}, nil
}

// UpsertOne writes a single row, replacing any row with the same listing ID.
func (g *Gateway) UpsertOne(ctx context.Context, p models.Property) error {
	row, err := g.toRow(p, g.now())
	if err != nil {
		return err
	}
	if err := g.backend.UpsertRows(ctx, []CacheRow{row}); err != nil {
		return &WriteError{Chunk: 1, Rows: 1, Err: err}
	}
	return nil
}

// UpsertBatch writes props in chunks of the configured size. A failure on
// the first chunk is returned as a *WriteError; failures on later chunks
// are logged and recorded in the result.
func (g *Gateway) UpsertBatch(ctx context.Context, props []models.Property) (BatchResult, error) {
	var res BatchResult
	at := g.now()

	for i := 0; i < len(props); i += g.batchSize {
		j := i + g.batchSize
		if j > len(props) {
			j = len(props)
		}
		chunk := i/g.batchSize + 1
		res.Chunks++

		rows := make([]CacheRow, 0, j-i)
		var err error
		for _, p := range props[i:j] {
			var row CacheRow
			if row, err = g.toRow(p, at); err != nil {
				break
			}
			rows = append(rows, row)
		}
		if err == nil {
			if err = ctx.Err(); err == nil {
				err = g.backend.UpsertRows(ctx, rows)
			}
		}
		if err != nil {
			werr := &WriteError{Chunk: chunk, Rows: j - i, Err: err}
			if chunk == 1 || ctx.Err() != nil {
				return res, werr
			}
			log.Printf("Cache: %v, continuing", werr)
			res.Failed += j - i
			res.Errors = append(res.Errors, werr)
			continue
		}
		res.Written += len(rows)
	}
	return res, nil
}

// DeactivateAll flips is_active off for every active row.
func (g *Gateway) DeactivateAll(ctx context.Context) (int64, error) {
	n, err := g.backend.DeactivateAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("deactivate: %w", err)
	}
	log.Printf("Cache: deactivated %d rows", n)
	return n, nil
}

// Clear hard-deletes every row. Not part of a refresh cycle.
func (g *Gateway) Clear(ctx context.Context) (int64, error) {
	n, err := g.backend.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	log.Printf("Cache: cleared %d rows", n)
	return n, nil
}

// GetActive returns active rows updated within the cache duration. It
// never reaches out to the MLS; an expired cache reads as empty.
func (g *Gateway) GetActive(ctx context.Context) ([]models.CachedProperty, error) {
	rows, err := g.backend.ActiveRows(ctx, g.now().Add(-g.maxAge))
	if err != nil {
		return nil, fmt.Errorf("get active: %w", err)
	}
	out := make([]models.CachedProperty, 0, len(rows))
	for _, row := range rows {
		cp, err := fromRow(row)
		if err != nil {
			log.Printf("Cache: skipping %s: %v", row.ListingID, err)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// GetOne returns the active row for a listing ID or listing key.
func (g *Gateway) GetOne(ctx context.Context, id string) (*models.CachedProperty, error) {
	row, err := g.backend.ActiveRow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	cp, err := fromRow(*row)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func fromRow(row CacheRow) (models.CachedProperty, error) {
	var p models.Property
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return models.CachedProperty{}, fmt.Errorf("decode payload: %w", err)
	}
	return models.CachedProperty{Property: p, UpdatedAt: row.UpdatedAt, IsActive: row.IsActive}, nil
}
