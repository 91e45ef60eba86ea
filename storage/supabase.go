package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mlscache/config"
	"mlscache/httputil"
)

const supabaseTable = "property_cache"

// SupabaseStore is a CacheBackend over the PostgREST API of a hosted
// Supabase project.
type SupabaseStore struct {
	url        string
	serviceKey string
	client     *http.Client
	retry      httputil.RetryPolicy
}

func NewSupabaseStore(cfg *config.SupabaseConfig, client *http.Client) *SupabaseStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	retry := httputil.DefaultRetry
	retry.Name = "supabase"
	retry.Retryable = retryableSupabase
	return &SupabaseStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		client:     client,
		retry:      retry,
	}
}

type supabaseRow struct {
	ListingID  string          `json:"listing_id"`
	ListingKey string          `json:"listing_key"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
	IsActive   bool            `json:"is_active"`
}

// StatusError is a PostgREST response with an error status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supabase error %d: %s", e.StatusCode, e.Body)
}

func retryableSupabase(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (s *SupabaseStore) do(ctx context.Context, method, query string, body any, prefer string) (*http.Response, []byte, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, nil, err
		}
	}

	var resp *http.Response
	var respBody []byte
	err := httputil.Retry(ctx, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, s.url+"/rest/v1/"+supabaseTable+"?"+query, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", s.serviceKey)
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		if prefer != "" {
			req.Header.Set("Prefer", prefer)
		}

		r, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()

		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			return &StatusError{StatusCode: r.StatusCode, Body: string(b)}
		}
		resp, respBody = r, b
		return nil
	})
	return resp, respBody, err
}

func (s *SupabaseStore) UpsertRows(ctx context.Context, rows []CacheRow) error {
	if len(rows) == 0 {
		return nil
	}
	body := make([]supabaseRow, len(rows))
	for i, r := range rows {
		body[i] = supabaseRow{
			ListingID:  r.ListingID,
			ListingKey: r.ListingKey,
			Status:     r.Status,
			Payload:    json.RawMessage(r.Payload),
			UpdatedAt:  r.UpdatedAt,
			IsActive:   r.IsActive,
		}
	}
	_, _, err := s.do(ctx, http.MethodPost, "on_conflict=listing_id", body, "resolution=merge-duplicates,return=minimal")
	return err
}

func (s *SupabaseStore) DeactivateAll(ctx context.Context) (int64, error) {
	resp, _, err := s.do(ctx, http.MethodPatch, "is_active=eq.true", map[string]bool{"is_active": false}, "return=minimal,count=exact")
	if err != nil {
		return 0, err
	}
	return contentRangeCount(resp.Header.Get("Content-Range")), nil
}

func (s *SupabaseStore) DeleteAll(ctx context.Context) (int64, error) {
	// PostgREST refuses an unfiltered DELETE.
	resp, _, err := s.do(ctx, http.MethodDelete, "listing_id=not.is.null", nil, "return=minimal,count=exact")
	if err != nil {
		return 0, err
	}
	return contentRangeCount(resp.Header.Get("Content-Range")), nil
}

func (s *SupabaseStore) ActiveRows(ctx context.Context, since time.Time) ([]CacheRow, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("is_active", "eq.true")
	q.Set("updated_at", "gte."+since.UTC().Format(time.RFC3339Nano))
	q.Set("order", "updated_at.desc,listing_id")

	_, body, err := s.do(ctx, http.MethodGet, q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	return decodeSupabaseRows(body)
}

func (s *SupabaseStore) ActiveRow(ctx context.Context, id string) (*CacheRow, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("is_active", "eq.true")
	q.Set("or", fmt.Sprintf("(listing_id.eq.%s,listing_key.eq.%s)", quotePostgrest(id), quotePostgrest(id)))
	q.Set("limit", "1")

	_, body, err := s.do(ctx, http.MethodGet, q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	rows, err := decodeSupabaseRows(body)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func decodeSupabaseRows(body []byte) ([]CacheRow, error) {
	var raw []supabaseRow
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make([]CacheRow, len(raw))
	for i, r := range raw {
		rows[i] = CacheRow{
			ListingID:  r.ListingID,
			ListingKey: r.ListingKey,
			Status:     r.Status,
			Payload:    []byte(r.Payload),
			UpdatedAt:  r.UpdatedAt,
			IsActive:   r.IsActive,
		}
	}
	return rows, nil
}

// quotePostgrest double-quotes a value used inside an or=(...) filter.
func quotePostgrest(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

// contentRangeCount parses the total from a "0-24/25" or "*/0" header.
func contentRangeCount(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
