package mls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mlscache/config"
	"mlscache/models"
	"mlscache/ratelimit"
)

const (
	headerOUID      = "OUID"
	headerUserAgent = "MLS-Aligned-User-Agent"

	defaultTimeout = 30 * time.Second
	maxBodySize    = 16 * 1024 * 1024
)

// Client queries the listing API. Every request waits on the limiter first
// and runs under its own timeout.
type Client struct {
	baseURL    string
	resource   string
	token      string
	ouid       string
	userAgent  string
	timeout    time.Duration
	http       *http.Client
	limiter    ratelimit.Limiter
	normalizer *Normalizer
}

func NewClient(cfg config.MLSConfig, httpClient *http.Client, limiter ratelimit.Limiter, normalizer *Normalizer) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if limiter == nil {
		limiter = ratelimit.NewInterval(cfg.MaxRPS)
	}
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	resource := cfg.Resource
	if resource == "" {
		resource = "Property"
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		resource:   resource,
		token:      cfg.Token,
		ouid:       cfg.OUID,
		userAgent:  cfg.UserAgent,
		timeout:    timeout,
		http:       httpClient,
		limiter:    limiter,
		normalizer: normalizer,
	}
}

// SearchResult is one page of normalized results.
type SearchResult struct {
	Properties []models.Property
	PageSize   int // effective $top of the request
	Total      int // server-reported total, -1 when not reported
	NextLink   string
}

// SearchProperties runs one page of q. It never returns more than the page
// size; paging is up to the caller.
func (c *Client) SearchProperties(ctx context.Context, q Query) (*SearchResult, error) {
	env, records, err := c.query(ctx, q.Values())
	if err != nil {
		return nil, err
	}

	pageSize := q.PageSize()
	if len(records) > pageSize {
		records = records[:pageSize]
	}

	res := &SearchResult{
		Properties: make([]models.Property, 0, len(records)),
		PageSize:   pageSize,
		Total:      -1,
		NextLink:   env.NextLink,
	}
	if env.Count != nil {
		res.Total = *env.Count
	}
	for _, r := range records {
		res.Properties = append(res.Properties, c.normalizer.Normalize(r))
	}
	return res, nil
}

// GetProperty looks a listing up by listing key or listing identifier.
func (c *Client) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	params := url.Values{}
	params.Set("$filter", lookupFilter(id))
	params.Set("$expand", "Media")
	params.Set("$top", "1")

	_, records, err := c.query(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p := c.normalizer.Normalize(records[0])
	return &p, nil
}

func (c *Client) query(ctx context.Context, params url.Values) (*envelope, []Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + c.resource + "?" + params.Encode()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, c.wrapTransportErr(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, c.wrapTransportErr(ctx, callCtx, err)
	}

	env, err := decodeEnvelope(resp.StatusCode, body)
	if err != nil {
		return nil, nil, err
	}

	var records []Record
	if err := json.Unmarshal(env.Value, &records); err != nil {
		return nil, nil, fmt.Errorf("%w: value: %v", ErrUpstreamFormat, err)
	}

	log.Printf("MLS: %s returned %d records in %s", c.resource, len(records), time.Since(start).Round(time.Millisecond))
	return env, records, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ouid != "" {
		req.Header.Set(headerOUID, c.ouid)
	}
	if c.userAgent != "" {
		req.Header.Set(headerUserAgent, c.userAgent)
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// wrapTransportErr reports our own deadline as ErrTimeout and leaves the
// caller's cancellation untouched.
func (c *Client) wrapTransportErr(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return fmt.Errorf("mls request: %w", err)
}
