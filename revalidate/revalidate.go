package revalidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"mlscache/config"
	"mlscache/httputil"
)

// Invalidator drops whatever is cached behind a dependent route.
type Invalidator interface {
	Invalidate(ctx context.Context, path string) error
}

// Func adapts a function to an Invalidator.
type Func func(ctx context.Context, path string) error

func (f Func) Invalidate(ctx context.Context, path string) error { return f(ctx, path) }

// Multi calls every invalidator for a path and joins their errors.
type Multi []Invalidator

func (m Multi) Invalidate(ctx context.Context, path string) error {
	var errs []error
	for _, inv := range m {
		if err := inv.Invalidate(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HookError is a non-2xx response from the revalidation endpoint.
type HookError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *HookError) Error() string {
	return fmt.Sprintf("revalidate %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Webhook asks the site to regenerate a pre-rendered page by POSTing to
// {url}?secret=...&path=....
type Webhook struct {
	endpoint string
	secret   string
	client   *http.Client
	retry    httputil.RetryPolicy
}

func NewWebhook(cfg config.RevalidateConfig, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	retry := httputil.DefaultRetry
	retry.Name = "revalidate"
	retry.Retryable = func(err error) bool {
		var he *HookError
		if errors.As(err, &he) {
			return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
		}
		return true
	}
	return &Webhook{endpoint: cfg.URL, secret: cfg.Secret, client: client, retry: retry}
}

func (w *Webhook) Invalidate(ctx context.Context, path string) error {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return fmt.Errorf("parse revalidate url: %w", err)
	}
	q := u.Query()
	q.Set("secret", w.secret)
	q.Set("path", path)
	u.RawQuery = q.Encode()

	return httputil.Retry(ctx, w.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &HookError{Path: path, StatusCode: resp.StatusCode, Body: string(body)}
		}
		log.Printf("Revalidate: %s ok", path)
		return nil
	})
}
