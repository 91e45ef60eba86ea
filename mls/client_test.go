package mls

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlscache/config"
	"mlscache/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.MLSConfig{
		BaseURL:   srv.URL + "/reso/odata/",
		Token:     "tok",
		OUID:      "M00000123",
		UserAgent: "grandview-site/1.0",
		Timeout:   timeout,
	}, srv.Client(), ratelimit.NoOp{}, nil)
}

func TestClient_SearchPropertiesSendsHeadersAndQuery(t *testing.T) {
	fixture := loadFixture(t, "property_page.json")

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reso/odata/Property", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "M00000123", r.Header.Get("OUID"))
		assert.Equal(t, "grandview-site/1.0", r.Header.Get("MLS-Aligned-User-Agent"))

		q := r.URL.Query()
		assert.Equal(t, "MlsStatus eq 'Active'", q.Get("$filter"))
		assert.Equal(t, "25", q.Get("$top"))
		assert.Equal(t, "50", q.Get("$skip"))
		assert.Equal(t, "Media", q.Get("$expand"))

		w.Header().Set("Content-Type", "application/json")
		w.Write(fixture)
	}, time.Second)

	res, err := client.SearchProperties(context.Background(), Query{Status: "Active", Top: 40, Skip: 50, Count: true})
	require.NoError(t, err)
	require.Equal(t, 25, res.PageSize)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Properties, 2)
	require.Equal(t, "72123456", res.Properties[0].ListingID)
}

func TestClient_GetProperty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("$top"))
		assert.Equal(t, "(ListingKey eq '72123456' or ListingId eq '72123456')", q.Get("$filter"))
		w.Write([]byte(`{"value":[{"ListingId":"72123456","StandardStatus":"Active","ListPrice":100}]}`))
	}, time.Second)

	p, err := client.GetProperty(context.Background(), "72123456")
	require.NoError(t, err)
	require.Equal(t, "72123456", p.ListingID)
	require.Equal(t, "Active", p.Status)
	require.Equal(t, 100.0, p.Price)
}

func TestClient_GetPropertyNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}, time.Second)

	_, err := client.GetProperty(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_AuthErrorShapesSurfaceUniformly(t *testing.T) {
	bodies := []string{
		`{"status":"error","msg":"Authorization header is malformed"}`,
		`{"response_code":401,"message":"Invalid token"}`,
	}
	for _, body := range bodies {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}, time.Second)

		_, err := client.GetProperty(context.Background(), "x")
		require.ErrorIs(t, err, ErrAuth, body)

		var upErr *UpstreamError
		require.True(t, errors.As(err, &upErr))
	}
}

func TestClient_UnparseableBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}, time.Second)

	_, err := client.SearchProperties(context.Background(), Query{})
	require.ErrorIs(t, err, ErrUpstreamFormat)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := client.SearchProperties(context.Background(), Query{})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_CallerCancellationIsNotTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.SearchProperties(ctx, Query{})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrTimeout))
}

type countingLimiter struct{ n atomic.Int32 }

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.n.Add(1)
	return nil
}

func TestClient_WaitsOnLimiterPerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	client := NewClient(config.MLSConfig{BaseURL: srv.URL}, srv.Client(), limiter, nil)

	for i := 0; i < 3; i++ {
		_, err := client.SearchProperties(context.Background(), Query{})
		require.NoError(t, err)
	}
	_, err := client.GetProperty(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(4), limiter.n.Load())
}
