package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mlscache/models"
	"mlscache/storage"
)

type fakeReader struct {
	activeCalls atomic.Int32
	oneCalls    atomic.Int32
	gate        chan struct{}
	started     chan struct{}

	mu   sync.Mutex
	rows []models.CachedProperty
}

// snapshot reads the current generation, then blocks on the gate.
func (f *fakeReader) snapshot() []models.CachedProperty {
	f.mu.Lock()
	rows := f.rows
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	return rows
}

func (f *fakeReader) setRows(rows []models.CachedProperty) {
	f.mu.Lock()
	f.rows = rows
	f.mu.Unlock()
}

func (f *fakeReader) GetActive(ctx context.Context) ([]models.CachedProperty, error) {
	f.activeCalls.Add(1)
	return f.snapshot(), nil
}

func (f *fakeReader) GetOne(ctx context.Context, id string) (*models.CachedProperty, error) {
	f.oneCalls.Add(1)
	for _, r := range f.snapshot() {
		if r.Property.ListingID == id {
			return &r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func cached(id, status string, modified time.Time) models.CachedProperty {
	return models.CachedProperty{
		Property: models.Property{ListingID: id, Status: status, ModifiedAt: modified},
		IsActive: true,
	}
}

func newReader() *fakeReader {
	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	return &fakeReader{rows: []models.CachedProperty{
		cached("a", models.StatusActive, base.Add(-2*time.Hour)),
		cached("b", models.StatusUnderContract, base),
		cached("c", models.StatusActive, base.Add(-time.Hour)),
	}}
}

func TestPropertyService_ListActiveCachesAndSorts(t *testing.T) {
	r := newReader()
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	props, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, ids(props))

	_, err = s.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), r.activeCalls.Load())
}

func TestPropertyService_ConcurrentMissesShareOneLoad(t *testing.T) {
	r := newReader()
	r.gate = make(chan struct{})
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			props, err := s.ListActive(context.Background())
			if err == nil && len(props) != 3 {
				t.Errorf("got %d properties", len(props))
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	require.Equal(t, int32(1), r.activeCalls.Load())
}

func TestPropertyService_ListByStatus(t *testing.T) {
	s := NewPropertyService(newReader(), time.Minute)
	defer s.Stop()

	props, err := s.ListByStatus(context.Background(), "under contract")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(props))
}

func TestPropertyService_Get(t *testing.T) {
	r := newReader()
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	p, err := s.Get(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, "c", p.ListingID)

	_, err = s.Get(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, int32(1), r.oneCalls.Load())

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPropertyService_Invalidate(t *testing.T) {
	ctx := context.Background()
	r := newReader()
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	_, err := s.ListActive(ctx)
	require.NoError(t, err)
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	_, err = s.Get(ctx, "b")
	require.NoError(t, err)

	// detail path drops only that listing
	require.NoError(t, s.Invalidate(ctx, "/properties/a"))
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	_, err = s.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int32(3), r.oneCalls.Load())
	_, err = s.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), r.activeCalls.Load())

	// route templates and list pages drop everything
	require.NoError(t, s.Invalidate(ctx, "/properties/[id]"))
	_, err = s.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), r.activeCalls.Load())
	_, err = s.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int32(4), r.oneCalls.Load())
}

func TestPropertyService_InvalidateDuringListLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	r := newReader()
	r.gate = make(chan struct{})
	r.started = make(chan struct{}, 1)
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	done := make(chan []models.Property, 1)
	go func() {
		props, _ := s.ListActive(ctx)
		done <- props
	}()
	<-r.started

	// a refresh retires the generation the load already read
	r.setRows(nil)
	require.NoError(t, s.Invalidate(ctx, "/properties"))
	close(r.gate)
	require.Len(t, <-done, 3)

	props, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, props)
	require.Equal(t, int32(2), r.activeCalls.Load())
}

func TestPropertyService_InvalidateDuringItemLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	r := newReader()
	r.gate = make(chan struct{})
	r.started = make(chan struct{}, 1)
	s := NewPropertyService(r, time.Minute)
	defer s.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx, "c")
		done <- err
	}()
	<-r.started

	r.setRows([]models.CachedProperty{cached("c", models.StatusUnderContract, time.Now())})
	require.NoError(t, s.Invalidate(ctx, "/properties/c"))
	close(r.gate)
	require.NoError(t, <-done)

	p, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, models.StatusUnderContract, p.Status)
	require.Equal(t, int32(2), r.oneCalls.Load())
}

func TestDetailID(t *testing.T) {
	id, ok := detailID("/properties/72123456")
	require.True(t, ok)
	require.Equal(t, "72123456", id)

	for _, p := range []string{"/", "/properties", "/properties/", "/properties/[id]", "/agents"} {
		_, ok := detailID(p)
		require.False(t, ok, p)
	}
}

func ids(props []models.Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.ListingID
	}
	return out
}
