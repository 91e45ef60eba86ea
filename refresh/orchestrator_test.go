package refresh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mlscache/mls"
	"mlscache/models"
	"mlscache/revalidate"
	"mlscache/storage"
)

// countingBackend records how many upsert calls reach the store.
type countingBackend struct {
	*storage.SQLiteStore
	mu      sync.Mutex
	upserts []int
	failErr error
}

func (c *countingBackend) UpsertRows(ctx context.Context, rows []storage.CacheRow) error {
	c.mu.Lock()
	c.upserts = append(c.upserts, len(rows))
	failErr := c.failErr
	c.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	return c.SQLiteStore.UpsertRows(ctx, rows)
}

// pageSearcher serves scripted pages per status, keyed by skip.
type pageSearcher struct {
	pages map[string]map[int][]models.Property
	fail  map[string]map[int]error
}

func (s *pageSearcher) SearchProperties(ctx context.Context, q mls.Query) (*mls.SearchResult, error) {
	if err := s.fail[q.Status][q.Skip]; err != nil {
		return nil, err
	}
	return &mls.SearchResult{Properties: s.pages[q.Status][q.Skip], PageSize: q.PageSize(), Total: -1}, nil
}

func listings(prefix string, n int, office, status string) []models.Property {
	out := make([]models.Property, n)
	for i := range out {
		out[i] = models.Property{ListingID: fmt.Sprintf("%s%02d", prefix, i), OfficeName: office, Status: status}
	}
	return out
}

type harness struct {
	store    *storage.SQLiteStore
	backend  *countingBackend
	gateway  *storage.Gateway
	searcher *pageSearcher
	paths    []string
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		backend:  &countingBackend{SQLiteStore: store},
		searcher: &pageSearcher{pages: map[string]map[int][]models.Property{}, fail: map[string]map[int]error{}},
	}
	h.gateway = storage.NewGateway(h.backend, 50, 24*time.Hour)

	paginator := mls.NewPaginator(h.searcher, "Grandview Realty", 25, 0)
	inv := revalidate.Func(func(ctx context.Context, path string) error {
		h.paths = append(h.paths, path)
		return nil
	})
	h.orch = NewOrchestrator(paginator, h.gateway, store, inv, Options{
		Routes:            []string{"/", "/properties", "/properties/[id]"},
		MinManualInterval: 5 * time.Minute,
	}).WithRunRecorder(store)
	return h
}

// seed writes an older generation directly.
func (h *harness) seed(t *testing.T, n int) {
	t.Helper()
	_, err := h.gateway.UpsertBatch(context.Background(), listings("OLD", n, "Grandview Realty", models.StatusActive))
	require.NoError(t, err)
	h.backend.upserts = nil
}

func (h *harness) scriptAllBuckets() {
	active := append(listings("A", 23, "Grandview Realty - Downtown", models.StatusActive),
		listings("X", 2, "Other Realty", models.StatusActive)...)
	h.searcher.pages[models.StatusActive] = map[int][]models.Property{
		0:  active,
		25: listings("B", 5, "GRANDVIEW REALTY", models.StatusActive),
	}
	uc := append(listings("U", 9, "Grandview Realty", models.StatusUnderContract),
		listings("Y", 1, "Other Realty", models.StatusUnderContract)...)
	h.searcher.pages[models.StatusUnderContract] = map[int][]models.Property{0: uc}
}

func TestRun_FullCycleWritesUnionInOneChunk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, 12)
	h.scriptAllBuckets()

	run, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, run.Success)
	require.Equal(t, models.StateIdle, run.State)
	require.Equal(t, 40, run.Fetched)
	require.Equal(t, 37, run.Written)
	require.Equal(t, []int{37}, h.backend.upserts, "one chunk of at most 50")

	active, err := h.gateway.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 37, "old generation is retired")

	deactivate, ok := run.Step(models.StepDeactivate)
	require.True(t, ok)
	require.Equal(t, 12, deactivate.Count)
	fetchActive, ok := run.Step(models.FetchStep(models.StatusActive))
	require.True(t, ok)
	require.Equal(t, 28, fetchActive.Count)
	fetchUC, ok := run.Step(models.FetchStep(models.StatusUnderContract))
	require.True(t, ok)
	require.Equal(t, 9, fetchUC.Count)

	require.Equal(t, []string{"/", "/properties", "/properties/[id]"}, h.paths)

	runs, err := h.store.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, run.ID, runs[0].ID)
	require.True(t, runs[0].Success)
}

func TestRun_RerunWithIdenticalDataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scriptAllBuckets()

	first, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.Equal(t, 37, second.Written)

	deactivate, ok := second.Step(models.StepDeactivate)
	require.True(t, ok)
	require.Equal(t, 37, deactivate.Count, "second run retires exactly the first generation")

	active, err := h.gateway.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 37)

	ids := make(map[string]bool, len(active))
	for _, cp := range active {
		ids[cp.Property.ListingID] = true
	}
	require.Len(t, ids, 37)
	require.Equal(t, []int{37, 37}, h.backend.upserts)
}

func TestRun_FirstPageTimeoutFailsWithEmptyActiveSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, 12)
	h.scriptAllBuckets()
	h.searcher.fail[models.StatusActive] = map[int]error{0: fmt.Errorf("%w after 30s", mls.ErrTimeout)}

	run, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.ErrorIs(t, err, mls.ErrTimeout)
	require.NotNil(t, run)
	require.Equal(t, models.StateFailed, run.State)
	require.False(t, run.Success)
	require.Empty(t, h.backend.upserts, "nothing half-written")
	require.Empty(t, h.paths)

	active, err := h.gateway.GetActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	runs, err := h.store.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, runs[0].State)
	require.Contains(t, runs[0].Error, "timed out")

	logs, err := h.store.RunLogs(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestRun_LaterPageFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scriptAllBuckets()
	h.searcher.fail[models.StatusActive] = map[int]error{25: mls.ErrTimeout}

	run, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.False(t, run.Success)
	require.Equal(t, 23+9, run.Written)

	step, ok := run.Step(models.FetchStep(models.StatusActive))
	require.True(t, ok)
	require.True(t, step.Partial)
	require.False(t, step.OK)
	require.NotEmpty(t, step.Error)
}

type failingCache struct {
	deactivateErr error
	upsertCalls   int
}

func (f *failingCache) DeactivateAll(ctx context.Context) (int64, error) { return 0, f.deactivateErr }
func (f *failingCache) Clear(ctx context.Context) (int64, error)         { return 0, nil }
func (f *failingCache) UpsertBatch(ctx context.Context, props []models.Property) (storage.BatchResult, error) {
	f.upsertCalls++
	return storage.BatchResult{Written: len(props), Chunks: 1}, nil
}

type countingFetcher struct{ calls int }

func (f *countingFetcher) FetchAll(ctx context.Context, base mls.Query) (*mls.FetchResult, error) {
	f.calls++
	return &mls.FetchResult{}, nil
}

func newLease(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "lease.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRun_DeactivateFailureAborts(t *testing.T) {
	cache := &failingCache{deactivateErr: errors.New("connection refused")}
	fetcher := &countingFetcher{}
	o := NewOrchestrator(fetcher, cache, newLease(t), nil, Options{})

	run, err := o.Run(context.Background(), models.TriggerScheduled)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, models.StateFailed, run.State)
	require.Zero(t, fetcher.calls, "no fetch after a failed deactivate")
	require.Zero(t, cache.upsertCalls)
	require.Equal(t, models.StateIdle, o.State())
}

func TestRun_EmptyFetchIsNoOp(t *testing.T) {
	cache := &failingCache{}
	o := NewOrchestrator(&countingFetcher{}, cache, newLease(t), nil, Options{})

	run, err := o.Run(context.Background(), models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, run.Success)
	require.Zero(t, cache.upsertCalls)
	step, ok := run.Step(models.StepWrite)
	require.True(t, ok)
	require.True(t, step.OK)
	require.Zero(t, step.Count)
}

func TestRun_FirstChunkWriteErrorFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scriptAllBuckets()
	h.backend.failErr = errors.New("request entity too large")

	run, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.ErrorIs(t, err, storage.ErrWrite)
	require.Equal(t, models.StateFailed, run.State)
	require.Equal(t, []int{37}, h.backend.upserts)
	require.Empty(t, h.paths, "no revalidation after a failed write")

	step, ok := run.Step(models.StepWrite)
	require.True(t, ok)
	require.False(t, step.OK)
}

func TestRun_HeldLeaseRejects(t *testing.T) {
	ctx := context.Background()
	lease := newLease(t)
	ok, err := lease.AcquireLease(ctx, LeaseName, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	fetcher := &countingFetcher{}
	cache := &failingCache{}
	o := NewOrchestrator(fetcher, cache, lease, nil, Options{})

	run, err := o.Run(ctx, models.TriggerScheduled)
	require.ErrorIs(t, err, ErrRefreshInProgress)
	require.Nil(t, run)
	require.Zero(t, fetcher.calls)

	_, err = o.Clear(ctx)
	require.ErrorIs(t, err, ErrRefreshInProgress)
}

func TestRun_ReleasesLeaseAfterCycle(t *testing.T) {
	ctx := context.Background()
	lease := newLease(t)
	o := NewOrchestrator(&countingFetcher{}, &failingCache{}, lease, nil, Options{})

	_, err := o.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)

	ok, err := lease.AcquireLease(ctx, LeaseName, "next", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRun_ManualMinimumInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scriptAllBuckets()

	now := time.Now().UTC()
	h.orch.now = func() time.Time { return now }

	_, err := h.orch.Run(ctx, models.TriggerManual)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = h.orch.Run(ctx, models.TriggerManual)
	require.ErrorIs(t, err, ErrTooSoon)

	_, err = h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err, "scheduled runs are not throttled")

	now = now.Add(5 * time.Minute)
	_, err = h.orch.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
}

func TestRun_ArchiveFailureDoesNotFailCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scriptAllBuckets()

	var archived int
	h.orch.WithArchiver(archiveFunc(func(ctx context.Context, runID string, at time.Time, props []models.Property) (string, error) {
		archived = len(props)
		return "", errors.New("bucket missing")
	}))

	run, err := h.orch.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, run.Success)
	require.Equal(t, 37, archived)
	step, ok := run.Step(models.StepArchive)
	require.True(t, ok)
	require.False(t, step.OK)
}

func TestRun_RevalidateErrorsAreRecorded(t *testing.T) {
	ctx := context.Background()
	inv := revalidate.Func(func(ctx context.Context, path string) error {
		if path == "/agents" {
			return errors.New("503")
		}
		return nil
	})
	o := NewOrchestrator(&countingFetcher{}, &failingCache{}, newLease(t), inv, Options{Routes: []string{"/", "/agents"}})

	run, err := o.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.True(t, run.Success)
	step, ok := run.Step(models.StepRevalidate)
	require.True(t, ok)
	require.False(t, step.OK)
	require.Equal(t, 1, step.Count)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, 3)

	n, err := h.orch.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Len(t, h.paths, 3)
}

func TestDedupe(t *testing.T) {
	in := []models.Property{
		{ListingID: "1", Status: models.StatusActive},
		{ListingID: "2"},
		{ListingID: "1", Status: models.StatusUnderContract},
		{ListingID: ""},
	}
	out := Dedupe(in)
	require.Len(t, out, 2)
	require.Equal(t, models.StatusActive, out[0].Status, "first occurrence wins")
}

type archiveFunc func(ctx context.Context, runID string, at time.Time, props []models.Property) (string, error)

func (f archiveFunc) Archive(ctx context.Context, runID string, at time.Time, props []models.Property) (string, error) {
	return f(ctx, runID, at, props)
}
