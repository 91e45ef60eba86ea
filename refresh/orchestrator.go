package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mlscache/logging"
	"mlscache/mls"
	"mlscache/models"
	"mlscache/revalidate"
	"mlscache/storage"
)

// LeaseName is the lease row guarding the cache table.
const LeaseName = "property_cache_refresh"

var (
	// ErrRefreshInProgress is returned when another cycle holds the lease.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrTooSoon rejects a manual trigger inside the minimum interval.
	ErrTooSoon = errors.New("manual refresh requested too soon")
)

// Lease is a named, expiring mutual-exclusion record.
type Lease interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Fetcher walks every page of one status bucket.
type Fetcher interface {
	FetchAll(ctx context.Context, base mls.Query) (*mls.FetchResult, error)
}

// Cache is the write side of the cache store gateway.
type Cache interface {
	DeactivateAll(ctx context.Context) (int64, error)
	UpsertBatch(ctx context.Context, props []models.Property) (storage.BatchResult, error)
	Clear(ctx context.Context) (int64, error)
}

// Archiver stores a copy of each written generation.
type Archiver interface {
	Archive(ctx context.Context, runID string, at time.Time, props []models.Property) (string, error)
}

// RunRecorder persists run history and run-scoped log lines.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *models.RefreshRun) error
	UpdateRun(ctx context.Context, run *models.RefreshRun) error
	LastRunStart(ctx context.Context, trigger models.Trigger) (time.Time, error)
	Log(ctx context.Context, runID string, level models.LogLevel, message string) error
}

type Options struct {
	Statuses          []string
	Routes            []string
	OfficeID          string
	LeaseTTL          time.Duration
	MinManualInterval time.Duration
}

// Orchestrator runs refresh cycles: retire the old generation, fetch each
// status bucket, write the union and revalidate dependent routes.
type Orchestrator struct {
	fetcher     Fetcher
	cache       Cache
	lease       Lease
	invalidator revalidate.Invalidator
	archiver    Archiver
	runs        RunRecorder
	opts        Options
	now         func() time.Time

	mu         sync.Mutex
	state      models.RefreshState
	lastManual time.Time
}

func NewOrchestrator(fetcher Fetcher, cache Cache, lease Lease, invalidator revalidate.Invalidator, opts Options) *Orchestrator {
	if len(opts.Statuses) == 0 {
		opts.Statuses = []string{models.StatusActive, models.StatusUnderContract}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Minute
	}
	if invalidator == nil {
		invalidator = revalidate.Multi{}
	}
	return &Orchestrator{
		fetcher:     fetcher,
		cache:       cache,
		lease:       lease,
		invalidator: invalidator,
		opts:        opts,
		now:         time.Now,
		state:       models.StateIdle,
	}
}

// WithArchiver enables the per-run generation archive.
func (o *Orchestrator) WithArchiver(a Archiver) *Orchestrator {
	o.archiver = a
	return o
}

// WithRunRecorder enables run history.
func (o *Orchestrator) WithRunRecorder(r RunRecorder) *Orchestrator {
	o.runs = r
	return o
}

// State returns the state of the cycle in progress, or idle.
func (o *Orchestrator) State() models.RefreshState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(run *models.RefreshRun, s models.RefreshState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	run.State = s
}

// Run executes one refresh cycle. It returns ErrTooSoon or
// ErrRefreshInProgress without touching the cache, and a non-nil error with
// the run in the failed state when the old generation could not be
// retired, a first page failed or the first write chunk was rejected.
// A completed cycle returns a nil error; run.Success reports whether every
// fetch and the write fully succeeded.
func (o *Orchestrator) Run(ctx context.Context, trigger models.Trigger) (*models.RefreshRun, error) {
	if trigger == models.TriggerManual {
		if err := o.checkManualInterval(ctx); err != nil {
			return nil, err
		}
	}

	owner := uuid.NewString()
	ok, err := o.lease.AcquireLease(ctx, LeaseName, owner, o.opts.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrRefreshInProgress
	}
	defer o.releaseLease(owner)

	run := &models.RefreshRun{
		ID:        owner,
		Trigger:   trigger,
		State:     models.StateIdle,
		StartedAt: o.now(),
	}
	if trigger == models.TriggerManual {
		o.mu.Lock()
		o.lastManual = run.StartedAt
		o.mu.Unlock()
	}
	o.record(ctx, run, true)

	err = o.cycle(ctx, run)
	if err != nil {
		o.setState(run, models.StateFailed)
		run.Error = err.Error()
		o.logf(ctx, run, models.LogLevelError, "cycle failed: %v", err)
	} else {
		o.setState(run, models.StateIdle)
	}
	finished := o.now()
	run.FinishedAt = &finished
	o.record(ctx, run, false)

	o.mu.Lock()
	o.state = models.StateIdle
	o.mu.Unlock()

	o.logf(ctx, run, models.LogLevelInfo, "cycle %s finished: success=%v fetched=%d written=%d in %s",
		run.ID, run.Success, run.Fetched, run.Written, finished.Sub(run.StartedAt).Round(time.Millisecond))
	return run, err
}

func (o *Orchestrator) cycle(ctx context.Context, run *models.RefreshRun) error {
	// Retire the old generation before anything new is written.
	o.setState(run, models.StateClearingOldGeneration)
	start := o.now()
	n, err := o.cache.DeactivateAll(ctx)
	o.step(run, models.StepResult{Name: models.StepDeactivate, OK: err == nil, Count: int(n)}, start, err)
	if err != nil {
		return err
	}

	allOK := true
	var fetched []models.Property
	for _, status := range o.opts.Statuses {
		o.setState(run, fetchState(status))
		start := o.now()
		res, err := o.fetcher.FetchAll(ctx, mls.Query{Status: status, OfficeID: o.opts.OfficeID})
		if err != nil {
			o.step(run, models.StepResult{Name: models.FetchStep(status)}, start, err)
			return fmt.Errorf("fetch %s: %w", status, err)
		}

		step := models.StepResult{Name: models.FetchStep(status), OK: !res.Partial, Partial: res.Partial, Count: len(res.Properties)}
		o.step(run, step, start, res.Err)
		if res.Partial {
			allOK = false
			o.logf(ctx, run, models.LogLevelWarn, "%s: partial fetch, kept %d records after %d pages: %v",
				status, len(res.Properties), res.Pages, res.Err)
		} else {
			o.logf(ctx, run, models.LogLevelInfo, "%s: %d records kept of %d fetched (%s)",
				status, len(res.Properties), res.Fetched, res.StopReason)
		}
		run.Fetched += res.Fetched
		fetched = append(fetched, res.Properties...)
	}

	props := Dedupe(fetched)

	o.setState(run, models.StateWriting)
	start = o.now()
	if len(props) == 0 {
		o.logf(ctx, run, models.LogLevelWarn, "nothing to write, leaving cache empty")
		o.step(run, models.StepResult{Name: models.StepWrite, OK: true}, start, nil)
	} else {
		res, err := o.cache.UpsertBatch(ctx, props)
		if err != nil {
			o.step(run, models.StepResult{Name: models.StepWrite, Count: res.Written}, start, err)
			return err
		}
		run.Written = res.Written
		step := models.StepResult{Name: models.StepWrite, OK: res.Failed == 0, Partial: res.Failed > 0, Count: res.Written}
		o.step(run, step, start, errors.Join(res.Errors...))
		if res.Failed > 0 {
			allOK = false
			o.logf(ctx, run, models.LogLevelWarn, "wrote %d of %d records, %d chunks failed", res.Written, len(props), len(res.Errors))
		}
		o.archive(ctx, run, props)
	}
	run.Success = allOK

	o.setState(run, models.StateRevalidating)
	o.revalidate(ctx, run)
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, run *models.RefreshRun, props []models.Property) {
	if o.archiver == nil {
		return
	}
	start := o.now()
	key, err := o.archiver.Archive(ctx, run.ID, start, props)
	o.step(run, models.StepResult{Name: models.StepArchive, OK: err == nil, Count: len(props)}, start, err)
	if err != nil {
		o.logf(ctx, run, models.LogLevelWarn, "archive failed: %v", err)
		return
	}
	o.logf(ctx, run, models.LogLevelInfo, "archived %d records to %s", len(props), key)
}

func (o *Orchestrator) revalidate(ctx context.Context, run *models.RefreshRun) {
	start := o.now()
	var errs []error
	done := 0
	for _, path := range o.opts.Routes {
		if err := o.invalidator.Invalidate(ctx, path); err != nil {
			errs = append(errs, err)
			o.logf(ctx, run, models.LogLevelWarn, "revalidate %s: %v", path, err)
			continue
		}
		done++
	}
	err := errors.Join(errs...)
	o.step(run, models.StepResult{Name: models.StepRevalidate, OK: err == nil, Count: done}, start, err)
}

// Clear hard-deletes the cache under the lease and revalidates every route.
func (o *Orchestrator) Clear(ctx context.Context) (int64, error) {
	owner := uuid.NewString()
	ok, err := o.lease.AcquireLease(ctx, LeaseName, owner, o.opts.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return 0, ErrRefreshInProgress
	}
	defer o.releaseLease(owner)

	n, err := o.cache.Clear(ctx)
	if err != nil {
		return 0, err
	}
	for _, path := range o.opts.Routes {
		if err := o.invalidator.Invalidate(ctx, path); err != nil {
			log.Printf("Refresh: revalidate %s after clear: %v", path, err)
		}
	}
	return n, nil
}

func (o *Orchestrator) checkManualInterval(ctx context.Context) error {
	if o.opts.MinManualInterval <= 0 {
		return nil
	}
	o.mu.Lock()
	last := o.lastManual
	o.mu.Unlock()

	if o.runs != nil {
		stored, err := o.runs.LastRunStart(ctx, models.TriggerManual)
		if err != nil {
			log.Printf("Refresh: could not read last manual run: %v", err)
		} else if stored.After(last) {
			last = stored
		}
	}
	if !last.IsZero() && o.now().Sub(last) < o.opts.MinManualInterval {
		return fmt.Errorf("%w: last manual run at %s", ErrTooSoon, last.Format(time.RFC3339))
	}
	return nil
}

func (o *Orchestrator) releaseLease(owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.lease.ReleaseLease(ctx, LeaseName, owner); err != nil {
		log.Printf("Refresh: release lease: %v", err)
	}
}

func (o *Orchestrator) step(run *models.RefreshRun, s models.StepResult, start time.Time, err error) {
	if err != nil {
		s.Error = err.Error()
	}
	s.Duration = o.now().Sub(start)
	run.Steps = append(run.Steps, s)
}

// record persists the run; history is best effort and never fails a cycle.
func (o *Orchestrator) record(ctx context.Context, run *models.RefreshRun, create bool) {
	if o.runs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if create {
		err = o.runs.CreateRun(ctx, run)
	} else {
		err = o.runs.UpdateRun(ctx, run)
	}
	if err != nil {
		log.Printf("Refresh: record run %s: %v", run.ID, err)
	}
}

func (o *Orchestrator) logf(ctx context.Context, run *models.RefreshRun, level models.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case models.LogLevelError:
		logging.Errorf("Refresh: %s", msg)
	case models.LogLevelWarn:
		logging.Warnf("Refresh: %s", msg)
	default:
		logging.Infof("Refresh: %s", msg)
	}
	if o.runs != nil {
		if err := o.runs.Log(context.WithoutCancel(ctx), run.ID, level, msg); err != nil {
			log.Printf("Refresh: persist log: %v", err)
		}
	}
}

func fetchState(status string) models.RefreshState {
	if strings.EqualFold(status, models.StatusUnderContract) {
		return models.StateFetchingUnderContract
	}
	return models.StateFetchingActive
}

// Dedupe keeps the first record per listing ID and drops records with none.
func Dedupe(props []models.Property) []models.Property {
	seen := make(map[string]struct{}, len(props))
	out := make([]models.Property, 0, len(props))
	for _, p := range props {
		if p.ListingID == "" {
			continue
		}
		if _, ok := seen[p.ListingID]; ok {
			continue
		}
		seen[p.ListingID] = struct{}{}
		out = append(out, p)
	}
	return out
}
