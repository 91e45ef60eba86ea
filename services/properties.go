package services

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"mlscache/models"
)

const (
	activeKey         = "active"
	defaultServiceTTL = 5 * time.Minute
)

// CacheReader is the read side of the cache store gateway.
type CacheReader interface {
	GetActive(ctx context.Context) ([]models.CachedProperty, error)
	GetOne(ctx context.Context, id string) (*models.CachedProperty, error)
}

// PropertyService serves listing reads from an in-process TTL cache in
// front of the cache table. Concurrent misses for the same key share one
// load. It never calls the MLS.
type PropertyService struct {
	store CacheReader
	ttl   time.Duration
	lists *ccache.Cache[[]models.Property]
	items *ccache.Cache[models.Property]
	group singleflight.Group
	// epoch moves on every Invalidate; a load that started before the
	// move returns its result but does not cache it.
	epoch atomic.Uint64
}

func NewPropertyService(store CacheReader, ttl time.Duration) *PropertyService {
	if ttl <= 0 {
		ttl = defaultServiceTTL
	}
	return &PropertyService{
		store: store,
		ttl:   ttl,
		lists: ccache.New(ccache.Configure[[]models.Property]().MaxSize(16)),
		items: ccache.New(ccache.Configure[models.Property]().MaxSize(5000)),
	}
}

func (s *PropertyService) Stop() {
	s.lists.Stop()
	s.items.Stop()
}

// ListActive returns the active listings, newest modification first.
// An expired cache table reads as an empty list.
func (s *PropertyService) ListActive(ctx context.Context) ([]models.Property, error) {
	if item := s.lists.Get(activeKey); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := s.group.Do("list:"+activeKey, func() (any, error) {
		epoch := s.epoch.Load()
		rows, err := s.store.GetActive(ctx)
		if err != nil {
			return nil, err
		}
		props := make([]models.Property, len(rows))
		for i, r := range rows {
			props[i] = r.Property
		}
		sort.SliceStable(props, func(i, j int) bool {
			return props[i].ModifiedAt.After(props[j].ModifiedAt)
		})
		if s.epoch.Load() == epoch {
			s.lists.Set(activeKey, props, s.ttl)
		}
		return props, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Property), nil
}

// ListByStatus filters ListActive to one normalized status.
func (s *PropertyService) ListByStatus(ctx context.Context, status string) ([]models.Property, error) {
	all, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Property
	for _, p := range all {
		if strings.EqualFold(p.Status, status) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns one active listing by listing ID or listing key, or the
// store's ErrNotFound.
func (s *PropertyService) Get(ctx context.Context, id string) (*models.Property, error) {
	if item := s.items.Get(id); item != nil && !item.Expired() {
		p := item.Value()
		return &p, nil
	}

	v, err, _ := s.group.Do("item:"+id, func() (any, error) {
		epoch := s.epoch.Load()
		cp, err := s.store.GetOne(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.epoch.Load() == epoch {
			s.items.Set(id, cp.Property, s.ttl)
		}
		return cp.Property, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(models.Property)
	return &p, nil
}

// Invalidate drops cached reads behind a dependent route. A concrete
// detail path ("/properties/72123456") drops that listing only; any other
// path drops everything.
func (s *PropertyService) Invalidate(ctx context.Context, path string) error {
	s.epoch.Add(1)
	if id, ok := detailID(path); ok {
		s.group.Forget("item:" + id)
		s.items.Delete(id)
		log.Printf("Properties: invalidated %s", id)
		return nil
	}
	// Later callers must not join a load that read the old generation.
	s.group.Forget("list:" + activeKey)
	s.lists.Clear()
	s.items.Clear()
	log.Printf("Properties: invalidated all (%s)", path)
	return nil
}

func detailID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/properties/")
	if !ok || rest == "" || strings.ContainsAny(rest, "/[]") {
		return "", false
	}
	return rest, true
}
