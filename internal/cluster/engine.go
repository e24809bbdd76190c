package cluster

import (
	"container/list"
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/cache"
	"github.com/saferoute/saferoute/internal/geo"
	"github.com/saferoute/saferoute/internal/tips"
)

// Defaults for EngineConfig.
const (
	DefaultIndexTTL           = 5 * time.Minute
	DefaultViewportTTL        = 200 * time.Millisecond
	DefaultViewportMaxEntries = 10
	DefaultMaxItems           = 300
	DefaultRetainedIndexes    = 8
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Index IndexOptions

	// IndexTTL is how long a built index is reused for an unchanged tip list.
	IndexTTL time.Duration

	// ViewportTTL is how long a viewport query result is reused.
	ViewportTTL time.Duration

	// ViewportMaxEntries bounds the viewport cache.
	ViewportMaxEntries int

	// MaxItems caps the items returned by Query.
	MaxItems int

	// RetainedIndexes bounds how many replaced indexes stay resolvable by
	// Lookup until they reach IndexTTL.
	RetainedIndexes int

	Logger   zerolog.Logger
	Recorder cache.Recorder
	Now      func() time.Time
}

// Stats counts engine cache activity.
type Stats struct {
	IndexBuilds       int64
	IndexReuses       int64
	ViewportHits      int64
	ViewportMisses    int64
	ViewportEvictions int64
	ViewportEntries   int
	IndexedTips       int
	Generation        uint64
}

type retainedIndex struct {
	index   *Index
	builtAt time.Time
}

type viewportEntry struct {
	key      string
	items    []Item
	storedAt time.Time
}

// Engine owns the cluster index cache and the viewport query cache.
// Construct one per process and share it; it is safe for concurrent use.
type Engine struct {
	cfg      EngineConfig
	logger   zerolog.Logger
	recorder cache.Recorder
	now      func() time.Time

	mu           sync.Mutex
	index        *Index
	indexIDs     []string
	indexBuiltAt time.Time
	generation   uint64
	retained     map[uint64]retainedIndex

	viewport *list.List
	entries  map[string]*list.Element

	stats Stats
}

// NewEngine creates an Engine. Zero config fields take their defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Index == (IndexOptions{}) {
		cfg.Index = DefaultIndexOptions()
	}
	if cfg.IndexTTL == 0 {
		cfg.IndexTTL = DefaultIndexTTL
	}
	if cfg.ViewportTTL == 0 {
		cfg.ViewportTTL = DefaultViewportTTL
	}
	if cfg.ViewportMaxEntries == 0 {
		cfg.ViewportMaxEntries = DefaultViewportMaxEntries
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.RetainedIndexes == 0 {
		cfg.RetainedIndexes = DefaultRetainedIndexes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		now:      now,
		retained: make(map[uint64]retainedIndex),
		viewport: list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Build returns an index over tipList. The cached index is reused when the
// tip id sequence is unchanged (same length, ids and order) and younger than
// IndexTTL; field changes under the same ids do not trigger a rebuild.
func (e *Engine) Build(tipList []tips.Tip) *Index {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.index != nil && now.Sub(e.indexBuiltAt) < e.cfg.IndexTTL && sameIDs(e.indexIDs, tipList) {
		e.stats.IndexReuses++
		e.record(true)
		return e.index
	}
	e.record(false)

	e.generation++
	opts := e.cfg.Index
	opts.Generation = e.generation

	snapshot := make([]tips.Tip, len(tipList))
	copy(snapshot, tipList)

	start := time.Now()
	idx := NewIndex(snapshot, opts)

	e.index = idx
	e.indexIDs = tipIDs(snapshot)
	e.indexBuiltAt = now
	e.retainLocked(idx, now)
	e.stats.IndexBuilds++
	e.clearViewportLocked()

	e.logger.Debug().
		Int("tips", len(snapshot)).
		Uint64("generation", e.generation).
		Dur("duration", time.Since(start)).
		Msg("cluster index built")
	return idx
}

// Current returns the cached index if it has not expired.
func (e *Engine) Current() (*Index, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == nil || e.now().Sub(e.indexBuiltAt) >= e.cfg.IndexTTL {
		return nil, false
	}
	return e.index, true
}

// Lookup returns the index that produced id. Indexes replaced by a later
// Build stay resolvable until they expire or fall out of the retained set;
// after that Lookup returns ErrStaleClusterID.
func (e *Engine) Lookup(id ClusterID) (*Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.retained[id.generation()]
	if !ok || e.now().Sub(r.builtAt) >= e.cfg.IndexTTL {
		return nil, ErrStaleClusterID
	}
	return r.index, nil
}

// Query returns the items of idx inside bounds at floor(zoom), capped at
// MaxItems with clusters kept before points. Results are cached per
// viewport for ViewportTTL; the returned slice must not be modified.
func (e *Engine) Query(idx *Index, bounds geo.Bounds, zoom float64) []Item {
	key := viewportKey(idx, bounds, zoom)

	e.mu.Lock()
	if el, ok := e.entries[key]; ok {
		entry := el.Value.(*viewportEntry)
		if e.now().Sub(entry.storedAt) < e.cfg.ViewportTTL {
			e.viewport.MoveToBack(el)
			e.stats.ViewportHits++
			e.mu.Unlock()
			e.recordViewport(true)
			return entry.items
		}
		e.removeLocked(el)
	}
	e.stats.ViewportMisses++
	e.mu.Unlock()
	e.recordViewport(false)

	items := capItems(idx.Clusters(bounds, math.Floor(zoom)), e.cfg.MaxItems)

	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.entries[key]; ok {
		e.removeLocked(el)
	}
	if e.viewport.Len() >= e.cfg.ViewportMaxEntries {
		if oldest := e.viewport.Front(); oldest != nil {
			e.removeLocked(oldest)
			e.stats.ViewportEvictions++
		}
	}
	e.entries[key] = e.viewport.PushBack(&viewportEntry{key: key, items: items, storedAt: e.now()})
	return items
}

// Invalidate drops the cached index and every viewport entry. Call it when
// the tip set changes outside a normal re-fetch, e.g. after a submission.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.index = nil
	e.indexIDs = nil
	e.indexBuiltAt = time.Time{}
	e.retained = make(map[uint64]retainedIndex)
	e.clearViewportLocked()
	e.logger.Debug().Msg("cluster caches invalidated")
}

// CleanupResult reports what PeriodicCleanup removed.
type CleanupResult struct {
	IndexDropped     bool
	ViewportsExpired int
}

// PeriodicCleanup drops an expired index and expired viewport entries.
// It is a no-op on empty caches.
func (e *Engine) PeriodicCleanup() CleanupResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result CleanupResult
	now := e.now()

	if e.index != nil && now.Sub(e.indexBuiltAt) >= e.cfg.IndexTTL {
		e.index = nil
		e.indexIDs = nil
		result.IndexDropped = true
	}
	for gen, r := range e.retained {
		if now.Sub(r.builtAt) >= e.cfg.IndexTTL {
			delete(e.retained, gen)
		}
	}

	for el := e.viewport.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*viewportEntry).storedAt) >= e.cfg.ViewportTTL {
			e.removeLocked(el)
			result.ViewportsExpired++
		}
		el = next
	}
	return result
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.ViewportEntries = e.viewport.Len()
	s.Generation = e.generation
	if e.index != nil {
		s.IndexedTips = e.index.Len()
	}
	return s
}

// retainLocked keeps idx resolvable and drops the oldest retained index
// beyond RetainedIndexes.
func (e *Engine) retainLocked(idx *Index, now time.Time) {
	e.retained[idx.clusterGeneration()] = retainedIndex{index: idx, builtAt: now}
	for len(e.retained) > e.cfg.RetainedIndexes {
		var oldest uint64
		first := true
		for gen, r := range e.retained {
			if first || r.builtAt.Before(e.retained[oldest].builtAt) ||
				(r.builtAt.Equal(e.retained[oldest].builtAt) && r.index.Generation() < e.retained[oldest].index.Generation()) {
				oldest, first = gen, false
			}
		}
		delete(e.retained, oldest)
	}
}

func (e *Engine) removeLocked(el *list.Element) {
	delete(e.entries, el.Value.(*viewportEntry).key)
	e.viewport.Remove(el)
}

func (e *Engine) clearViewportLocked() {
	e.viewport.Init()
	e.entries = make(map[string]*list.Element)
}

func (e *Engine) record(hit bool) {
	if e.recorder == nil {
		return
	}
	if hit {
		e.recorder.RecordHit(context.Background(), "cluster_index")
	} else {
		e.recorder.RecordMiss(context.Background(), "cluster_index")
	}
}

func (e *Engine) recordViewport(hit bool) {
	if e.recorder == nil {
		return
	}
	if hit {
		e.recorder.RecordHit(context.Background(), "cluster_viewport")
	} else {
		e.recorder.RecordMiss(context.Background(), "cluster_viewport")
	}
}

// viewportKey uses the same zoom clamp as Index.Clusters so a key always
// maps to one result.
func viewportKey(idx *Index, bounds geo.Bounds, zoom float64) string {
	return bounds.Format(4) + "|z" + strconv.Itoa(idx.limitZoom(zoom)) +
		"|g" + strconv.FormatUint(idx.Generation(), 10)
}

// capItems keeps all clusters ahead of points and truncates points first.
// Clusters are truncated only when they alone exceed max.
func capItems(items []Item, max int) []Item {
	if len(items) <= max {
		return items
	}

	clusters := make([]Item, 0, len(items))
	points := make([]Item, 0, len(items))
	for _, it := range items {
		if IsCluster(it) {
			clusters = append(clusters, it)
		} else {
			points = append(points, it)
		}
	}

	if len(clusters) >= max {
		return clusters[:max]
	}
	return append(clusters, points[:max-len(clusters)]...)
}

func sameIDs(ids []string, tipList []tips.Tip) bool {
	if len(ids) != len(tipList) {
		return false
	}
	for i := range tipList {
		if ids[i] != tipList[i].ID {
			return false
		}
	}
	return true
}

func tipIDs(tipList []tips.Tip) []string {
	ids := make([]string, len(tipList))
	for i, t := range tipList {
		ids[i] = t.ID
	}
	return ids
}
