// Package buffer implements the disk-backed buffer pool: a fixed set of
// in-memory frames, an LRU-K replacement policy for choosing what to
// evict, and RAII-style page guards that pin/latch a page for the
// duration of a scope.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/internal/page"
	"github.com/dblab/storagecore/internal/replacer"
)

var (
	// ErrPoolExhausted is returned when every frame is pinned and the
	// replacer has no evictable victim to offer.
	ErrPoolExhausted = errors.New("buffer: pool exhausted, no evictable frame")
	// ErrPageNotFound is returned when UnpinPage/FlushPage is asked for
	// a page the pool does not currently hold.
	ErrPageNotFound = errors.New("buffer: page not resident in pool")
	// ErrPagePinned is returned when DeletePage is asked to remove a page
	// that is still pinned by a caller.
	ErrPagePinned = errors.New("buffer: page still pinned")
)

// Metrics bundles the OpenTelemetry instruments the pool emits. Build one
// with NewMetrics and share it across pools registered against the same
// meter; the zero value is safe to use (every instrument a no-op).
type Metrics struct {
	Hits      metric.Int64Counter
	Misses    metric.Int64Counter
	Evictions metric.Int64Counter
	Flushes   metric.Int64Counter
	FlushTime metric.Float64Histogram
}

// NewMetrics registers the buffer pool's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.Hits, err = meter.Int64Counter("bufferpool_hit_total"); err != nil {
		return nil, err
	}
	if m.Misses, err = meter.Int64Counter("bufferpool_miss_total"); err != nil {
		return nil, err
	}
	if m.Evictions, err = meter.Int64Counter("bufferpool_eviction_total"); err != nil {
		return nil, err
	}
	if m.Flushes, err = meter.Int64Counter("bufferpool_flush_total"); err != nil {
		return nil, err
	}
	if m.FlushTime, err = meter.Float64Histogram("bufferpool_flush_latency_seconds"); err != nil {
		return nil, err
	}
	return m, nil
}

// PoolManager is the buffer pool: it maps page IDs to pinned in-memory
// frames, fetching from and flushing to disk as needed, and uses an
// LRU-K replacer to choose eviction victims among unpinned frames.
type PoolManager struct {
	mu sync.Mutex

	disk     *disk.Manager
	replacer *replacer.LRUKReplacer
	log      *zap.Logger
	metrics  *Metrics

	frames    []*page.Page
	pageTable map[page.ID]replacer.FrameID
	freeList  []replacer.FrameID
}

// NewPoolManager constructs a pool of poolSize frames, backed by disk mgr
// and evicting via LRU-K with the given k.
func NewPoolManager(mgr *disk.Manager, poolSize, k int, log *zap.Logger, metrics *Metrics) *PoolManager {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil || *metrics == (Metrics{}) {
		metrics, _ = NewMetrics(noop.NewMeterProvider().Meter(""))
	}
	frames := make([]*page.Page, poolSize)
	free := make([]replacer.FrameID, poolSize)
	for i := range frames {
		frames[i] = page.NewPage()
		free[i] = replacer.FrameID(i)
	}
	return &PoolManager{
		disk:      mgr,
		replacer:  replacer.New(poolSize, k),
		log:       log.Named("bufferpool"),
		metrics:   metrics,
		frames:    frames,
		pageTable: make(map[page.ID]replacer.FrameID),
		freeList:  free,
	}
}

// victim finds a frame to reuse: a free frame first, otherwise the
// replacer's chosen eviction victim. The caller must hold mu.
func (p *PoolManager) victim() (replacer.FrameID, bool, error) {
	if n := len(p.freeList); n > 0 {
		f := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return f, false, nil
	}
	f, ok := p.replacer.Evict()
	if !ok {
		return 0, false, ErrPoolExhausted
	}
	p.metrics.Evictions.Add(context.Background(), 1)
	return f, true, nil
}

// evictFrame flushes frame f if dirty and removes its page-table entry.
// Caller must hold mu.
func (p *PoolManager) evictFrame(f replacer.FrameID) error {
	fr := p.frames[f]
	if cur, ok := p.pageTable[fr.ID()]; !ok || cur != f {
		return nil
	}
	if fr.IsDirty() {
		p.log.Debug("flushing dirty victim before eviction", zap.Uint64("page_id", uint64(fr.ID())))
		if err := p.disk.WritePage(fr.ID(), fr.Data()); err != nil {
			return fmt.Errorf("buffer: flushing evicted page %d: %w", fr.ID(), err)
		}
	}
	delete(p.pageTable, fr.ID())
	p.log.Debug("evicted frame", zap.Int("frame", int(f)), zap.Uint64("page_id", uint64(fr.ID())))
	return nil
}

// FetchPage returns the frame holding id, pinning it, reading it from
// disk and evicting a victim frame if it is not already resident.
func (p *PoolManager) FetchPage(id page.ID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.pageTable[id]; ok {
		fr := p.frames[f]
		fr.Pin()
		p.replacer.RecordAccess(f)
		p.replacer.SetEvictable(f, false)
		p.metrics.Hits.Add(context.Background(), 1)
		return fr, nil
	}
	p.metrics.Misses.Add(context.Background(), 1)

	f, evicted, err := p.victim()
	if err != nil {
		p.log.Warn("fetch failed: pool exhausted", zap.Uint64("page_id", uint64(id)))
		return nil, err
	}
	if evicted {
		if err := p.evictFrame(f); err != nil {
			return nil, err
		}
	}

	fr := p.frames[f]
	fr.Reset()
	fr.SetID(id)
	if err := p.disk.ReadPage(id, fr.Data()); err != nil {
		p.freeList = append(p.freeList, f)
		return nil, fmt.Errorf("buffer: reading page %d: %w", id, err)
	}
	fr.Pin()
	p.pageTable[id] = f
	p.replacer.RecordAccess(f)
	p.replacer.SetEvictable(f, false)
	return fr, nil
}

// NewPage allocates a fresh page on disk and pins its frame in the pool.
func (p *PoolManager) NewPage() (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, evicted, err := p.victim()
	if err != nil {
		p.log.Warn("new page failed: pool exhausted")
		return nil, err
	}
	if evicted {
		if err := p.evictFrame(f); err != nil {
			return nil, err
		}
	}

	id, err := p.disk.AllocatePage()
	if err != nil {
		p.freeList = append(p.freeList, f)
		return nil, fmt.Errorf("buffer: allocating page: %w", err)
	}

	fr := p.frames[f]
	fr.Reset()
	fr.SetID(id)
	fr.Pin()
	p.pageTable[id] = f
	p.replacer.RecordAccess(f)
	p.replacer.SetEvictable(f, false)
	return fr, nil
}

// UnpinPage releases one pin on id. dirty, if true, marks the page as
// having unflushed writes (a false value never clears an existing dirty
// flag set by an earlier unpin). Once the pin count reaches zero the
// frame becomes eligible for eviction.
func (p *PoolManager) UnpinPage(id page.ID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	fr := p.frames[f]
	if fr.PinCount() == 0 {
		return fmt.Errorf("buffer: unpin on page %d with zero pin count", id)
	}
	if dirty {
		fr.SetDirty(true)
	}
	fr.Unpin()
	if fr.PinCount() == 0 {
		p.replacer.SetEvictable(f, true)
	}
	return nil
}

// FlushPage writes id's frame to disk if resident, regardless of its
// dirty flag, and clears the dirty flag on success.
func (p *PoolManager) FlushPage(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	fr := p.frames[f]
	start := time.Now()
	if err := p.disk.WritePage(id, fr.Data()); err != nil {
		return err
	}
	fr.SetDirty(false)
	p.metrics.Flushes.Add(context.Background(), 1)
	p.metrics.FlushTime.Record(context.Background(), time.Since(start).Seconds())
	return nil
}

// FlushAllPages flushes every resident page, used for graceful shutdown.
func (p *PoolManager) FlushAllPages() error {
	p.mu.Lock()
	ids := make([]page.ID, 0, len(p.pageTable))
	for id := range p.pageTable {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes id from the pool, returns its frame to the pool's
// free list, and deallocates the page on disk. It fails if the page is
// still pinned; for a page that is not resident it does nothing and
// returns nil.
func (p *PoolManager) DeletePage(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	fr := p.frames[f]
	if fr.PinCount() > 0 {
		return fmt.Errorf("%w: page %d", ErrPagePinned, id)
	}
	delete(p.pageTable, id)
	p.replacer.Remove(f)
	fr.Reset()
	p.freeList = append(p.freeList, f)
	return p.disk.DeallocatePage(id)
}

// Close flushes every resident page and closes the backing disk manager.
func (p *PoolManager) Close() error {
	if err := p.FlushAllPages(); err != nil {
		return err
	}
	return p.disk.Close()
}
