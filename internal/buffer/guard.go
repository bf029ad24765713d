package buffer

import "github.com/dblab/storagecore/internal/page"

// BasicGuard pins a page for the lifetime of the guard and unpins it on
// Release, without taking any latch of its own. It is the building block
// ReadGuard and WriteGuard wrap; most callers want one of those instead.
//
// Go has no destructors or move constructors, so where BusTub relies on
// a guard's destructor (or a move that nulls the source) to guarantee
// exactly-once release, this type instead makes Release idempotent and
// expects callers to `defer guard.Release()` immediately after acquiring
// it.
type BasicGuard struct {
	pool  *PoolManager
	pg    *page.Page
	dirty bool
}

// FetchBasic fetches and pins id, returning a guard that will unpin it.
func (p *PoolManager) FetchBasic(id page.ID) (BasicGuard, error) {
	pg, err := p.FetchPage(id)
	if err != nil {
		return BasicGuard{}, err
	}
	return BasicGuard{pool: p, pg: pg}, nil
}

// NewBasic allocates a fresh page and returns a guard pinning it.
func (p *PoolManager) NewBasic() (BasicGuard, error) {
	pg, err := p.NewPage()
	if err != nil {
		return BasicGuard{}, err
	}
	return BasicGuard{pool: p, pg: pg}, nil
}

// Page returns the underlying page. Valid only before Release.
func (g *BasicGuard) Page() *page.Page { return g.pg }

// MarkDirty records that the guard's holder wrote to the page, so
// Release unpins it with the dirty flag set.
func (g *BasicGuard) MarkDirty() { g.dirty = true }

// Release unpins the underlying page. It is safe to call more than once;
// only the first call has effect.
func (g *BasicGuard) Release() {
	if g.pool == nil || g.pg == nil {
		return
	}
	g.pool.UnpinPage(g.pg.ID(), g.dirty)
	g.pool = nil
	g.pg = nil
}

// ReadGuard pins a page and holds its latch for reading until Release.
type ReadGuard struct {
	basic BasicGuard
}

// FetchRead fetches id, pins it, and takes its read latch.
func (p *PoolManager) FetchRead(id page.ID) (ReadGuard, error) {
	b, err := p.FetchBasic(id)
	if err != nil {
		return ReadGuard{}, err
	}
	b.pg.Latch.RLock()
	return ReadGuard{basic: b}, nil
}

// Page returns the underlying page, latched for reading. Valid only
// before Release.
func (g *ReadGuard) Page() *page.Page { return g.basic.pg }

// Release unlatches and unpins the page. Safe to call more than once.
func (g *ReadGuard) Release() {
	if g.basic.pg == nil {
		return
	}
	g.basic.pg.Latch.RUnlock()
	g.basic.Release()
}

// WriteGuard pins a page and holds its latch for writing until Release.
type WriteGuard struct {
	basic BasicGuard
}

// FetchWrite fetches id, pins it, and takes its write latch.
func (p *PoolManager) FetchWrite(id page.ID) (WriteGuard, error) {
	b, err := p.FetchBasic(id)
	if err != nil {
		return WriteGuard{}, err
	}
	b.pg.Latch.Lock()
	return WriteGuard{basic: b}, nil
}

// NewWrite allocates a fresh page, pins it, and takes its write latch.
func (p *PoolManager) NewWrite() (WriteGuard, error) {
	b, err := p.NewBasic()
	if err != nil {
		return WriteGuard{}, err
	}
	b.pg.Latch.Lock()
	return WriteGuard{basic: b}, nil
}

// Page returns the underlying page, latched for writing. Valid only
// before Release.
func (g *WriteGuard) Page() *page.Page { return g.basic.pg }

// MarkDirty records that this guard's holder wrote to the page.
func (g *WriteGuard) MarkDirty() { g.basic.MarkDirty() }

// Release unlatches and unpins the page, marking it dirty. Safe to call
// more than once.
func (g *WriteGuard) Release() {
	if g.basic.pg == nil {
		return
	}
	g.basic.MarkDirty()
	g.basic.pg.Latch.Unlock()
	g.basic.Release()
}
