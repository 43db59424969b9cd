package colstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// lockMode is the state of one page reference's lock.
type lockMode int8

const (
	lockNone lockMode = iota
	lockShared
	lockExclusive
)

// frame is one in-memory page slot: the decoded page, its pin count, and the
// page lock. A locked frame's page does not change underfoot; exactly one
// writer or any number of readers hold the lock at a time.
type frame struct {
	mu    sync.RWMutex
	page  *page
	pins  int
	dirty bool
}

// pageRef is a pin-count handle on a frame. Refs must be released exactly
// once; double release and use-after-release are programming errors and
// panic.
type pageRef struct {
	pool     *pool
	id       PageID
	frame    *frame
	mode     lockMode
	released bool
}

func (r *pageRef) page() *page {
	if r.released {
		panic("colstore: use of released page reference")
	}
	return r.frame.page
}

func (r *pageRef) lock(mode lockMode) {
	if r.released {
		panic("colstore: lock on released page reference")
	}
	if r.mode != lockNone {
		panic("colstore: page reference already locked")
	}
	if mode == lockExclusive {
		r.frame.mu.Lock()
	} else {
		r.frame.mu.RLock()
	}
	r.mode = mode
}

// tryLock is lock without blocking; used where lock ordering forbids waiting
// (locking a left sibling while holding the right).
func (r *pageRef) tryLock(mode lockMode) bool {
	if r.released || r.mode != lockNone {
		panic("colstore: tryLock on released or locked page reference")
	}
	var ok bool
	if mode == lockExclusive {
		ok = r.frame.mu.TryLock()
	} else {
		ok = r.frame.mu.TryRLock()
	}
	if ok {
		r.mode = mode
	}
	return ok
}

func (r *pageRef) unlock() {
	switch r.mode {
	case lockExclusive:
		r.frame.mu.Unlock()
	case lockShared:
		r.frame.mu.RUnlock()
	default:
		panic("colstore: unlock of unlocked page reference")
	}
	r.mode = lockNone
}

// release drops the pin. The reference must not be locked.
func (r *pageRef) release() {
	if r.released {
		panic("colstore: double release of page reference")
	}
	if r.mode != lockNone {
		panic("colstore: release of locked page reference")
	}
	r.released = true
	r.pool.unpin(r.id, r.frame)
}

// unlockRelease is the common unlock-then-release pair.
func (r *pageRef) unlockRelease() {
	r.unlock()
	r.release()
}

// markDirty records that the frame's page diverged from the store image.
// Caller must hold the exclusive lock.
func (r *pageRef) markDirty() {
	if r.mode != lockExclusive {
		panic("colstore: markDirty without exclusive lock")
	}
	r.pool.mu.Lock()
	r.frame.dirty = true
	r.pool.mu.Unlock()
}

// pool is the buffer pool: pinned (or dirty) frames live in the frames map,
// unpinned clean frames are cached in an LRU and reloaded from the page store
// after eviction.
type pool struct {
	mu       sync.Mutex
	frames   map[PageID]*frame
	cache    *freelru.LRU[PageID, *frame]
	store    pageStore
	wal      *WAL
	log      Logger
	nextID   PageID
	freed    []PageID
	maxPages uint64
}

func hashPageID(id PageID) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

func newPool(store pageStore, wal *WAL, cacheSize uint32, maxPages uint64, log Logger) (*pool, error) {
	cache, err := freelru.New[PageID, *frame](cacheSize, hashPageID)
	if err != nil {
		return nil, fmt.Errorf("page cache: %w", err)
	}
	return &pool{
		frames:   make(map[PageID]*frame),
		cache:    cache,
		store:    store,
		wal:      wal,
		log:      log,
		nextID:   PageID(store.NumPages()) + 1,
		maxPages: maxPages,
	}, nil
}

// pin returns a pinned, unlocked reference to the page.
func (p *pool) pin(id PageID) (*pageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[id]
	if !ok {
		if f, ok = p.cache.Get(id); ok {
			p.cache.Remove(id)
			p.frames[id] = f
		}
	}
	if !ok {
		buf, err := p.store.ReadPage(id)
		if err != nil {
			return nil, err
		}
		pg, err := unmarshalPage(buf)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", id, err)
		}
		f = &frame{page: pg}
		p.frames[id] = f
	}
	f.pins++
	return &pageRef{pool: p, id: id, frame: f}, nil
}

func (p *pool) unpin(id PageID, f *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f.pins--
	if f.pins < 0 {
		panic("colstore: negative pin count")
	}
	if f.pins > 0 {
		return
	}
	if f.dirty {
		// Pin count zero means no reference exists, so nothing can swap
		// f.page while we marshal it here.
		if err := p.flushLocked(id, f); err != nil {
			// The frame stays resident and dirty; the next unpin or
			// checkpoint retries.
			p.log.Error("flush page failed", "page", id, "error", err)
			return
		}
	}
	delete(p.frames, id)
	p.cache.Add(id, f)
}

// flushLocked writes a frame's page image to the store. Caller holds pool.mu
// and must guarantee no writer can swap f.page concurrently (pin count zero).
func (p *pool) flushLocked(id PageID, f *frame) error {
	buf, err := f.page.marshal()
	if err != nil {
		return err
	}
	if err := p.store.WritePage(id, buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// allocate returns a fresh, pinned, exclusively locked page frame. All
// allocations for a multi-page repack happen before any page is mutated, so
// exhaustion here never leaves a half-applied split.
func (p *pool) allocate(tree TreeID) (*pageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := InvalidPageID
	// Prefer recycling freed pages whose frame is no longer referenced.
	for i, cand := range p.freed {
		if _, live := p.frames[cand]; live {
			continue
		}
		p.cache.Remove(cand)
		p.freed = append(p.freed[:i], p.freed[i+1:]...)
		id = cand
		break
	}
	if id == InvalidPageID {
		if p.maxPages > 0 && uint64(p.nextID) > p.maxPages {
			return nil, resourceExhausted(tree, "page budget of %d pages exceeded", p.maxPages)
		}
		id = p.nextID
		p.nextID++
	}

	f := &frame{page: &page{id: id}, pins: 1, dirty: true}
	p.frames[id] = f
	f.mu.Lock()
	return &pageRef{pool: p, id: id, frame: f, mode: lockExclusive}, nil
}

// freePage recycles an unlinked page. The caller must already have flagged
// the page deleted under its exclusive lock, so stale scan references fail
// their re-validation instead of reading recycled content.
func (p *pool) freePage(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, id)
}

// checkpoint flushes every dirty frame and syncs the store. Dirty frames may
// be pinned and page-locked by concurrent writers, so each image is marshaled
// under the frame's shared lock with pool.mu released; the dirty flag is
// cleared up front so a write landing after the marshal re-marks the frame
// for the next checkpoint.
func (p *pool) checkpoint() error {
	type target struct {
		id PageID
		f  *frame
	}
	p.mu.Lock()
	var targets []target
	for id, f := range p.frames {
		if !f.dirty {
			continue
		}
		f.dirty = false
		f.pins++
		targets = append(targets, target{id, f})
	}
	p.mu.Unlock()

	var firstErr error
	for _, tg := range targets {
		tg.f.mu.RLock()
		buf, err := tg.f.page.marshal()
		tg.f.mu.RUnlock()
		if err == nil {
			err = p.store.WritePage(tg.id, buf)
		}
		if err != nil {
			p.mu.Lock()
			tg.f.dirty = true
			p.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
		p.unpin(tg.id, tg.f)
	}
	if firstErr != nil {
		return firstErr
	}
	return p.store.Sync()
}

func (p *pool) close() error {
	if err := p.checkpoint(); err != nil {
		return err
	}
	return p.store.Close()
}
