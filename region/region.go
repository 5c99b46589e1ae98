// Package region implements unmanaged memory regions: user-declared buffer
// pools that back zero-copy messages (spec §3, §4.7).
//
// A Region owns a single contiguous []byte. Messages built from it
// reference a (offset, length, hint) sub-range instead of copying. The
// transport tells the region when it no longer needs a sub-range via
// Release. Released triples are held until a Release call finds that the
// pending count has reached flushEvery or the oldest pending release is at
// least flushAfter old (there is no timer), or until Flush is called; the
// whole batch is then delivered, calling the ReleaseFunc once per triple.
package region

import (
	"sync"
	"time"
	"unsafe"
)

// ReleaseFunc is invoked once per (offset,length,hint) triple passed in,
// batched. The base pointer is not re-derived per call; callers index off
// Region.Base().
type ReleaseFunc func(offset, length int, hint unsafe.Pointer)

// Config carries the declarative identity of a region: an id for cross-
// process reference and an optional filesystem path hint for the shared
// memory backing (spec §3).
type Config struct {
	ID   string
	Path string // optional filesystem backing hint; empty means anonymous
}

// Event is delivered to an optional subscriber on region lifecycle changes.
type Event int

const (
	EventCreated Event = iota
	EventDestroyed
)

// EventFunc observes region lifecycle events via a transport factory.
type EventFunc func(cfg Config, ev Event)

type pendingRelease struct {
	offset, length int
	hint           unsafe.Pointer
}

// Region is a user-owned buffer pool. It outlives every Message built from
// it (spec invariant); the caller is responsible for that lifetime —
// Region itself only tracks in-flight sub-ranges and fires the batched
// callback.
type Region struct {
	cfg  Config
	buf  []byte
	cb   ReleaseFunc
	mu   sync.Mutex
	pend []pendingRelease

	flushEvery int           // batch size that triggers an immediate flush
	flushAfter time.Duration // max age of the oldest pending release before flush
	oldest     time.Time
	timer      *time.Timer
}

const (
	defaultFlushEvery = 32
	defaultFlushAfter = 20 * time.Millisecond
)

// New allocates a region of the given size with a batched release callback.
// cb may be nil, in which case released sub-ranges are simply discarded
// (no-op region, useful for transports that don't need the notification).
func New(size int, cfg Config, cb ReleaseFunc) *Region {
	if size < 0 {
		size = 0
	}
	r := &Region{
		cfg:        cfg,
		buf:        make([]byte, size),
		cb:         cb,
		flushEvery: defaultFlushEvery,
		flushAfter: defaultFlushAfter,
	}
	return r
}

// Base returns the region's backing storage. Sub-ranges passed to messages
// must index within len(Base()).
func (r *Region) Base() []byte { return r.buf }

// Size returns the region's capacity in bytes.
func (r *Region) Size() int { return len(r.buf) }

// Config returns the region's declared identity.
func (r *Region) Config() Config { return r.cfg }

// Slice returns the byte range [offset, offset+length) of the region's
// backing storage, for constructing a region-backed Message.
func (r *Region) Slice(offset, length int) []byte {
	return r.buf[offset : offset+length]
}

// Release marks a (offset,length,hint) triple as no longer needed by the
// transport. It is accumulated and flushed to the region's ReleaseFunc in
// batches (by count or by age, whichever comes first); both limits are
// checked only here, so a lone pending release waits for the next Release
// or Flush.
func (r *Region) Release(offset, length int, hint unsafe.Pointer) {
	r.mu.Lock()
	if len(r.pend) == 0 {
		r.oldest = time.Now()
	}
	r.pend = append(r.pend, pendingRelease{offset, length, hint})
	flush := len(r.pend) >= r.flushEvery || time.Since(r.oldest) >= r.flushAfter
	var batch []pendingRelease
	if flush {
		batch = r.pend
		r.pend = nil
	}
	r.mu.Unlock()

	if flush {
		r.deliver(batch)
	}
}

// Flush forces delivery of any pending releases now, regardless of batch
// size or age. Safe to call from a periodic housekeeping goroutine.
func (r *Region) Flush() {
	r.mu.Lock()
	batch := r.pend
	r.pend = nil
	r.mu.Unlock()
	if len(batch) > 0 {
		r.deliver(batch)
	}
}

func (r *Region) deliver(batch []pendingRelease) {
	if r.cb == nil {
		return
	}
	for _, p := range batch {
		r.cb(p.offset, p.length, p.hint)
	}
}

// Pending reports the number of sub-ranges awaiting a batched release.
// Exposed for tests and diagnostics.
func (r *Region) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pend)
}
