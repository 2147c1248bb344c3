package heap

import (
	"os"

	"go.uber.org/atomic"
)

// ExitAllocatorExhausted is the fixed process exit status on
// unrecoverable allocator failure (spec.md §6).
const ExitAllocatorExhausted = 42

// Collector owns the allocation map and the configuration/state spec.md
// §3 assigns to "collector state": the pause flag and the scan-window
// floor ("stack_bottom" in spec.md terms, see scan.go's ScanWindow
// doc). It assumes exactly one mutator and performs no locking of its
// own (spec.md §5); the pause flag is an atomic.Bool purely so a
// metrics/administration goroutine can read it without racing the
// mutator, not because the collector itself needs cross-thread safety.
type Collector struct {
	Map    *Map
	paused atomic.Bool
	bottom uintptr
	log    Logger
}

// NewCollector builds a collector with its allocation map already
// sized per the five tuning parameters, and stores bottom (the Go
// analogue of spec.md §4.5's "start(bottom) captures the stack bottom
// pointer"). The mark phase does not read the stored value: it scans
// only the roots and the ScanWindow handed to Collect or Allocate.
func NewCollector(bottom uintptr, nslotsInit, nslotsMin uint64, lfDown, lfUp, sweepFactor float64, hash HashFunc, metrics *Metrics, log Logger) *Collector {
	if log == nil {
		log = NopLogger()
	}
	return &Collector{
		Map:    NewMap(nslotsInit, nslotsMin, lfDown, lfUp, sweepFactor, hash, metrics, log),
		bottom: bottom,
		log:    log,
	}
}

// Pause suppresses the auto-trigger on Allocate without interrupting
// any cycle already in progress (there is no such concept — cycles
// are synchronous, spec.md §4.5 "States").
func (c *Collector) Pause() { c.paused.Store(true) }

// Resume re-enables the auto-trigger.
func (c *Collector) Resume() { c.paused.Store(false) }

// Paused reports whether the auto-trigger is currently suppressed.
func (c *Collector) Paused() bool { return c.paused.Load() }

// Mark sets FlagMark on the record addressed by ptr, if one exists
// and isn't already marked, then recurses into every word-aligned
// position inside the block (spec.md §4.3 "Mark one"). ptr need not
// be a real pointer — an arbitrary word that isn't a known base is
// simply not found and ignored, which is the whole point of
// conservative scanning.
func (c *Collector) Mark(ptr uintptr) {
	rec := c.Map.Lookup(ptr)
	if rec == nil || rec.marked() {
		return
	}
	rec.setMark()
	if rec.size < wordSize {
		return
	}
	for p := rec.base; p <= rec.base+rec.size-wordSize; p += wordSize {
		c.Mark(rec.wordAt(p))
	}
}

// MarkRoots walks every bucket and marks every record flagged ROOT
// (spec.md §4.3 "Mark roots").
func (c *Collector) MarkRoots() {
	c.Map.Walk(func(r *Record) {
		if r.rooted() {
			c.Mark(r.base)
		}
	})
}

// MarkWindow marks every word currently held in window, scanning from
// the most recently pushed entry ("top") toward the oldest
// ("bottom") — the direction is irrelevant to correctness (the union
// is all that matters, spec.md §4.3 "Ordering") but matches the
// spec's stated traversal.
//
// This is the Go analogue of spec.md's register-spill requirement:
// the function is marked noinline so the call cannot be optimized
// away, mirroring the "must be invoked through a function pointer
// marked as not inlinable" requirement so that a spill a caller
// performed into its own locals before calling in is not elided.
// Collect calls it directly, not through a func value.
//
//go:noinline
func (c *Collector) MarkWindow(window *ScanWindow) {
	if window == nil {
		return
	}
	for i := 0; i < window.Len(); i++ {
		c.Mark(window.at(i))
	}
}

// Sweep walks every bucket. Marked records are unmarked and kept;
// unmarked records have their payload reference dropped (letting Go's
// own GC reclaim the bytes) and are unlinked from the map. One
// resize-to-fit runs after the full pass, not interleaved with it, so
// the sweep sees a stable bucket layout throughout (spec.md §4.4).
// The sweep limit is recomputed afterwards whether or not that
// resize happened. Returns the number of allocations and bytes freed.
func (c *Collector) Sweep() (freedAllocs, freedBytes uint64) {
	for i, head := range c.Map.slots {
		var prev *Record
		cur := head
		for cur != nil {
			next := cur.next
			if cur.marked() {
				cur.clearMark()
				prev = cur
				cur = next
				continue
			}
			freedAllocs++
			freedBytes += uint64(cur.size)
			cur.payload = nil
			if prev == nil {
				c.Map.slots[i] = next
			} else {
				prev.next = next
			}
			c.Map.nitems--
			cur = next
		}
	}
	c.Map.metrics.setItems(c.Map.nitems)
	c.log.SweepInfo(freedAllocs, freedBytes)
	c.Map.metrics.recordSweep(freedAllocs, freedBytes)
	if !c.Map.resizeToFit() {
		c.Map.recalcSweepLimit()
	}
	return freedAllocs, freedBytes
}

// Collect runs a full mark-sweep cycle: roots first, then window,
// then sweep (spec.md §4.3 "Ordering", §5 "full mark completes before
// sweep begins").
func (c *Collector) Collect(window *ScanWindow) (freedAllocs, freedBytes uint64) {
	c.MarkRoots()
	c.MarkWindow(window)
	return c.Sweep()
}

// Allocate obtains size bytes, triggering a full mark-sweep first if
// nitems has crossed sweepLimit and the collector isn't paused
// (spec.md §4.5). On allocator failure the process exits with status
// 42 after logging critical — in this Go translation, "allocator
// failure" can only mean make([]byte, size) panicking (out of
// memory), which we recover from and translate into the same fatal
// exit rather than letting the process die with a different code.
func (c *Collector) Allocate(size uintptr, window *ScanWindow) (rec *Record) {
	if c.Map.nitems > c.Map.sweepLimit && !c.paused.Load() {
		c.Collect(window)
	}

	rec = c.safeNewRecord(size)
	if rec == nil {
		c.log.AllocFailureCrit(size)
		os.Exit(ExitAllocatorExhausted)
	}

	c.log.DebugAlloc(rec.base, rec.size)
	return c.Map.Insert(rec)
}

// AllocateRoot is Allocate followed by setting FlagRoot on the
// resulting record (spec.md §4.5 "allocate_root").
func (c *Collector) AllocateRoot(size uintptr, window *ScanWindow) *Record {
	rec := c.Allocate(size, window)
	rec.setRoot()
	return rec
}

func (c *Collector) safeNewRecord(size uintptr) (rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
		}
	}()
	return newRecord(size)
}

// Stop frees every tracked allocation (drops the payload references
// so Go's own runtime can reclaim them) and returns the total bytes
// that were live at the moment of the call — the "safer contract"
// spec.md §9 Open Question (a) recommends.
func (c *Collector) Stop() (freedBytes uint64) {
	c.Map.Walk(func(r *Record) {
		freedBytes += uint64(r.size)
		r.payload = nil
	})
	c.Map.slots = nil
	c.Map.nitems = 0
	return freedBytes
}
