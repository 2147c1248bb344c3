package heap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashFunc mixes a base address into a dispersion value; the map
// reduces it modulo nslots to pick a bucket. The mix is not
// load-bearing (spec §9): any hash with good dispersion on aligned
// pointer-sized addresses is acceptable.
type HashFunc func(addr uintptr) uint64

// DefaultHash is the mix spec.md §4.2 specifies: cheap mixing of the
// low and high bits of a typical allocator-returned pointer.
func DefaultHash(addr uintptr) uint64 {
	a := uint64(addr)
	return (13 * a) ^ (a >> 15)
}

// XXHash is an alternative, higher-dispersion hash for hosts whose
// allocator address distribution clusters under DefaultHash.
func XXHash(addr uintptr) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(addr))
	return xxhash.Sum64(buf)
}

// Map is a chained hash table keyed by allocation base address.
type Map struct {
	slots       []*Record
	nitems      uint64
	nslotsMin   uint64
	lfDown      float64
	lfUp        float64
	sweepFactor float64
	sweepLimit  uint64
	hash        HashFunc
	metrics     *Metrics
	log         Logger
}

// NewMap builds a map honoring the five tuning parameters from
// spec.md §4.5 "Start". nslotsInit and nslotsMin are both rounded up
// to the nearest ladder entry; nslotsInit never starts below
// nslotsMin.
func NewMap(nslotsInit, nslotsMin uint64, lfDown, lfUp, sweepFactor float64, hash HashFunc, metrics *Metrics, log Logger) *Map {
	if hash == nil {
		hash = DefaultHash
	}
	if log == nil {
		log = NopLogger()
	}
	nslotsMin = Ideal(nslotsMin)
	if nslotsInit < nslotsMin {
		nslotsInit = nslotsMin
	} else {
		nslotsInit = Ideal(nslotsInit)
	}
	m := &Map{
		slots:       make([]*Record, nslotsInit),
		nslotsMin:   nslotsMin,
		lfDown:      lfDown,
		lfUp:        lfUp,
		sweepFactor: sweepFactor,
		hash:        hash,
		metrics:     metrics,
		log:         log,
	}
	m.recalcSweepLimit()
	m.metrics.setSlots(uint64(len(m.slots)))
	m.metrics.setItems(0)
	return m
}

// NItems returns the number of records currently tracked.
func (m *Map) NItems() uint64 { return m.nitems }

// NSlots returns the current bucket-array capacity.
func (m *Map) NSlots() uint64 { return uint64(len(m.slots)) }

// SweepLimit returns the nitems threshold that triggers a collection.
func (m *Map) SweepLimit() uint64 { return m.sweepLimit }

func (m *Map) bucket(addr uintptr) uint64 {
	return m.hash(addr) % uint64(len(m.slots))
}

func (m *Map) recalcSweepLimit() {
	free := float64(uint64(len(m.slots)) - m.nitems)
	m.sweepLimit = m.nitems + uint64(m.sweepFactor*free)
	m.metrics.setSweepLimit(m.sweepLimit)
}

// Lookup returns the record whose base equals addr, or nil.
func (m *Map) Lookup(addr uintptr) *Record {
	for cur := m.slots[m.bucket(addr)]; cur != nil; cur = cur.next {
		if cur.base == addr {
			return cur
		}
	}
	return nil
}

// Insert installs rec, keyed by rec.Base(). If a record with the same
// base already exists, rec replaces it in place (nitems unchanged,
// the splice inherits the successor link) and the old record is
// simply dropped for Go's own GC to reclaim. Otherwise rec is
// prepended to its bucket and nitems increases. After a true
// insertion the load factor is checked and the map grows if needed;
// because growth rehashes rec into a possibly different bucket,
// Insert always returns the record as found post-resize by address.
func (m *Map) Insert(rec *Record) *Record {
	idx := m.bucket(rec.base)
	var prev *Record
	for cur := m.slots[idx]; cur != nil; cur = cur.next {
		if cur.base == rec.base {
			rec.next = cur.next
			if prev == nil {
				m.slots[idx] = rec
			} else {
				prev.next = rec
			}
			return rec
		}
		prev = cur
	}

	rec.next = m.slots[idx]
	m.slots[idx] = rec
	m.nitems++
	m.metrics.setItems(m.nitems)

	addr := rec.base
	if m.loadFactor() > m.lfUp && m.resizeMore() {
		return m.Lookup(addr)
	}
	return rec
}

// Remove unlinks the record whose base equals addr, if any. Unknown
// keys are a silent no-op. allowResize requests an immediate
// resize-to-fit check; sweep suppresses this and resizes once after
// its full pass instead.
func (m *Map) Remove(addr uintptr, allowResize bool) {
	idx := m.bucket(addr)
	var prev *Record
	cur := m.slots[idx]
	for cur != nil {
		if cur.base == addr {
			if prev == nil {
				m.slots[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			m.nitems--
			m.metrics.setItems(m.nitems)
			break
		}
		prev = cur
		cur = cur.next
	}
	if allowResize {
		m.resizeToFit()
	}
}

func (m *Map) loadFactor() float64 {
	return float64(m.nitems) / float64(len(m.slots))
}

// resizeToFit grows or shrinks the bucket array to match the current
// item count, per the thresholds in lfUp/lfDown. It reports whether a
// resize happened.
func (m *Map) resizeToFit() bool {
	lf := m.loadFactor()
	switch {
	case lf > m.lfUp:
		return m.resizeMore()
	case lf < m.lfDown:
		return m.resizeLess()
	}
	return false
}

func (m *Map) resizeMore() bool {
	newSize := Ideal(m.nitems)
	oldSize := uint64(len(m.slots))
	if newSize > oldSize {
		m.resize(newSize)
		m.log.ResizeInfo("grow", oldSize, m.nitems, newSize)
		m.metrics.recordResize("grow", oldSize, newSize, m.nitems)
		return true
	}
	return false
}

func (m *Map) resizeLess() bool {
	newSize := Ideal(m.nitems)
	oldSize := uint64(len(m.slots))
	if newSize < m.nslotsMin {
		newSize = m.nslotsMin
	}
	if newSize < oldSize {
		m.resize(newSize)
		m.log.ResizeInfo("shrink", oldSize, m.nitems, newSize)
		m.metrics.recordResize("shrink", oldSize, newSize, m.nitems)
		return true
	}
	return false
}

// resize swaps in a freshly sized bucket array, rehashing every
// existing chain into it. Records are never reallocated, only
// relinked; the old array is simply dropped.
func (m *Map) resize(newCap uint64) {
	resized := make([]*Record, newCap)
	for _, head := range m.slots {
		cur := head
		for cur != nil {
			next := cur.next
			idx := m.hash(cur.base) % newCap
			cur.next = resized[idx]
			resized[idx] = cur
			cur = next
		}
	}
	m.slots = resized
	m.recalcSweepLimit()
	m.metrics.setSlots(newCap)
}

// Walk invokes fn for every record currently tracked, bucket by
// bucket, in chain order. fn must not mutate the map.
func (m *Map) Walk(fn func(*Record)) {
	for _, head := range m.slots {
		for cur := head; cur != nil; cur = cur.next {
			fn(cur)
		}
	}
}
