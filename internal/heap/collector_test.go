package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestCollector(nslotsInit, nslotsMin uint64) *Collector {
	return NewCollector(0, nslotsInit, nslotsMin, 0.2, 0.8, 0.5, nil, nil, nil)
}

// putWord writes addr into r's first word, the same raw store
// congc.PutAddr performs from outside this package.
func putWord(r *Record, addr uintptr) {
	*(*uintptr)(unsafe.Pointer(&r.payload[0])) = addr
}

func TestCollectLinearReachability(t *testing.T) {
	c := newTestCollector(53, 53)
	c.Pause()

	a := c.AllocateRoot(16, nil)
	b := c.Allocate(16, nil)
	putWord(a, b.base) // A's first word points at B: B is reachable only through A.

	freed, _ := c.Collect(nil)
	require.Zero(t, freed, "B is reachable through rooted A and must not be swept")
	require.NotNil(t, c.Map.Lookup(a.base))
	require.NotNil(t, c.Map.Lookup(b.base))
}

func TestCollectUnreachableCycle(t *testing.T) {
	c := newTestCollector(53, 53)
	c.Pause()

	x := c.Allocate(16, nil)
	y := c.Allocate(16, nil)
	putWord(x, y.base)
	putWord(y, x.base)

	freed, bytes := c.Collect(nil)
	require.EqualValues(t, 2, freed)
	require.EqualValues(t, 32, bytes)
	require.Nil(t, c.Map.Lookup(x.base))
	require.Nil(t, c.Map.Lookup(y.base))
}

func TestCollectRootSurvivesMultipleCycles(t *testing.T) {
	c := newTestCollector(53, 53)
	c.Pause()

	p := c.AllocateRoot(64, nil)
	c.Collect(nil)
	c.Collect(nil)

	require.NotNil(t, c.Map.Lookup(p.base))
}

func TestCollectWindowProtectsNonRootAllocation(t *testing.T) {
	c := newTestCollector(53, 53)
	c.Pause()

	q := c.Allocate(16, nil) // not a root
	window := NewScanWindow()
	window.Push(q.base)

	c.Collect(window)
	require.NotNil(t, c.Map.Lookup(q.base), "q is only reachable through window, not as a root")

	c.Collect(nil) // without the window this time, q has no path to survive
	require.Nil(t, c.Map.Lookup(q.base))
}

func TestMarkIgnoresUnknownAddresses(t *testing.T) {
	c := newTestCollector(53, 53)
	require.NotPanics(t, func() { c.Mark(0xdeadbeef) })
}

func TestAllocateTriggersCollectionAtSweepLimit(t *testing.T) {
	c := newTestCollector(5, 5) // rounds up to nslots=11, sweepLimit starts near nitems=0
	// Never pause: allocate past the sweep limit with nothing kept
	// reachable, and confirm the auto-triggered collection actually
	// reclaims the earlier, now-unreachable allocations.
	var last *Record
	for i := 0; i < 20; i++ {
		last = c.Allocate(8, nil)
	}
	require.NotNil(t, c.Map.Lookup(last.base), "the most recent allocation is always present")
	require.Less(t, c.Map.NItems(), uint64(20), "auto-triggered collection must have freed unreachable allocations along the way")
}

func TestAllocateRootSetsRootFlag(t *testing.T) {
	c := newTestCollector(53, 53)
	r := c.AllocateRoot(8, nil)
	require.True(t, r.rooted())
}

func TestPauseSuppressesAutoTrigger(t *testing.T) {
	c := newTestCollector(5, 5)
	c.Pause()
	require.True(t, c.Paused())

	for i := 0; i < 20; i++ {
		c.Allocate(8, nil)
	}
	require.EqualValues(t, 20, c.Map.NItems(), "paused collector must never auto-trigger a sweep")
}

func TestStopFreesEverythingAndReportsLiveBytes(t *testing.T) {
	c := newTestCollector(53, 53)
	c.Pause()
	c.Allocate(16, nil)
	c.Allocate(32, nil)

	freed := c.Stop()
	require.EqualValues(t, 48, freed)
	require.EqualValues(t, 0, c.Map.NItems())
}
