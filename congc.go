// Package congc is a conservative mark-and-sweep collector embedded
// as a library. Application code allocates through Malloc/MallocRoot
// and never frees explicitly; reclamation happens on a periodic
// mark-sweep cycle triggered automatically from Malloc, or manually
// via Collect.
//
// Because Go gives no portable way to read another goroutine's raw
// stack words or spill its register file, the collector scans an
// explicit ScanWindow instead of the literal mutator stack — see
// SPEC_FULL.md §4.3 for the full rationale. Callers push the
// addresses of their own stack-resident locals into a ScanWindow
// around the code that must be treated as a root, and pass that
// window to every call that can trigger a collection.
package congc

import (
	"flag"
	"os"
	"unsafe"

	golog "github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/mbrt/congc/internal/gclog"
	"github.com/mbrt/congc/internal/heap"
)

// ScanWindow stands in for the conservatively scanned stack region;
// see the package doc and SPEC_FULL.md §4.3.
type ScanWindow = heap.ScanWindow

// NewScanWindow returns an empty scan window.
func NewScanWindow() *ScanWindow { return heap.NewScanWindow() }

// Record exposes the metadata tracked for one live allocation.
type Record = heap.Record

// ExitAllocatorExhausted is the process exit status used on
// unrecoverable allocation failure (spec.md §6).
const ExitAllocatorExhausted = heap.ExitAllocatorExhausted

// Config holds the five StartExt tuning parameters plus the
// ambient-stack knobs (hash strategy, debug log rate, metrics
// registry). Zero value is not valid; use DefaultConfig.
type Config struct {
	NSlotsInit  uint64  `yaml:"nslots_init"`
	NSlotsMin   uint64  `yaml:"nslots_min"`
	LFDown      float64 `yaml:"lf_down"`
	LFUp        float64 `yaml:"lf_up"`
	SweepFactor float64 `yaml:"sweep_factor"`

	// HashFunc selects the allocation-map hash strategy: "default"
	// (spec.md §4.2's (13*addr)^(addr>>15) mix) or "xxhash".
	HashFunc string `yaml:"hash_func"`

	// DebugAllocRatePerSec caps the hot per-allocation debug log line;
	// 0 disables the cap (every allocation logs at debug).
	DebugAllocRatePerSec int `yaml:"debug_alloc_rate_per_sec"`

	// Logger overrides the default logfmt go-kit logger. Nil uses the
	// default.
	Logger golog.Logger `yaml:"-"`

	// Registry, if non-nil, enables Prometheus metrics registered
	// against it. Nil (the default) disables metrics entirely.
	Registry *prometheus.Registry `yaml:"-"`
}

// DefaultConfig mirrors spec.md §4.5 "Start"'s defaults.
func DefaultConfig() Config {
	return Config{
		NSlotsInit:           1024,
		NSlotsMin:            1024,
		LFDown:               0.2,
		LFUp:                 0.8,
		SweepFactor:          0.5,
		HashFunc:             "default",
		DebugAllocRatePerSec: 50,
	}
}

// LoadConfigFile reads a YAML file of tuning parameters into a fresh
// DefaultConfig, so a host CLI can layer its own flag overrides on top
// of whatever the file sets (SPEC_FULL.md §6). Fields the file omits
// keep their DefaultConfig value; Logger and Registry are never
// populated from YAML and must be set by the caller afterward.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading congc config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing congc config file")
	}
	return cfg, nil
}

// RegisterFlags wires Config's scalar fields to f, in the style this
// module's lineage uses for its own component configs (see DESIGN.md).
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.NSlotsInit, "congc.nslots-init", c.NSlotsInit, "initial allocation-map capacity")
	f.Uint64Var(&c.NSlotsMin, "congc.nslots-min", c.NSlotsMin, "floor allocation-map capacity")
	f.Float64Var(&c.LFDown, "congc.lf-down", c.LFDown, "load factor below which the map shrinks")
	f.Float64Var(&c.LFUp, "congc.lf-up", c.LFUp, "load factor above which the map grows")
	f.Float64Var(&c.SweepFactor, "congc.sweep-factor", c.SweepFactor, "fraction of free slots folded into the sweep limit")
	f.StringVar(&c.HashFunc, "congc.hash-func", c.HashFunc, `allocation-map hash strategy: "default" or "xxhash"`)
	f.IntVar(&c.DebugAllocRatePerSec, "congc.debug-alloc-rate", c.DebugAllocRatePerSec, "max per-allocation debug log lines per second (0 = unlimited)")
}

// Validate enforces the load-factor and sweep-factor constraints
// spec.md §3 states as allocation-map invariants: 0 < lf_down <
// lf_up <= 1 and 0 <= sweep_factor <= 1.
func (c Config) Validate() error {
	if !(c.LFDown > 0 && c.LFDown < c.LFUp && c.LFUp <= 1) {
		return errors.Errorf("invalid load factor thresholds: lf_down=%v lf_up=%v (require 0 < lf_down < lf_up <= 1)", c.LFDown, c.LFUp)
	}
	if c.SweepFactor < 0 || c.SweepFactor > 1 {
		return errors.Errorf("invalid sweep_factor=%v (require 0 <= sweep_factor <= 1)", c.SweepFactor)
	}
	return nil
}

func (c Config) hashFunc() heap.HashFunc {
	if c.HashFunc == "xxhash" {
		return heap.XXHash
	}
	return heap.DefaultHash
}

// Collector is an explicit collector handle. The package-level
// Start/StartExt/Malloc/.../Stop functions wrap a conventional
// process-wide singleton for host convenience; tests and hosts
// needing more than one heap should use New/NewExt directly (spec.md
// §9 "Process-wide state").
type Collector struct {
	core *heap.Collector
}

// New starts a collector with DefaultConfig. bottom should be the
// address of a stack-resident variable in the caller, captured as far
// down the call stack as practical — kept for parity with spec.md
// §6's start(bottom) contract, though this translation's scanning is
// driven by explicit ScanWindows rather than by bottom itself (see
// SPEC_FULL.md §4.3).
func New(bottom uintptr) *Collector {
	gc, err := NewExt(bottom, DefaultConfig())
	if err != nil {
		// DefaultConfig is statically valid; a failure here is a
		// programming error in this package, not a caller mistake.
		panic(err)
	}
	return gc
}

// NewExt starts a collector with explicit tuning, validating cfg
// first.
func NewExt(bottom uintptr, cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid congc config")
	}

	logger := gclog.New(cfg.Logger, cfg.DebugAllocRatePerSec)

	var metrics *heap.Metrics
	if cfg.Registry != nil {
		metrics = heap.NewMetrics(cfg.Registry)
	}

	core := heap.NewCollector(bottom, cfg.NSlotsInit, cfg.NSlotsMin, cfg.LFDown, cfg.LFUp, cfg.SweepFactor, cfg.hashFunc(), metrics, logger)
	return &Collector{core: core}, nil
}

// Malloc returns the address of a fresh, at-least-size-byte block
// tracked by the collector, running a full mark-sweep first if the
// sweep limit has been crossed and the collector isn't paused. window
// is scanned (in addition to every ROOT allocation) if a cycle runs;
// pass nil if the caller has no stack-resident pointers worth
// protecting beyond existing roots. Never returns an invalid address:
// on allocator failure the process exits with status 42.
func (gc *Collector) Malloc(size uintptr, window *ScanWindow) uintptr {
	return gc.core.Allocate(size, window).Base()
}

// MallocRoot is Malloc, but the resulting allocation is a root for
// the remainder of its life (spec.md §4.5).
func (gc *Collector) MallocRoot(size uintptr, window *ScanWindow) uintptr {
	return gc.core.AllocateRoot(size, window).Base()
}

// Deref returns a byte slice viewing the live allocation at addr, or
// nil if addr isn't currently tracked (never allocated, or already
// swept). Writing into the returned slice is exactly the "reading or
// writing the first n bytes" spec.md §8 invariant 6 describes.
func (gc *Collector) Deref(addr uintptr) []byte {
	rec := gc.core.Map.Lookup(addr)
	if rec == nil {
		return nil
	}
	return rec.PayloadUnsafe()
}

// Collect runs one full mark-sweep cycle unconditionally, regardless
// of the sweep limit or the paused flag, scanning window in addition
// to every ROOT allocation. It returns the number of allocations and
// bytes freed.
func (gc *Collector) Collect(window *ScanWindow) (freedAllocs, freedBytes uint64) {
	return gc.core.Collect(window)
}

// Pause suppresses Malloc's auto-trigger without affecting a cycle
// already running (there is no such concept: cycles are synchronous).
func (gc *Collector) Pause() { gc.core.Pause() }

// Resume re-enables the auto-trigger.
func (gc *Collector) Resume() { gc.core.Resume() }

// Paused reports whether the auto-trigger is currently suppressed.
func (gc *Collector) Paused() bool { return gc.core.Paused() }

// Stats is a snapshot of the allocation map's externally observable
// state, useful for logging, tests, and the demo CLI's summary table.
type Stats struct {
	NSlots     uint64
	NItems     uint64
	SweepLimit uint64
}

// Stats returns a snapshot of the current allocation map state.
func (gc *Collector) Stats() Stats {
	return Stats{
		NSlots:     gc.core.Map.NSlots(),
		NItems:     gc.core.Map.NItems(),
		SweepLimit: gc.core.Map.SweepLimit(),
	}
}

// Stop tears down the collector: every tracked allocation's payload
// reference is dropped (letting Go's own runtime reclaim it) and the
// total bytes that were live at the moment of the call is returned
// (spec.md §9 Open Question (a)).
func (gc *Collector) Stop() uint64 {
	return gc.core.Stop()
}

// PutAddr writes addr into payload's first word in the machine's
// native byte order (it's a raw uintptr store, not a portable wire
// format) — the idiom the end-to-end cycle scenario in spec.md §8
// describes as "write X's first word = &Y".
func PutAddr(payload []byte, addr uintptr) {
	if uintptr(len(payload)) < unsafe.Sizeof(addr) {
		panic("congc: payload too small to hold a word")
	}
	*(*uintptr)(unsafe.Pointer(&payload[0])) = addr
}

// Addr reads back a word previously written by PutAddr.
func Addr(payload []byte) uintptr {
	if uintptr(len(payload)) < unsafe.Sizeof(uintptr(0)) {
		panic("congc: payload too small to hold a word")
	}
	return *(*uintptr)(unsafe.Pointer(&payload[0]))
}

// --- process-wide singleton, for host convenience (spec.md §9) ---

var std *Collector

// Start initializes the process-wide collector with DefaultConfig.
func Start(bottom uintptr) {
	std = New(bottom)
}

// StartExt initializes the process-wide collector with explicit
// tuning.
func StartExt(bottom uintptr, cfg Config) error {
	gc, err := NewExt(bottom, cfg)
	if err != nil {
		return err
	}
	std = gc
	return nil
}

// Malloc allocates through the process-wide collector.
func Malloc(size uintptr, window *ScanWindow) uintptr { return std.Malloc(size, window) }

// MallocRoot allocates a root through the process-wide collector.
func MallocRoot(size uintptr, window *ScanWindow) uintptr { return std.MallocRoot(size, window) }

// Stop tears down the process-wide collector.
func Stop() uint64 {
	freed := std.Stop()
	std = nil
	return freed
}
