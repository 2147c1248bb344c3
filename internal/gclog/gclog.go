// Package gclog is the concrete logging surface congc logs through.
// It wraps github.com/go-kit/log, logging at the debug, info and
// error levels (go-kit has no critical level, so the allocator-failure
// line goes out at error), rate-limits the hot per-allocation debug
// line the way grafana/tempo's RateLimitedLogger rate-limits noisy
// call sites, and renders byte totals with github.com/dustin/go-humanize
// so sweep and allocator-failure lines stay readable at any scale.
package gclog

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// Logger is the default heap.Logger implementation.
type Logger struct {
	base       log.Logger
	debugLimit *rate.Limiter
}

// New wraps base (a logfmt go-kit logger if base is nil) with the
// severities and rate limiting congc's heap package expects.
// debugPerSecond caps how many per-allocation debug lines are emitted
// each second; 0 disables the cap entirely (every call logs).
func New(base log.Logger, debugPerSecond int) *Logger {
	if base == nil {
		base = log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
		base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	}
	var limiter *rate.Limiter
	if debugPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(debugPerSecond), debugPerSecond)
	}
	return &Logger{base: base, debugLimit: limiter}
}

// ResizeInfo implements heap.Logger.
func (l *Logger) ResizeInfo(direction string, oldCap, itemCount, newCap uint64) {
	level.Info(l.base).Log(
		"msg", "allocation map resize",
		"direction", direction,
		"old_capacity", oldCap,
		"item_count", itemCount,
		"new_capacity", newCap,
	)
}

// SweepInfo implements heap.Logger.
func (l *Logger) SweepInfo(freedAllocs, freedBytes uint64) {
	level.Info(l.base).Log(
		"msg", "sweep complete",
		"freed_allocations", freedAllocs,
		"freed_bytes", freedBytes,
		"freed_human", humanize.Bytes(freedBytes),
	)
}

// AllocFailureCrit implements heap.Logger.
func (l *Logger) AllocFailureCrit(size uintptr) {
	level.Error(l.base).Log(
		"msg", "allocation failed, terminating",
		"requested_bytes", uint64(size),
		"requested_human", humanize.Bytes(uint64(size)),
	)
}

// DebugAlloc implements heap.Logger. Rate-limited so a tight
// allocation loop can't flood the log.
func (l *Logger) DebugAlloc(addr uintptr, size uintptr) {
	if l.debugLimit != nil && !l.debugLimit.Allow() {
		return
	}
	level.Debug(l.base).Log(
		"msg", "allocation inserted",
		"base", addr,
		"size", uint64(size),
	)
}
