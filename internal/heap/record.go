package heap

import "unsafe"

// wordSize is the platform pointer size, used as the scan stride.
const wordSize = unsafe.Sizeof(uintptr(0))

// Flag is a bitset over a record's ROOT/MARK state.
type Flag uint8

const (
	// FlagRoot marks an allocation as always-reachable. Sticky: once
	// set it persists until the record is swept.
	FlagRoot Flag = 1 << iota
	// FlagMark is set by the mark phase and cleared by the sweep that
	// follows it.
	FlagMark
)

// Record is the metadata for exactly one live block handed to the
// application. payload is the Go value that actually backs base: the
// record holds it so the real Go runtime cannot reclaim the bytes
// while congc still considers them live.
type Record struct {
	base    uintptr
	size    uintptr
	flags   Flag
	next    *Record
	payload []byte
}

// Base is the block's starting address, stable for the record's life.
func (r *Record) Base() uintptr { return r.base }

// Size is the byte count requested at allocation time.
func (r *Record) Size() uintptr { return r.size }

func (r *Record) marked() bool { return r.flags&FlagMark != 0 }
func (r *Record) rooted() bool { return r.flags&FlagRoot != 0 }

func (r *Record) setMark()   { r.flags |= FlagMark }
func (r *Record) clearMark() { r.flags &^= FlagMark }
func (r *Record) setRoot()   { r.flags |= FlagRoot }

// newRecord allocates size bytes from the Go heap and wraps them in a
// fresh, unmarked, non-root record. size == 0 is legal: it gets a
// one-byte backing array so taking &payload[0] is always valid, and
// the reported Size() stays 0 per the allocation contract.
func newRecord(size uintptr) *Record {
	backing := size
	if backing == 0 {
		backing = 1
	}
	payload := make([]byte, backing)
	return &Record{
		base:    uintptr(unsafe.Pointer(&payload[0])),
		size:    size,
		payload: payload,
	}
}

// PayloadUnsafe returns a slice viewing exactly the requested Size()
// bytes of the record's backing memory. The slice aliases the same
// array the collector itself scans; writing into it is the "reading
// or writing the first n bytes" spec.md §8 invariant 6 describes.
func (r *Record) PayloadUnsafe() []byte {
	return r.payload[:r.size]
}

// wordAt reads the machine word at address p inside the record's
// payload (byte offset p - base). Callers must have already checked
// that offset is in range [0, size-wordSize].
func (r *Record) wordAt(p uintptr) uintptr {
	off := p - r.base
	return *(*uintptr)(unsafe.Pointer(&r.payload[off]))
}
