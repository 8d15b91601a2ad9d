// Package arena implements a FIFO allocator over a fixed byte region.
//
// Blocks are bump-allocated after the newest block and reclaimed only from
// the oldest end. When there is not enough contiguous space ahead of the
// newest block, allocation wraps to the start of the region, evicting the
// oldest blocks until the request fits.
//
// Block headers live inline in the region so an Arena never allocates
// after construction. Blocks are addressed by [Ref], the byte offset of the
// header inside the region.
//
// An Arena is not safe for concurrent use, the owner serializes access.
package arena

import (
	"encoding/binary"
	"math"
)

type Ref int32

const Nil Ref = -1

const (
	// next (int32) + payload size (uint32)
	HeaderSize = 8
	Alignment  = 4
)

// EvictFunc is called with a block just before it is reclaimed.
// The block payload is still readable during the call.
type EvictFunc func(ref Ref)

type Arena struct {
	buf    []byte
	oldest Ref
	newest Ref
	count  int
}

func New(size int) *Arena {
	if size < HeaderSize || size > math.MaxInt32 {
		panic("arena: invalid size")
	}
	return &Arena{buf: make([]byte, size), oldest: Nil, newest: Nil}
}

// Size of a block holding a payload of given size
func BlockSize(payloadSize int) int {
	n := HeaderSize + payloadSize
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func (a *Arena) Size() int {
	return len(a.buf)
}

// Number of live blocks
func (a *Arena) Len() int {
	return a.count
}

func (a *Arena) Oldest() Ref {
	return a.oldest
}

func (a *Arena) Newest() Ref {
	return a.newest
}

// Next block in allocation order, or [Nil] for the newest block
func (a *Arena) Next(ref Ref) Ref {
	return Ref(int32(binary.LittleEndian.Uint32(a.buf[ref:])))
}

func (a *Arena) setNext(ref Ref, next Ref) {
	binary.LittleEndian.PutUint32(a.buf[ref:], uint32(next))
}

func (a *Arena) payloadSize(ref Ref) int {
	return int(binary.LittleEndian.Uint32(a.buf[ref+4:]))
}

// Bytes returns the payload of a live block. The slice aliases the arena
// and is only valid until the block is evicted.
func (a *Arena) Bytes(ref Ref) []byte {
	start := int(ref) + HeaderSize
	return a.buf[start : start+a.payloadSize(ref)]
}

func (a *Arena) end(ref Ref) int {
	return int(ref) + BlockSize(a.payloadSize(ref))
}

// Alloc reserves a block of size bytes, evicting the oldest blocks as
// needed. evict is called for every block reclaimed in the process.
// Allocation fails without evicting anything if size can never fit.
func (a *Arena) Alloc(size int, evict EvictFunc) (Ref, bool) {
	if size < 0 {
		return Nil, false
	}
	need := BlockSize(size)
	if need > len(a.buf) {
		return Nil, false
	}
	for {
		if a.oldest == Nil {
			return a.place(0, size), true
		}
		o := int(a.oldest)
		p := a.end(a.newest)
		if p > o {
			// Live blocks are contiguous in [o, p), free space on both sides
			if len(a.buf)-p >= need {
				return a.place(p, size), true
			}
			if o >= need {
				return a.place(0, size), true
			}
		} else if o-p >= need {
			// Wrapped, free space is [p, o)
			return a.place(p, size), true
		}
		a.evictOldest(evict)
	}
}

func (a *Arena) place(offset int, size int) Ref {
	ref := Ref(offset)
	a.setNext(ref, Nil)
	binary.LittleEndian.PutUint32(a.buf[offset+4:], uint32(size))
	if a.newest != Nil {
		a.setNext(a.newest, ref)
	} else {
		a.oldest = ref
	}
	a.newest = ref
	a.count++
	return ref
}

func (a *Arena) evictOldest(evict EvictFunc) {
	ref := a.oldest
	if evict != nil {
		evict(ref)
	}
	a.oldest = a.Next(ref)
	if a.oldest == Nil {
		a.newest = Nil
	}
	a.count--
}

// Bytes used by live blocks, headers included
func (a *Arena) Used() int {
	used := 0
	for ref := a.oldest; ref != Nil; ref = a.Next(ref) {
		used += BlockSize(a.payloadSize(ref))
	}
	return used
}

// Contains reports whether ref is a live block
func (a *Arena) Contains(ref Ref) bool {
	for r := a.oldest; r != Nil; r = a.Next(r) {
		if r == ref {
			return true
		}
	}
	return false
}

// Reset drops every block without calling any eviction callback
func (a *Arena) Reset() {
	a.oldest = Nil
	a.newest = Nil
	a.count = 0
}
