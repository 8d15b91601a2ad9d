package txqueue

import (
	"fmt"
	"time"

	"github.com/samsamfire/gouavcan/pkg/can"
)

// Ref addresses a frame slot of a [Pool]
type Ref int32

const NilRef Ref = -1

// A pool allocated outgoing frame
type TxFrame struct {
	can.Frame
	Created time.Time
	Timeout time.Duration // Zero means no timeout
	next    Ref
	used    bool
}

// Expired returns true if the frame has been waiting for its whole timeout
func (f *TxFrame) Expired(now time.Time) bool {
	return f.Timeout > 0 && now.Sub(f.Created) >= f.Timeout
}

// Pool is a fixed slab of frames chained through a free list.
// It is not safe for concurrent use, [Queue] protects it with its
// critical section.
type Pool struct {
	frames   []TxFrame
	freeHead Ref
	free     int
}

func NewPool(size int) *Pool {
	if size <= 0 || size > 1<<30 {
		panic(fmt.Sprintf("txqueue: invalid pool size %v", size))
	}
	p := &Pool{frames: make([]TxFrame, size)}
	p.reset()
	return p
}

func (p *Pool) reset() {
	for i := range p.frames {
		p.frames[i] = TxFrame{next: Ref(i + 1)}
	}
	p.frames[len(p.frames)-1].next = NilRef
	p.freeHead = 0
	p.free = len(p.frames)
}

func (p *Pool) Cap() int {
	return len(p.frames)
}

// Number of free slots
func (p *Pool) Available() int {
	return p.free
}

func (p *Pool) alloc() (Ref, bool) {
	ref := p.freeHead
	if ref == NilRef {
		return NilRef, false
	}
	frame := &p.frames[ref]
	p.freeHead = frame.next
	*frame = TxFrame{next: NilRef, used: true}
	p.free--
	return ref, true
}

func (p *Pool) release(ref Ref) {
	frame := p.get(ref)
	if !frame.used {
		panic(fmt.Sprintf("txqueue: frame %v freed twice", ref))
	}
	frame.used = false
	frame.next = p.freeHead
	p.freeHead = ref
	p.free++
}

func (p *Pool) get(ref Ref) *TxFrame {
	if ref < 0 || int(ref) >= len(p.frames) {
		panic(fmt.Sprintf("txqueue: invalid frame ref %v", ref))
	}
	return &p.frames[ref]
}
