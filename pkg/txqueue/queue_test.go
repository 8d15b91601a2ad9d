package txqueue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/critical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(size int) *Queue {
	return NewQueue(critical.New(), NewPool(size), nil)
}

func allocFrame(t *testing.T, q *Queue, id uint32, seq byte) Ref {
	ref, ok := q.Alloc()
	require.True(t, ok)
	q.Frame(ref).Frame = can.NewExtendedFrame(id, []byte{seq})
	return ref
}

func assertOrdered(t *testing.T, q *Queue) {
	var previous uint32
	for i, ref := range q.Refs() {
		key := q.Frame(ref).ArbitrationKey()
		if i > 0 {
			assert.GreaterOrEqual(t, key, previous)
		}
		previous = key
	}
}

func TestPoolAllocFree(t *testing.T) {
	q := newQueue(3)
	refs := []Ref{}
	for i := 0; i < 3; i++ {
		ref, ok := q.Alloc()
		assert.True(t, ok)
		refs = append(refs, ref)
	}
	_, ok := q.Alloc()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Available())
	q.Free(refs[1])
	ref, ok := q.Alloc()
	assert.True(t, ok)
	assert.Equal(t, refs[1], ref)
	q.Free(refs...)
	assert.Equal(t, 3, q.Available())
	assert.Panics(t, func() { q.Free(refs[0]) })
}

func TestPushAheadOrder(t *testing.T) {
	q := newQueue(8)
	q.PushAhead(allocFrame(t, q, 0x300, 0))
	q.PushAhead(allocFrame(t, q, 0x100, 1))
	q.PushAhead(allocFrame(t, q, 0x200, 2))
	q.PushAhead(allocFrame(t, q, 0x100, 3))
	assert.Equal(t, 4, q.Len())

	expected := []byte{1, 3, 2, 0}
	for _, seq := range expected {
		frame, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, seq, frame.Data[0])
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 8, q.Available())
}

func TestStageCommit(t *testing.T) {
	q := newQueue(8)
	q.PushAhead(allocFrame(t, q, 0x200, 0))
	for seq := byte(1); seq <= 3; seq++ {
		q.Stage(allocFrame(t, q, 0x100, seq))
	}
	// Staged frames are invisible until committed
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 3, q.Staged())
	_, frame, _ := q.Peek()
	assert.EqualValues(t, 0, frame.Data[0])

	assert.Equal(t, 3, q.Commit())
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, 0, q.Staged())
	for _, seq := range []byte{1, 2, 3, 0} {
		frame, _ := q.Pop()
		assert.Equal(t, seq, frame.Data[0])
	}
}

func TestDiscardStage(t *testing.T) {
	q := newQueue(4)
	q.Stage(allocFrame(t, q, 0x100, 0))
	q.Stage(allocFrame(t, q, 0x100, 1))
	assert.Equal(t, 2, q.DiscardStage())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 4, q.Available())
	assert.Equal(t, 0, q.Commit())
}

func TestTokenVariants(t *testing.T) {
	q := newQueue(4)
	tok := q.Section().Enter()
	ref, ok := q.AllocI(tok)
	assert.True(t, ok)
	q.Frame(ref).Frame = can.NewExtendedFrame(0x10, nil)
	q.StageI(tok, ref)
	assert.Equal(t, 1, q.CommitI(tok))
	_, frame, ok := q.PeekI(tok)
	assert.True(t, ok)
	assert.EqualValues(t, 0x10, frame.ArbitrationID())
	_, ok = q.PopI(tok)
	assert.True(t, ok)
	tok.Exit()

	other := critical.New()
	foreign := other.Enter()
	defer foreign.Exit()
	assert.Panics(t, func() { q.AllocI(foreign) })
	assert.Panics(t, func() { q.PushAheadI(critical.Token{}, 0) })
}

func TestRemove(t *testing.T) {
	q := newQueue(4)
	a := allocFrame(t, q, 0x100, 0)
	b := allocFrame(t, q, 0x200, 1)
	q.PushAhead(a)
	q.PushAhead(b)
	assert.True(t, q.Remove(a))
	assert.False(t, q.Remove(a))
	assert.Equal(t, []Ref{b}, q.Refs())
}

func TestPurgeExpired(t *testing.T) {
	q := newQueue(4)
	now := time.Now()
	for i, timeout := range []time.Duration{10 * time.Millisecond, 0, 50 * time.Millisecond} {
		ref := allocFrame(t, q, 0x100, byte(i))
		q.Frame(ref).Created = now
		q.Frame(ref).Timeout = timeout
		q.PushAhead(ref)
	}
	assert.Equal(t, 0, q.PurgeExpired(now.Add(5*time.Millisecond)))
	assert.Equal(t, 1, q.PurgeExpired(now.Add(10*time.Millisecond)))
	assert.Equal(t, 1, q.PurgeExpired(now.Add(time.Hour)))
	frame, ok := q.Pop()
	assert.True(t, ok)
	assert.EqualValues(t, 1, frame.Data[0])
}

func TestRandomInterleavingsStayOrdered(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	q := newQueue(64)
	popped := 0
	for i := 0; i < 2000; i++ {
		switch r.Intn(4) {
		case 0:
			if ref, ok := q.Alloc(); ok {
				q.Frame(ref).Frame = can.NewExtendedFrame(uint32(r.Intn(1<<29)), nil)
				q.PushAhead(ref)
			}
		case 1:
			// Stage a small transfer sharing one ID
			id := uint32(r.Intn(1 << 29))
			for n := r.Intn(4) + 1; n > 0; n-- {
				ref, ok := q.Alloc()
				if !ok {
					break
				}
				q.Frame(ref).Frame = can.NewExtendedFrame(id, []byte{byte(n)})
				q.Stage(ref)
			}
			q.Commit()
		case 2:
			if _, ok := q.Pop(); ok {
				popped++
			}
		case 3:
			if ref, ok := q.Alloc(); ok {
				q.Frame(ref).Frame = can.NewFrame(uint32(r.Intn(0x7FF)), 0, 0)
				q.PushAhead(ref)
			}
		}
		assertOrdered(t, q)
		assert.Equal(t, 64, q.Len()+q.Available())
	}
	assert.NotZero(t, popped)
}

func TestMultiFrameTransferKeepsOrder(t *testing.T) {
	q := newQueue(16)
	for seq := byte(0); seq < 5; seq++ {
		q.Stage(allocFrame(t, q, 0x1000, seq))
	}
	q.Commit()
	for seq := byte(0); seq < 3; seq++ {
		q.Stage(allocFrame(t, q, 0x1000, 10+seq))
	}
	q.Commit()
	expected := []byte{0, 1, 2, 3, 4, 10, 11, 12}
	for _, seq := range expected {
		frame, _ := q.Pop()
		assert.Equal(t, seq, frame.Data[0])
	}
}
