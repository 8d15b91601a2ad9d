// Package txqueue implements the CAN transmit queue.
//
// Frames live in a fixed [Pool] and are linked by [Ref]. The queue keeps
// two lists : the ready list, sorted by bus arbitration priority, and the
// stage list accumulating the frames of a transfer until they are
// committed all at once. A draining goroutine never sees half a transfer.
//
// Every operation exists in two flavours. The plain one enters the
// critical section itself, the _I one takes a [critical.Token] proving the
// caller already holds it.
package txqueue

import (
	"time"

	"github.com/samsamfire/gouavcan/internal/metrics"
	"github.com/samsamfire/gouavcan/pkg/critical"
	log "github.com/sirupsen/logrus"
)

type Queue struct {
	cs        *critical.Section
	pool      *Pool
	head      Ref
	stageHead Ref
	stageTail Ref
	length    int
	staged    int
	logger    *log.Entry
}

func NewQueue(cs *critical.Section, pool *Pool, logger *log.Entry) *Queue {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Queue{
		cs:        cs,
		pool:      pool,
		head:      NilRef,
		stageHead: NilRef,
		stageTail: NilRef,
		logger:    logger.WithField("service", "[TXQUEUE]"),
	}
}

func (q *Queue) Section() *critical.Section {
	return q.cs
}

// Frame returns the frame behind ref. The caller owns allocated frames
// until they are pushed or staged, and must not touch them afterwards.
func (q *Queue) Frame(ref Ref) *TxFrame {
	return q.pool.get(ref)
}

func (q *Queue) Alloc() (Ref, bool) {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.AllocI(tok)
}

// AllocI returns a zeroed frame from the pool, false if exhausted
func (q *Queue) AllocI(tok critical.Token) (Ref, bool) {
	tok.Must(q.cs)
	return q.pool.alloc()
}

func (q *Queue) Free(refs ...Ref) {
	tok := q.cs.Enter()
	defer tok.Exit()
	q.FreeI(tok, refs...)
}

// FreeI returns frames which were never queued to the pool
func (q *Queue) FreeI(tok critical.Token, refs ...Ref) {
	tok.Must(q.cs)
	for _, ref := range refs {
		q.pool.release(ref)
	}
}

// Number of free frames in the pool
func (q *Queue) Available() int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.pool.Available()
}

func (q *Queue) PushAhead(ref Ref) {
	tok := q.cs.Enter()
	defer tok.Exit()
	q.PushAheadI(tok, ref)
}

// PushAheadI inserts a frame in the ready list, after every frame with a
// higher or equal priority
func (q *Queue) PushAheadI(tok critical.Token, ref Ref) {
	tok.Must(q.cs)
	frame := q.pool.get(ref)
	key := frame.ArbitrationKey()
	link := &q.head
	for *link != NilRef {
		other := q.pool.get(*link)
		if other.ArbitrationKey() > key {
			break
		}
		link = &other.next
	}
	frame.next = *link
	*link = ref
	q.length++
}

func (q *Queue) Stage(ref Ref) {
	tok := q.cs.Enter()
	defer tok.Exit()
	q.StageI(tok, ref)
}

// StageI appends a frame to the stage list
func (q *Queue) StageI(tok critical.Token, ref Ref) {
	tok.Must(q.cs)
	frame := q.pool.get(ref)
	frame.next = NilRef
	if q.stageTail == NilRef {
		q.stageHead = ref
	} else {
		q.pool.get(q.stageTail).next = ref
	}
	q.stageTail = ref
	q.staged++
}

func (q *Queue) Commit() int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.CommitI(tok)
}

// CommitI moves every staged frame to the ready list, in stage order,
// and returns how many were moved
func (q *Queue) CommitI(tok critical.Token) int {
	tok.Must(q.cs)
	n := 0
	for ref := q.stageHead; ref != NilRef; {
		next := q.pool.get(ref).next
		q.PushAheadI(tok, ref)
		ref = next
		n++
	}
	q.stageHead, q.stageTail, q.staged = NilRef, NilRef, 0
	return n
}

func (q *Queue) DiscardStage() int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.DiscardStageI(tok)
}

// DiscardStageI frees every staged frame
func (q *Queue) DiscardStageI(tok critical.Token) int {
	tok.Must(q.cs)
	n := 0
	for ref := q.stageHead; ref != NilRef; {
		next := q.pool.get(ref).next
		q.pool.release(ref)
		ref = next
		n++
	}
	q.stageHead, q.stageTail, q.staged = NilRef, NilRef, 0
	return n
}

func (q *Queue) Peek() (Ref, TxFrame, bool) {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.PeekI(tok)
}

// PeekI returns the highest priority frame and a copy of it
func (q *Queue) PeekI(tok critical.Token) (Ref, TxFrame, bool) {
	tok.Must(q.cs)
	if q.head == NilRef {
		return NilRef, TxFrame{}, false
	}
	return q.head, *q.pool.get(q.head), true
}

func (q *Queue) Pop() (TxFrame, bool) {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.PopI(tok)
}

// PopI removes the highest priority frame, returning a copy of it
func (q *Queue) PopI(tok critical.Token) (TxFrame, bool) {
	tok.Must(q.cs)
	ref := q.head
	if ref == NilRef {
		return TxFrame{}, false
	}
	frame := q.pool.get(ref)
	popped := *frame
	q.head = frame.next
	q.length--
	q.pool.release(ref)
	return popped, true
}

func (q *Queue) Remove(ref Ref) bool {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.RemoveI(tok, ref)
}

// RemoveI unlinks ref from the ready list and frees it.
// Returns false if it was not queued.
func (q *Queue) RemoveI(tok critical.Token, ref Ref) bool {
	tok.Must(q.cs)
	for link := &q.head; *link != NilRef; link = &q.pool.get(*link).next {
		if *link == ref {
			*link = q.pool.get(ref).next
			q.length--
			q.pool.release(ref)
			return true
		}
	}
	return false
}

func (q *Queue) PurgeExpired(now time.Time) int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.PurgeExpiredI(tok, now)
}

// PurgeExpiredI frees every ready frame whose timeout elapsed
func (q *Queue) PurgeExpiredI(tok critical.Token, now time.Time) int {
	tok.Must(q.cs)
	n := 0
	link := &q.head
	for *link != NilRef {
		ref := *link
		frame := q.pool.get(ref)
		if frame.Expired(now) {
			*link = frame.next
			q.pool.release(ref)
			q.length--
			n++
			continue
		}
		link = &frame.next
	}
	if n > 0 {
		metrics.TxFramesExpired.Add(float64(n))
		q.logger.Debugf("purged %v expired frames", n)
	}
	return n
}

// Number of frames ready to be sent
func (q *Queue) Len() int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.length
}

// Number of staged frames
func (q *Queue) Staged() int {
	tok := q.cs.Enter()
	defer tok.Exit()
	return q.staged
}

// Refs lists the ready frames, highest priority first
func (q *Queue) Refs() []Ref {
	tok := q.cs.Enter()
	defer tok.Exit()
	refs := make([]Ref, 0, q.length)
	for ref := q.head; ref != NilRef; ref = q.pool.get(ref).next {
		refs = append(refs, ref)
	}
	return refs
}
