// Package uavcan is the CAN side of a UAVCAN node. [BusManager] sits
// between a [can.Bus] driver and the rest of the stack : received frames are
// published on a pub/sub topic and outgoing frames go through a priority
// ordered transmit queue drained by [BusManager.Process].
package uavcan

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samsamfire/gouavcan/internal/metrics"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/critical"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
	"github.com/samsamfire/gouavcan/pkg/txqueue"
	log "github.com/sirupsen/logrus"
)

// Received frames are published as fixed size records :
// timestamp (unix ns, int64) | id (uint32) | dlc | flags | reserved (2) | data (8)
const RxFrameRecordSize = 24

const (
	DefaultTxTimeout = time.Second
	txRetryDelay     = 10 * time.Millisecond
)

type BusManager struct {
	mu        sync.Mutex
	bus       can.Bus // Bus interface that can be adapted
	queue     *txqueue.Queue
	rxTopic   *pubsub.Topic
	clock     clock.Clock
	logger    *log.Entry
	txTimeout time.Duration
	txWake    chan struct{}
	txErrors  uint64
}

func NewBusManager(bus can.Bus, cs *critical.Section, pool *txqueue.Pool, rxTopic *pubsub.Topic, clk clock.Clock) *BusManager {
	if clk == nil {
		clk = clock.New()
	}
	logger := log.WithField("service", "[CAN]")
	return &BusManager{
		bus:       bus,
		queue:     txqueue.NewQueue(cs, pool, logger),
		rxTopic:   rxTopic,
		clock:     clk,
		logger:    logger,
		txTimeout: DefaultTxTimeout,
		txWake:    make(chan struct{}, 1),
	}
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

func (bm *BusManager) Queue() *txqueue.Queue {
	return bm.queue
}

func (bm *BusManager) Clock() clock.Clock {
	return bm.clock
}

// Topic on which every received frame is published
func (bm *BusManager) RxTopic() *pubsub.Topic {
	return bm.rxTopic
}

// Default lifetime of allocated frames, zero disables expiry
func (bm *BusManager) SetTxTimeout(timeout time.Duration) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.txTimeout = timeout
}

// AllocateTxFrame reserves a frame from the pool, timestamped now.
// Returns false if the pool is exhausted.
func (bm *BusManager) AllocateTxFrame() (txqueue.Ref, bool) {
	tok := bm.queue.Section().Enter()
	defer tok.Exit()
	return bm.AllocateTxFrameI(tok)
}

func (bm *BusManager) AllocateTxFrameI(tok critical.Token) (txqueue.Ref, bool) {
	ref, ok := bm.queue.AllocI(tok)
	if !ok {
		return txqueue.NilRef, false
	}
	frame := bm.queue.Frame(ref)
	frame.Created = bm.clock.Now()
	bm.mu.Lock()
	frame.Timeout = bm.txTimeout
	bm.mu.Unlock()
	return ref, true
}

// TxFrame gives access to an allocated frame which was not enqueued yet
func (bm *BusManager) TxFrame(ref txqueue.Ref) *txqueue.TxFrame {
	return bm.queue.Frame(ref)
}

// Release frames which will not be enqueued
func (bm *BusManager) FreeTxFrames(refs []txqueue.Ref) {
	bm.queue.Free(refs...)
}

// EnqueueTxFrames queues the frames of one transfer at once : a concurrent
// Process either sees all of them or none.
func (bm *BusManager) EnqueueTxFrames(refs []txqueue.Ref) error {
	if len(refs) == 0 {
		return ErrIllegalArgument
	}
	tok := bm.queue.Section().Enter()
	for _, ref := range refs {
		bm.queue.StageI(tok, ref)
	}
	bm.queue.CommitI(tok)
	tok.Exit()
	select {
	case bm.txWake <- struct{}{}:
	default:
	}
	return nil
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame can.Frame) {
	metrics.RxFrames.Inc()
	// UAVCAN only uses extended data frames
	if !frame.IsExtended() || frame.IsRTR() || frame.IsError() {
		bm.logger.Debugf("ignoring frame x%x", frame.ID)
		return
	}
	now := bm.clock.Now()
	bm.rxTopic.Publish(RxFrameRecordSize, func(record []byte) {
		EncodeRxFrame(record, frame, now)
	})
}

// EncodeRxFrame writes a frame record, record must hold RxFrameRecordSize bytes
func EncodeRxFrame(record []byte, frame can.Frame, timestamp time.Time) {
	binary.LittleEndian.PutUint64(record[0:], uint64(timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(record[8:], frame.ID)
	record[12] = frame.DLC
	record[13] = frame.Flags
	record[14] = 0
	record[15] = 0
	copy(record[16:24], frame.Data[:])
}

// DecodeRxFrame reads back a record published on the rx topic
func DecodeRxFrame(record []byte) (can.Frame, time.Time, error) {
	if len(record) < RxFrameRecordSize {
		return can.Frame{}, time.Time{}, ErrRxMsgLength
	}
	frame := can.Frame{
		ID:    binary.LittleEndian.Uint32(record[8:]),
		DLC:   record[12],
		Flags: record[13],
	}
	copy(frame.Data[:], record[16:24])
	timestamp := time.Unix(0, int64(binary.LittleEndian.Uint64(record[0:])))
	return frame, timestamp, nil
}

// Number of frames the driver refused
func (bm *BusManager) TxErrors() uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.txErrors
}

// Process drains the transmit queue into the driver until ctx is done.
// Expired frames are dropped, a frame refused by the driver is retried.
// It must run on a single goroutine.
func (bm *BusManager) Process(ctx context.Context) error {
	bm.logger.Info("starting transmit pump")
	defer bm.logger.Info("exited transmit pump")
	for {
		if ctx.Err() != nil {
			return nil
		}
		bm.queue.PurgeExpired(bm.clock.Now())
		ref, frame, ok := bm.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-bm.txWake:
			}
			continue
		}
		err := bm.Bus().Send(frame.Frame)
		if err != nil {
			bm.mu.Lock()
			bm.txErrors++
			bm.mu.Unlock()
			bm.logger.Warnf("failed to send frame x%x : %v", frame.ArbitrationID(), err)
			timer := bm.clock.Timer(txRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		metrics.TxFramesSent.Inc()
		bm.queue.Remove(ref)
	}
}
