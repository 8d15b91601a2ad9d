// Package transport implements UAVCAN v0 transfers on top of the bus
// manager : outgoing messages are serialized straight into transmit queue
// frames, received frames are reassembled and each complete transfer is
// republished on the pub/sub topic of its data type.
package transport

import (
	"fmt"
	"sync"
	"time"

	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/internal/metrics"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
	"github.com/samsamfire/gouavcan/pkg/worker"
	log "github.com/sirupsen/logrus"
)

const DefaultCleanupPeriod = time.Second

type subscriptionKey struct {
	dataTypeID uint16
	kind       canard.TransferKind
}

type subscription struct {
	descriptor *dsdl.Descriptor
	topic      *pubsub.Topic
}

type Transport struct {
	bm            *uavcan.BusManager
	instance      *canard.Instance
	tids          *TransferIDMap
	group         *pubsub.Group
	logger        *log.Entry
	mu            sync.Mutex
	subscriptions map[subscriptionKey]*subscription
	cleanupPeriod time.Duration
	rxTask        worker.ListenerTask
	cleanupTask   worker.TimerTask
	thread        *worker.Thread
}

type Option func(t *Transport)

func WithTransferIDMapSize(size int) Option {
	return func(t *Transport) {
		t.tids = NewTransferIDMap(t.bm.Queue().Section(), size)
	}
}

func WithCleanupPeriod(period time.Duration) Option {
	return func(t *Transport) {
		t.cleanupPeriod = period
	}
}

func WithMaxTransferPayload(size int) Option {
	return func(t *Transport) {
		t.instance.SetMaxTransferPayload(size)
	}
}

// Delay after which an incomplete received transfer is dropped
func WithTransferTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.instance.SetTransferTimeout(timeout)
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(t *Transport) {
		t.logger = logger.WithField("service", "[UAVCAN]")
	}
}

// New creates a transport sending through bm. Received transfers are
// published on topics of group, which must not be the group of the bus
// manager rx topic.
func New(bm *uavcan.BusManager, group *pubsub.Group, opts ...Option) *Transport {
	if group == bm.RxTopic().Group() {
		panic("transport: transfers and frames must use different topic groups")
	}
	t := &Transport{
		bm:            bm,
		group:         group,
		logger:        log.WithField("service", "[UAVCAN]"),
		subscriptions: make(map[subscriptionKey]*subscription),
		cleanupPeriod: DefaultCleanupPeriod,
	}
	t.instance = canard.NewInstance(t.shouldAccept, t.onReception)
	t.tids = NewTransferIDMap(bm.Queue().Section(), DefaultTransferIDMapSize)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) BusManager() *uavcan.BusManager {
	return t.bm
}

func (t *Transport) LocalNodeID() uint8 {
	return t.instance.LocalNodeID()
}

func (t *Transport) SetLocalNodeID(id uint8) error {
	err := t.instance.SetLocalNodeID(id)
	if err == nil {
		t.logger.Infof("local node id set to %v", id)
	}
	return err
}

func (t *Transport) TransferIDs() *TransferIDMap {
	return t.tids
}

// Topic returns the topic on which transfers of the given data type and
// kind are published, creating it if needed. Transfers without a topic are
// ignored on reception.
func (t *Transport) Topic(descriptor *dsdl.Descriptor, kind canard.TransferKind) *pubsub.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := subscriptionKey{descriptor.DataTypeID, kind}
	sub, ok := t.subscriptions[key]
	if !ok {
		tag := fmt.Sprintf("%v.%v", descriptor.FullName, kind)
		sub = &subscription{descriptor: descriptor, topic: t.group.NewTopic(tag)}
		t.subscriptions[key] = sub
		t.logger.Debugf("accepting %v", tag)
	}
	return sub.topic
}

// Subscribe returns the topic of broadcasts for messages, or of requests
// for services
func (t *Transport) Subscribe(descriptor *dsdl.Descriptor) *pubsub.Topic {
	if descriptor.IsService {
		return t.Topic(descriptor, canard.TransferKindRequest)
	}
	return t.Topic(descriptor, canard.TransferKindBroadcast)
}

// Attach runs the reception and the periodic cleanup of stale transfers on
// thread
func (t *Transport) Attach(thread *worker.Thread) {
	t.thread = thread
	thread.AddListenerTask(&t.rxTask, t.bm.RxTopic(), t.handleRxRecord)
	thread.AddTimerTask(&t.cleanupTask, t.cleanupPeriod, true, func(*worker.TimerTask) {
		t.CleanupStaleTransfers()
	})
}

// Detach stops the tasks added by Attach
func (t *Transport) Detach() {
	if t.thread == nil {
		return
	}
	t.thread.RemoveListenerTask(&t.rxTask)
	t.thread.RemoveTimerTask(&t.cleanupTask)
	t.thread = nil
}

func (t *Transport) CleanupStaleTransfers() int {
	removed := t.instance.CleanupStaleTransfers(t.bm.Clock().Now())
	if removed > 0 {
		t.logger.Debugf("dropped %v stale transfers", removed)
	}
	return removed
}

// Broadcast a message
func (t *Transport) Broadcast(descriptor *dsdl.Descriptor, priority uint8, msg dsdl.Message) error {
	if descriptor.IsService {
		return uavcan.ErrIllegalArgument
	}
	key := TransferKey(descriptor.DataTypeID, canard.TransferKindBroadcast, 0)
	tid := t.tids.Next(key)
	return t.send(descriptor, canard.TransferKindBroadcast, priority, 0, tid, msg)
}

// Request sends a service request to destination and returns its transfer
// id, which the response will carry
func (t *Transport) Request(descriptor *dsdl.Descriptor, priority uint8, destination uint8, msg dsdl.Message) (uint8, error) {
	if !descriptor.IsService {
		return 0, uavcan.ErrIllegalArgument
	}
	key := TransferKey(descriptor.DataTypeID, canard.TransferKindRequest, destination)
	tid := t.tids.Next(key)
	return tid, t.send(descriptor, canard.TransferKindRequest, priority, destination, tid, msg)
}

// Respond to a request received from destination with transfer id tid
func (t *Transport) Respond(descriptor *dsdl.Descriptor, priority uint8, destination uint8, tid uint8, msg dsdl.Message) error {
	if !descriptor.IsService {
		return uavcan.ErrIllegalArgument
	}
	return t.send(descriptor, canard.TransferKindResponse, priority, destination, tid&canard.TransferIDMax, msg)
}

func (t *Transport) send(descriptor *dsdl.Descriptor, kind canard.TransferKind, priority uint8, destination uint8, tid uint8, msg dsdl.Message) error {
	if priority > canard.PriorityMax {
		return uavcan.ErrIllegalArgument
	}
	local := t.LocalNodeID()
	if kind != canard.TransferKindBroadcast {
		if local == canard.BroadcastNodeID {
			return uavcan.ErrNodeIdUnset
		}
		if destination == canard.BroadcastNodeID || destination > canard.NodeIDMax || destination == local {
			return uavcan.ErrIllegalArgument
		}
	} else if local == canard.BroadcastNodeID && descriptor.DataTypeID > canard.AnonymousDataTypeIDMax {
		return uavcan.ErrIllegalArgument
	}

	builder := newFrameBuilder(t.bm, descriptor.Signature, tid, descriptor.MaxBitsFor(kind))
	msg.Encode(canard.NewEncoder(builder))
	refs, err := builder.finish()
	if err != nil {
		t.logger.Warnf("failed to send %v : %v", descriptor.FullName, err)
		return err
	}

	id := canard.FrameID{
		Priority:          priority,
		Kind:              kind,
		DataTypeID:        descriptor.DataTypeID,
		SourceNodeID:      local,
		DestinationNodeID: destination,
	}
	if id.IsAnonymous() {
		if len(refs) > 1 {
			t.bm.FreeTxFrames(refs)
			return uavcan.ErrNodeIdUnset
		}
		frame := t.bm.TxFrame(refs[0])
		id.Discriminator = anonymousDiscriminator(frame.Data[:frame.DLC-1])
	}
	canID := id.Encode() | can.CanEffFlag
	for _, ref := range refs {
		t.bm.TxFrame(ref).ID = canID
	}
	if err := t.bm.EnqueueTxFrames(refs); err != nil {
		t.bm.FreeTxFrames(refs)
		return err
	}
	metrics.TransfersSent.WithLabelValues(descriptor.FullName).Inc()
	t.logger.Debugf("queued %v (%v frames, tid %v)", descriptor.FullName, len(refs), tid)
	return nil
}
