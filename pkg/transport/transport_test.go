package transport

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/internal/crc"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/critical"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
	"github.com/samsamfire/gouavcan/pkg/txqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawMessage []byte

func (m rawMessage) Encode(enc *canard.Encoder) {
	enc.Bytes(m)
}

var rawDescriptor = &dsdl.Descriptor{
	FullName:   "test.Raw",
	DataTypeID: 20000,
	Signature:  0x0123456789ABCDEF,
	MaxBits:    64 * 8,
}

var anonymousDescriptor = &dsdl.Descriptor{
	FullName:   "test.Anonymous",
	DataTypeID: 2,
	Signature:  0x0123456789ABCDEF,
	MaxBits:    7 * 8,
}

var rawServiceDescriptor = &dsdl.Descriptor{
	FullName:        "test.RawService",
	DataTypeID:      200,
	Signature:       0xFEDCBA9876543210,
	IsService:       true,
	MaxBits:         64 * 8,
	ResponseMaxBits: 64 * 8,
}

type testNode struct {
	tr    *Transport
	bm    *uavcan.BusManager
	clock *clock.Mock
}

func newTestNode(t *testing.T, nodeID uint8, poolSize int, opts ...Option) *testNode {
	mockClock := clock.NewMock()
	mockClock.Set(time.Unix(1000, 0))
	rxGroup := pubsub.NewGroup("can_rx", 4096, nil)
	bm := uavcan.NewBusManager(nil, critical.New(), txqueue.NewPool(poolSize), rxGroup.NewTopic("rx"), mockClock)
	tr := New(bm, pubsub.NewGroup("transfers", 8192, nil), opts...)
	if nodeID != 0 {
		require.Nil(t, tr.SetLocalNodeID(nodeID))
	}
	return &testNode{tr: tr, bm: bm, clock: mockClock}
}

// Pops every queued frame, highest priority first
func (n *testNode) drain() []can.Frame {
	frames := []can.Frame{}
	for {
		frame, ok := n.bm.Queue().Pop()
		if !ok {
			return frames
		}
		frames = append(frames, frame.Frame)
	}
}

func (n *testNode) feed(t *testing.T, frames []can.Frame) {
	record := make([]byte, uavcan.RxFrameRecordSize)
	for _, frame := range frames {
		uavcan.EncodeRxFrame(record, frame, n.clock.Now())
		assert.Nil(t, n.tr.HandleRxRecord(record))
	}
}

func collect(topic *pubsub.Topic) (*pubsub.Listener, *[]Transfer) {
	transfers := &[]Transfer{}
	listener := topic.Subscribe(func(payload []byte) {
		transfer, err := DecodeTransfer(payload)
		if err != nil {
			return
		}
		transfer.Payload = append([]byte{}, transfer.Payload...)
		*transfers = append(*transfers, transfer)
	})
	return listener, transfers
}

func drainListener(listener *pubsub.Listener) {
	for listener.TryHandleOne() {
	}
}

func sequence(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

// Reference framing, written independently of the bit sink
func expectedFrames(canID uint32, tid uint8, signature uint64, payload []byte) [][]byte {
	if len(payload) <= 7 {
		tail := canard.TailByte{StartOfTransfer: true, EndOfTransfer: true, TransferID: tid}
		return [][]byte{append(append([]byte{}, payload...), tail.Encode())}
	}
	transferCrc := crc.NewTransferCRC(signature)
	transferCrc.Block(payload)
	stream := append([]byte{byte(transferCrc), byte(transferCrc >> 8)}, payload...)
	frames := [][]byte{}
	toggle := false
	for offset := 0; offset < len(stream); offset += 7 {
		end := min(offset+7, len(stream))
		tail := canard.TailByte{
			StartOfTransfer: offset == 0,
			EndOfTransfer:   end == len(stream),
			Toggle:          toggle,
			TransferID:      tid,
		}
		frames = append(frames, append(append([]byte{}, stream[offset:end]...), tail.Encode()))
		toggle = !toggle
	}
	return frames
}

func TestBroadcastFraming(t *testing.T) {
	for _, size := range []int{0, 1, 7, 8, 12, 13, 14, 43, 64} {
		node := newTestNode(t, 42, 16)
		payload := sequence(size)
		require.Nil(t, node.tr.Broadcast(rawDescriptor, canard.PriorityMedium, rawMessage(payload)))
		frames := node.drain()
		canID := canard.FrameID{
			Priority:     canard.PriorityMedium,
			Kind:         canard.TransferKindBroadcast,
			DataTypeID:   rawDescriptor.DataTypeID,
			SourceNodeID: 42,
		}.Encode()
		expected := expectedFrames(canID, 0, rawDescriptor.Signature, payload)
		require.Len(t, frames, len(expected), "payload of %v bytes", size)
		for i, frame := range frames {
			assert.True(t, frame.IsExtended())
			assert.EqualValues(t, canID, frame.ArbitrationID())
			assert.Equal(t, expected[i], frame.Payload(), "frame %v of %v bytes payload", i, size)
		}
		assert.Equal(t, 16, node.bm.Queue().Available())
	}
}

func TestTailByteSequence(t *testing.T) {
	node := newTestNode(t, 42, 16)
	require.Nil(t, node.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(40))))
	frames := node.drain()
	require.Len(t, frames, 6)
	for i, frame := range frames {
		tail := canard.DecodeTailByte(frame.Payload()[frame.DLC-1])
		assert.Equal(t, i == 0, tail.StartOfTransfer)
		assert.Equal(t, i == len(frames)-1, tail.EndOfTransfer)
		assert.Equal(t, i%2 == 1, tail.Toggle)
		assert.EqualValues(t, 0, tail.TransferID)
		if i < len(frames)-1 {
			assert.EqualValues(t, 8, frame.DLC)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	sender := newTestNode(t, 10, 32)
	receiver := newTestNode(t, 20, 32)
	listener, transfers := collect(receiver.tr.Subscribe(rawDescriptor))

	payloads := [][]byte{{}, sequence(5), sequence(8), sequence(43), sequence(64)}
	for _, payload := range payloads {
		require.Nil(t, sender.tr.Broadcast(rawDescriptor, canard.PriorityLow, rawMessage(payload)))
		receiver.feed(t, sender.drain())
	}
	drainListener(listener)
	require.Len(t, *transfers, len(payloads))
	for i, transfer := range *transfers {
		assert.Equal(t, payloads[i], transfer.Payload)
		assert.EqualValues(t, 10, transfer.SourceNodeID)
		assert.EqualValues(t, i, transfer.TransferID)
		assert.Equal(t, canard.PriorityLow, transfer.Priority)
		assert.Equal(t, canard.TransferKindBroadcast, transfer.Kind)
		assert.Equal(t, rawDescriptor.DataTypeID, transfer.DataTypeID)
		assert.True(t, receiver.clock.Now().Equal(transfer.Timestamp))
	}
}

func TestDsdlRoundTrip(t *testing.T) {
	sender := newTestNode(t, 10, 32)
	receiver := newTestNode(t, 20, 32)
	listener, transfers := collect(receiver.tr.Subscribe(dsdl.LogMessageDescriptor))

	sent := &dsdl.LogMessage{Level: dsdl.LogLevelWarning, Source: "battery", Text: "voltage below threshold"}
	require.Nil(t, sender.tr.Broadcast(dsdl.LogMessageDescriptor, canard.PriorityLowest, sent))
	receiver.feed(t, sender.drain())
	drainListener(listener)
	require.Len(t, *transfers, 1)

	received := &dsdl.LogMessage{}
	assert.Nil(t, dsdl.Unmarshal((*transfers)[0].Payload, received))
	assert.Equal(t, sent, received)
}

func TestUnsubscribedTransfersIgnored(t *testing.T) {
	sender := newTestNode(t, 10, 16)
	receiver := newTestNode(t, 20, 16)
	require.Nil(t, sender.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(3))))
	record := make([]byte, uavcan.RxFrameRecordSize)
	uavcan.EncodeRxFrame(record, sender.drain()[0], receiver.clock.Now())
	assert.ErrorIs(t, receiver.tr.HandleRxRecord(record), canard.ErrRxNotWanted)
	assert.ErrorIs(t, receiver.tr.HandleRxRecord(record[:10]), uavcan.ErrRxMsgLength)
}

func TestServiceExchange(t *testing.T) {
	client := newTestNode(t, 10, 32)
	server := newTestNode(t, 20, 32)
	requests, receivedRequests := collect(server.tr.Subscribe(rawServiceDescriptor))
	responses, receivedResponses := collect(client.tr.Topic(rawServiceDescriptor, canard.TransferKindResponse))

	for i := range 3 {
		tid, err := client.tr.Request(rawServiceDescriptor, canard.PriorityHigh, 20, rawMessage(sequence(10)))
		require.Nil(t, err)
		assert.EqualValues(t, i, tid)
	}
	frames := client.drain()
	id := canard.DecodeFrameID(frames[0].ArbitrationID())
	assert.Equal(t, canard.TransferKindRequest, id.Kind)
	assert.EqualValues(t, 20, id.DestinationNodeID)
	assert.EqualValues(t, 10, id.SourceNodeID)
	server.feed(t, frames)
	drainListener(requests)
	require.Len(t, *receivedRequests, 3)

	for _, request := range *receivedRequests {
		err := server.tr.Respond(rawServiceDescriptor, request.Priority, request.SourceNodeID, request.TransferID, rawMessage{request.TransferID})
		require.Nil(t, err)
	}
	client.feed(t, server.drain())
	drainListener(responses)
	require.Len(t, *receivedResponses, 3)
	for i, response := range *receivedResponses {
		assert.EqualValues(t, i, response.TransferID)
		assert.Equal(t, []byte{byte(i)}, response.Payload)
		assert.Equal(t, canard.TransferKindResponse, response.Kind)
	}

	// Addressed to someone else
	_, err := server.tr.Request(rawServiceDescriptor, 0, 30, rawMessage{})
	require.Nil(t, err)
	record := make([]byte, uavcan.RxFrameRecordSize)
	uavcan.EncodeRxFrame(record, server.drain()[0], client.clock.Now())
	assert.ErrorIs(t, client.tr.HandleRxRecord(record), canard.ErrRxWrongAddress)
}

func TestSendValidation(t *testing.T) {
	node := newTestNode(t, 10, 16)
	msg := rawMessage{1}
	assert.ErrorIs(t, node.tr.Broadcast(rawDescriptor, 32, msg), uavcan.ErrIllegalArgument)
	assert.ErrorIs(t, node.tr.Broadcast(rawServiceDescriptor, 0, msg), uavcan.ErrIllegalArgument)
	_, err := node.tr.Request(rawDescriptor, 0, 20, msg)
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	_, err = node.tr.Request(rawServiceDescriptor, 0, 0, msg)
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	_, err = node.tr.Request(rawServiceDescriptor, 0, 10, msg)
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	_, err = node.tr.Request(rawServiceDescriptor, 0, 128, msg)
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	assert.Equal(t, 0, node.bm.Queue().Len())
	assert.Equal(t, 16, node.bm.Queue().Available())

	anonymous := newTestNode(t, 0, 16)
	_, err = anonymous.tr.Request(rawServiceDescriptor, 0, 20, msg)
	assert.ErrorIs(t, err, uavcan.ErrNodeIdUnset)
	assert.ErrorIs(t, anonymous.tr.Respond(rawServiceDescriptor, 0, 20, 0, msg), uavcan.ErrNodeIdUnset)
}

func TestPayloadTooLarge(t *testing.T) {
	node := newTestNode(t, 10, 32)
	err := node.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(65)))
	assert.ErrorIs(t, err, uavcan.ErrPayloadTooLarge)
	assert.Equal(t, 0, node.bm.Queue().Len())
	assert.Equal(t, 32, node.bm.Queue().Available())
}

func TestPoolExhausted(t *testing.T) {
	node := newTestNode(t, 10, 4)
	// 2 crc bytes + 40 bytes need 6 frames
	err := node.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(40)))
	assert.ErrorIs(t, err, uavcan.ErrTxOverflow)
	assert.Equal(t, 0, node.bm.Queue().Len())
	assert.Equal(t, 4, node.bm.Queue().Available())

	// Fits
	assert.Nil(t, node.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(20))))
	assert.Equal(t, 4, node.bm.Queue().Len())
}

func TestAnonymousBroadcast(t *testing.T) {
	node := newTestNode(t, 0, 16)
	payload := []byte{1, 2, 3, 4}
	require.Nil(t, node.tr.Broadcast(anonymousDescriptor, canard.PriorityHigh, rawMessage(payload)))
	frames := node.drain()
	require.Len(t, frames, 1)

	discriminator := crc.CRC16(crc.Initial)
	discriminator.Block(payload)
	id := canard.DecodeFrameID(frames[0].ArbitrationID())
	assert.True(t, id.IsAnonymous())
	assert.Equal(t, uint16(discriminator)&0x7FFE, id.Discriminator)
	assert.Equal(t, anonymousDescriptor.DataTypeID, id.DataTypeID)
	assert.Equal(t, canard.PriorityHigh, id.Priority)

	// Anonymous transfers are single frame only
	err := node.tr.Broadcast(anonymousDescriptor, 0, rawMessage(sequence(8)))
	assert.ErrorIs(t, err, uavcan.ErrNodeIdUnset)
	assert.Equal(t, 16, node.bm.Queue().Available())
}

func TestAnonymousBroadcastDataTypeTooWide(t *testing.T) {
	node := newTestNode(t, 0, 16)
	err := node.tr.Broadcast(rawDescriptor, 0, rawMessage([]byte{1, 2}))
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	err = node.tr.Broadcast(dsdl.NodeStatusDescriptor, 0, &dsdl.NodeStatus{})
	assert.ErrorIs(t, err, uavcan.ErrIllegalArgument)
	assert.Equal(t, 0, node.bm.Queue().Len())
	assert.Equal(t, 16, node.bm.Queue().Available())
}

func TestPriorityOrdering(t *testing.T) {
	node := newTestNode(t, 10, 32)
	require.Nil(t, node.tr.Broadcast(rawDescriptor, canard.PriorityLow, rawMessage(sequence(20))))
	require.Nil(t, node.tr.Broadcast(rawDescriptor, canard.PriorityHigh, rawMessage(sequence(2))))
	frames := node.drain()
	require.Len(t, frames, 5)
	assert.Equal(t, canard.PriorityHigh, canard.DecodeFrameID(frames[0].ArbitrationID()).Priority)
	// Frames of the same transfer keep their order
	for i, frame := range frames[1:] {
		tail := canard.DecodeTailByte(frame.Payload()[frame.DLC-1])
		assert.Equal(t, i == 0, tail.StartOfTransfer)
	}
}

func TestTransferIDMapEviction(t *testing.T) {
	m := NewTransferIDMap(critical.New(), 4)
	a, b, c, d, e := uint32(1), uint32(2), uint32(3), uint32(4), uint32(5)
	for _, key := range []uint32{a, b, c, d} {
		assert.EqualValues(t, 0, m.Next(key))
	}
	// a becomes the most recently used, b the least
	assert.EqualValues(t, 1, m.Next(a))
	assert.EqualValues(t, 0, m.Next(e))
	assert.Equal(t, 4, m.Len())
	assert.EqualValues(t, 1, m.Next(c))
	assert.EqualValues(t, 0, m.Next(b))
	assert.EqualValues(t, 2, m.Next(a))
}

func TestTransferIDWraps(t *testing.T) {
	m := NewTransferIDMap(critical.New(), DefaultTransferIDMapSize)
	key := TransferKey(341, canard.TransferKindBroadcast, 0)
	for i := range 32 {
		assert.EqualValues(t, i, m.Next(key))
	}
	assert.EqualValues(t, 0, m.Next(key))
	assert.NotEqual(t, key, TransferKey(341, canard.TransferKindRequest, 0))
	assert.NotEqual(t, TransferKey(1, canard.TransferKindRequest, 2), TransferKey(1, canard.TransferKindRequest, 3))
}

func TestStaleTransfersCleanup(t *testing.T) {
	sender := newTestNode(t, 10, 16)
	receiver := newTestNode(t, 20, 16)
	receiver.tr.Subscribe(rawDescriptor)
	require.Nil(t, sender.tr.Broadcast(rawDescriptor, 0, rawMessage(sequence(20))))
	frames := sender.drain()
	receiver.feed(t, frames[:2])
	assert.Equal(t, 0, receiver.tr.CleanupStaleTransfers())
	receiver.clock.Add(3 * time.Second)
	assert.Equal(t, 1, receiver.tr.CleanupStaleTransfers())
}

func TestSameGroupPanics(t *testing.T) {
	group := pubsub.NewGroup("shared", 1024, nil)
	bm := uavcan.NewBusManager(nil, critical.New(), txqueue.NewPool(4), group.NewTopic("rx"), nil)
	assert.Panics(t, func() { New(bm, group) })
}
