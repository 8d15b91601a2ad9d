package canard

import (
	"testing"
	"time"

	"github.com/samsamfire/gouavcan/internal/crc"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeScalar(t *testing.T) {
	buf := make([]byte, 4)
	EncodeScalar(buf, 0, 8, 0xAA)
	assert.Equal(t, []byte{0xAA, 0, 0, 0}, buf)

	buf = make([]byte, 4)
	EncodeScalar(buf, 0, 12, 0xABC)
	assert.Equal(t, []byte{0xBC, 0xA0, 0, 0}, buf)
	assert.EqualValues(t, 0xABC, DecodeScalar(buf, 0, 12))

	buf = make([]byte, 4)
	EncodeScalar(buf, 0, 3, 5)
	assert.Equal(t, []byte{0xA0, 0, 0, 0}, buf)

	buf = make([]byte, 4)
	EncodeScalar(buf, 3, 1, 42)
	assert.Equal(t, []byte{0x10, 0, 0, 0}, buf)

	// Unaligned 16 bit value
	buf = make([]byte, 4)
	EncodeScalar(buf, 4, 16, 0x1234)
	assert.EqualValues(t, 0x1234, DecodeScalar(buf, 4, 16))
	assert.Equal(t, []byte{0x03, 0x41, 0x20, 0}, buf)

	assert.Panics(t, func() { EncodeScalar(buf, 0, 65, 0) })
}

func TestDecodeSigned(t *testing.T) {
	buf := make([]byte, 8)
	EncodeScalar(buf, 0, 5, uint64(0x1F))
	assert.EqualValues(t, -1, DecodeSignedScalar(buf, 0, 5))
	EncodeScalar(buf, 5, 12, uint64(int64(-1000)))
	assert.EqualValues(t, -1000, DecodeSignedScalar(buf, 5, 12))
	EncodeScalar(buf, 0, 64, uint64(1<<63))
	assert.EqualValues(t, int64(-1<<63), DecodeSignedScalar(buf, 0, 64))
}

func TestEncoderDecoder(t *testing.T) {
	buffer := &BitBuffer{}
	enc := NewEncoder(buffer)
	enc.Uint(32, 0x01020304)
	enc.Uint(2, 1)
	enc.Uint(3, 2)
	enc.Uint(3, 0)
	enc.Int(16, -2)
	enc.Bool(true)
	enc.Bytes([]byte("ab"))
	assert.Equal(t, 32+8+16+1+16, enc.Bits())
	assert.Equal(t, 10, len(buffer.Bytes()))
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x50, 0xFE, 0xFF}, buffer.Bytes()[:7])

	dec := NewDecoder(buffer.Bytes())
	assert.EqualValues(t, 0x01020304, dec.Uint(32))
	assert.EqualValues(t, 1, dec.Uint(2))
	assert.EqualValues(t, 2, dec.Uint(3))
	assert.EqualValues(t, 0, dec.Uint(3))
	assert.EqualValues(t, -2, dec.Int(16))
	assert.True(t, dec.Bool())
	assert.Equal(t, []byte("ab"), dec.Bytes(2))
	assert.Nil(t, dec.Err())
	// 7 padding bits left
	assert.Equal(t, 0, dec.RemainingBytes())
	dec.Uint(8)
	assert.Equal(t, ErrShortPayload, dec.Err())
	assert.EqualValues(t, 0, dec.Uint(1))
}

func TestTailByte(t *testing.T) {
	tail := TailByte{StartOfTransfer: true, EndOfTransfer: true, TransferID: 5}
	assert.EqualValues(t, 0xC5, tail.Encode())
	tail = TailByte{StartOfTransfer: true, TransferID: 31}
	assert.EqualValues(t, 0x9F, tail.Encode())
	tail = TailByte{Toggle: true, TransferID: 0}
	assert.EqualValues(t, 0x20, tail.Encode())
	tail = TailByte{EndOfTransfer: true, Toggle: true, TransferID: 33}
	assert.EqualValues(t, 0x61, tail.Encode())

	for b := 0; b < 256; b++ {
		assert.EqualValues(t, b, DecodeTailByte(byte(b)).Encode())
	}
}

func TestFrameID(t *testing.T) {
	// NodeStatus from node 42, priority 24
	broadcast := FrameID{Priority: 24, Kind: TransferKindBroadcast, DataTypeID: 341, SourceNodeID: 42}
	assert.EqualValues(t, 0x1801552A, broadcast.Encode())
	assert.Equal(t, broadcast, DecodeFrameID(0x1801552A))

	// GetNodeInfo request from 10 to 42
	request := FrameID{Priority: 30, Kind: TransferKindRequest, DataTypeID: 1, SourceNodeID: 10, DestinationNodeID: 42}
	assert.EqualValues(t, 0x1E01AA8A, request.Encode())
	assert.Equal(t, request, DecodeFrameID(0x1E01AA8A))

	response := request
	response.Kind = TransferKindResponse
	assert.EqualValues(t, 0x1E012A8A, response.Encode())
	assert.Equal(t, response, DecodeFrameID(0x1E012A8A))

	anonymous := FrameID{Priority: 31, Kind: TransferKindBroadcast, DataTypeID: 1, Discriminator: 0x1234}
	assert.True(t, anonymous.IsAnonymous())
	assert.EqualValues(t, 31<<24|0x1234<<9|1<<8, anonymous.Encode())
	assert.Equal(t, anonymous, DecodeFrameID(anonymous.Encode()))
}

// Splits a payload into frames, the way a UAVCAN v0 transmitter does
func splitTransfer(id FrameID, tid uint8, signature uint64, payload []byte) []can.Frame {
	canID := id.Encode()
	if len(payload) <= 7 {
		data := append(append([]byte{}, payload...), TailByte{true, true, false, tid}.Encode())
		return []can.Frame{can.NewExtendedFrame(canID, data)}
	}
	transferCrc := crc.NewTransferCRC(signature)
	transferCrc.Block(payload)
	stream := append([]byte{byte(transferCrc), byte(transferCrc >> 8)}, payload...)
	frames := []can.Frame{}
	toggle := false
	for offset := 0; offset < len(stream); offset += 7 {
		end := min(offset+7, len(stream))
		tail := TailByte{offset == 0, end == len(stream), toggle, tid}
		data := append(append([]byte{}, stream[offset:end]...), tail.Encode())
		frames = append(frames, can.NewExtendedFrame(canID, data))
		toggle = !toggle
	}
	return frames
}

type receiver struct {
	transfers []RxTransfer
	payloads  [][]byte
	accept    bool
}

func (r *receiver) shouldAccept(dataTypeID uint16, kind TransferKind, source uint8) (uint64, bool) {
	return 0x0123456789ABCDEF, r.accept
}

func (r *receiver) onReception(transfer *RxTransfer) {
	r.transfers = append(r.transfers, *transfer)
	r.payloads = append(r.payloads, append([]byte(nil), transfer.Payload...))
}

func newReceiver() (*Instance, *receiver) {
	r := &receiver{accept: true}
	return NewInstance(r.shouldAccept, r.onReception), r
}

var testID = FrameID{Priority: 16, Kind: TransferKindBroadcast, DataTypeID: 1000, SourceNodeID: 7}

func TestSetLocalNodeID(t *testing.T) {
	ins, _ := newReceiver()
	assert.EqualValues(t, BroadcastNodeID, ins.LocalNodeID())
	assert.Equal(t, ErrInvalidNodeID, ins.SetLocalNodeID(0))
	assert.Equal(t, ErrInvalidNodeID, ins.SetLocalNodeID(128))
	assert.Nil(t, ins.SetLocalNodeID(42))
	assert.Equal(t, ErrNodeIDAlreadySet, ins.SetLocalNodeID(43))
	assert.EqualValues(t, 42, ins.LocalNodeID())
}

func TestRxSingleFrame(t *testing.T) {
	ins, r := newReceiver()
	now := time.Now()
	for _, frame := range splitTransfer(testID, 3, 0, []byte{1, 2, 3}) {
		assert.Nil(t, ins.HandleRxFrame(frame, now))
	}
	require.Len(t, r.transfers, 1)
	assert.Equal(t, []byte{1, 2, 3}, r.payloads[0])
	assert.EqualValues(t, 3, r.transfers[0].TransferID)
	assert.EqualValues(t, 7, r.transfers[0].SourceNodeID)
	assert.EqualValues(t, 1000, r.transfers[0].DataTypeID)
	assert.EqualValues(t, 16, r.transfers[0].Priority)
	assert.Equal(t, TransferKindBroadcast, r.transfers[0].Kind)
}

func TestRxMultiFrame(t *testing.T) {
	ins, r := newReceiver()
	now := time.Now()
	payload := []byte("The quick brown fox jumps over the lazy dog")
	frames := splitTransfer(testID, 0, 0x0123456789ABCDEF, payload)
	require.Greater(t, len(frames), 2)
	for i, frame := range frames {
		assert.Nil(t, ins.HandleRxFrame(frame, now.Add(time.Duration(i)*time.Millisecond)))
	}
	require.Len(t, r.transfers, 1)
	assert.Equal(t, payload, r.payloads[0])
	assert.True(t, r.transfers[0].Timestamp.Equal(now))

	// Next transfer id is accepted
	for _, frame := range splitTransfer(testID, 1, 0x0123456789ABCDEF, payload) {
		assert.Nil(t, ins.HandleRxFrame(frame, now))
	}
	assert.Len(t, r.transfers, 2)
}

func TestRxBadCrc(t *testing.T) {
	ins, r := newReceiver()
	frames := splitTransfer(testID, 0, 0xBAD, make([]byte, 20))
	var err error
	for _, frame := range frames {
		err = ins.HandleRxFrame(frame, time.Now())
	}
	assert.Equal(t, ErrRxBadCrc, err)
	assert.Empty(t, r.transfers)
}

func TestRxMissedStart(t *testing.T) {
	ins, r := newReceiver()
	frames := splitTransfer(testID, 0, 0x0123456789ABCDEF, make([]byte, 20))
	assert.Equal(t, ErrRxMissedStart, ins.HandleRxFrame(frames[1], time.Now()))
	assert.Empty(t, r.transfers)
}

func TestRxWrongToggle(t *testing.T) {
	ins, _ := newReceiver()
	now := time.Now()
	frames := splitTransfer(testID, 0, 0x0123456789ABCDEF, make([]byte, 20))
	assert.Nil(t, ins.HandleRxFrame(frames[0], now))
	assert.Nil(t, ins.HandleRxFrame(frames[1], now))
	// Duplicate frame
	assert.Equal(t, ErrRxWrongToggle, ins.HandleRxFrame(frames[1], now))
}

func TestRxUnexpectedTid(t *testing.T) {
	ins, _ := newReceiver()
	now := time.Now()
	first := splitTransfer(testID, 0, 0x0123456789ABCDEF, make([]byte, 20))
	other := splitTransfer(testID, 1, 0x0123456789ABCDEF, make([]byte, 20))
	assert.Nil(t, ins.HandleRxFrame(first[0], now))
	assert.Equal(t, ErrRxUnexpectedTid, ins.HandleRxFrame(other[1], now))
}

func TestRxShortFrame(t *testing.T) {
	ins, _ := newReceiver()
	tail := TailByte{StartOfTransfer: true, TransferID: 0}
	frame := can.NewExtendedFrame(testID.Encode(), []byte{0x12, 0x34, tail.Encode()})
	assert.Equal(t, ErrRxShortFrame, ins.HandleRxFrame(frame, time.Now()))
}

func TestRxRejections(t *testing.T) {
	ins, r := newReceiver()
	assert.Equal(t, ErrRxIncompatibleFrame, ins.HandleRxFrame(can.NewFrame(0x100, 0, 1), time.Now()))
	assert.Equal(t, ErrRxIncompatibleFrame, ins.HandleRxFrame(can.NewExtendedFrame(1, nil), time.Now()))

	request := FrameID{Priority: 30, Kind: TransferKindRequest, DataTypeID: 1, SourceNodeID: 10, DestinationNodeID: 42}
	frames := splitTransfer(request, 0, 0, []byte{1})
	assert.Equal(t, ErrRxWrongAddress, ins.HandleRxFrame(frames[0], time.Now()))
	require.Nil(t, ins.SetLocalNodeID(42))
	assert.Nil(t, ins.HandleRxFrame(frames[0], time.Now()))
	assert.Len(t, r.transfers, 1)

	r.accept = false
	frames = splitTransfer(testID, 0, 0, []byte{1})
	assert.Equal(t, ErrRxNotWanted, ins.HandleRxFrame(frames[0], time.Now()))
}

func TestRxRestartAfterTimeout(t *testing.T) {
	ins, r := newReceiver()
	now := time.Now()
	frames := splitTransfer(testID, 4, 0x0123456789ABCDEF, make([]byte, 20))
	assert.Nil(t, ins.HandleRxFrame(frames[0], now))
	// Sender restarted, same transfer id, long after
	later := now.Add(3 * time.Second)
	for _, frame := range frames {
		assert.Nil(t, ins.HandleRxFrame(frame, later))
	}
	assert.Len(t, r.transfers, 1)
}

func TestRxPayloadLimit(t *testing.T) {
	ins, _ := newReceiver()
	ins.SetMaxTransferPayload(10)
	frames := splitTransfer(testID, 0, 0x0123456789ABCDEF, make([]byte, 40))
	var err error
	for _, frame := range frames {
		if err = ins.HandleRxFrame(frame, time.Now()); err != nil {
			break
		}
	}
	assert.Equal(t, ErrRxOutOfMemory, err)
}

func TestCleanupStaleTransfers(t *testing.T) {
	ins, _ := newReceiver()
	now := time.Now()
	frames := splitTransfer(testID, 0, 0x0123456789ABCDEF, make([]byte, 20))
	assert.Nil(t, ins.HandleRxFrame(frames[0], now))
	assert.Equal(t, 1, ins.PendingStates())
	assert.Equal(t, 0, ins.CleanupStaleTransfers(now.Add(time.Second)))
	assert.Equal(t, 1, ins.CleanupStaleTransfers(now.Add(3*time.Second)))
	assert.Equal(t, 0, ins.PendingStates())
	assert.Equal(t, ErrRxMissedStart, ins.HandleRxFrame(frames[1], now))
}
