package canard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/gouavcan/internal/crc"
	"github.com/samsamfire/gouavcan/pkg/can"
)

// A reassembled transfer
type RxTransfer struct {
	Timestamp    time.Time // Reception time of the first frame
	Payload      []byte    // Only valid during the reception callback
	DataTypeID   uint16
	Kind         TransferKind
	TransferID   uint8
	Priority     uint8
	SourceNodeID uint8
}

// ShouldAcceptFunc is called on the first frame of every transfer. It
// returns the data type signature, needed to check the crc of multi-frame
// transfers, and whether the transfer is of interest.
type ShouldAcceptFunc func(dataTypeID uint16, kind TransferKind, sourceNodeID uint8) (signature uint64, accept bool)

type OnReceptionFunc func(transfer *RxTransfer)

type rxState struct {
	timestamp     time.Time
	transferID    uint8
	nextToggle    bool
	payload       []byte
	payloadCrc    uint16
	calculatedCrc crc.CRC16
}

func (s *rxState) prepareForNextTransfer() {
	s.transferID = (s.transferID + 1) & TransferIDMax
	s.payload = s.payload[:0]
	s.nextToggle = false
}

// Instance reassembles received frames into transfers.
// Callbacks run with the instance lock held, they must not call back into
// HandleRxFrame or CleanupStaleTransfers.
type Instance struct {
	mu           sync.Mutex
	localNodeID  atomic.Uint32
	shouldAccept ShouldAcceptFunc
	onReception  OnReceptionFunc
	states       map[uint32]*rxState
	maxPayload   int
	timeout      time.Duration
}

func NewInstance(shouldAccept ShouldAcceptFunc, onReception OnReceptionFunc) *Instance {
	return &Instance{
		shouldAccept: shouldAccept,
		onReception:  onReception,
		states:       make(map[uint32]*rxState),
		maxPayload:   DefaultMaxTransferPayload,
		timeout:      TransferTimeout,
	}
}

// Bound the payload of reassembled transfers
func (ins *Instance) SetMaxTransferPayload(size int) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	ins.maxPayload = size
}

// Incomplete transfers older than timeout are restarted or dropped
func (ins *Instance) SetTransferTimeout(timeout time.Duration) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	ins.timeout = timeout
}

// LocalNodeID returns the node id, BroadcastNodeID while anonymous
func (ins *Instance) LocalNodeID() uint8 {
	return uint8(ins.localNodeID.Load())
}

// SetLocalNodeID assigns the node id. It can only be done once.
func (ins *Instance) SetLocalNodeID(id uint8) error {
	if id < 1 || id > NodeIDMax {
		return ErrInvalidNodeID
	}
	if !ins.localNodeID.CompareAndSwap(BroadcastNodeID, uint32(id)) {
		return ErrNodeIDAlreadySet
	}
	return nil
}

func transferDescriptor(dataTypeID uint16, kind TransferKind, source uint8, destination uint8) uint32 {
	return uint32(dataTypeID) | uint32(kind)<<16 | uint32(source)<<18 | uint32(destination)<<25
}

// Distance from a to b, modulo the transfer id range
func transferIDForwardDistance(a uint8, b uint8) uint8 {
	return (b - a) & TransferIDMax
}

// HandleRxFrame feeds one received frame. It returns nil when the frame was
// consumed, the reception callback being called if it completed a transfer.
func (ins *Instance) HandleRxFrame(frame can.Frame, timestamp time.Time) error {
	if !frame.IsExtended() || frame.IsRTR() || frame.IsError() || frame.DLC < 1 || frame.DLC > FramePayloadMax {
		return ErrRxIncompatibleFrame
	}
	id := DecodeFrameID(frame.ArbitrationID())
	localNodeID := ins.LocalNodeID()
	destination := uint8(BroadcastNodeID)
	if id.Kind != TransferKindBroadcast {
		destination = id.DestinationNodeID
		if destination != localNodeID {
			return ErrRxWrongAddress
		}
	}
	data := frame.Data[:frame.DLC]
	tail := DecodeTailByte(data[len(data)-1])
	payload := data[:len(data)-1]
	descriptor := transferDescriptor(id.DataTypeID, id.Kind, id.SourceNodeID, destination)

	ins.mu.Lock()
	defer ins.mu.Unlock()

	var signature uint64
	state, ok := ins.states[descriptor]
	if tail.StartOfTransfer {
		var accept bool
		signature, accept = ins.shouldAccept(id.DataTypeID, id.Kind, id.SourceNodeID)
		if !accept {
			return ErrRxNotWanted
		}
		if !ok {
			state = &rxState{}
			ins.states[descriptor] = state
		}
	} else if !ok {
		return ErrRxMissedStart
	}

	notInitialized := state.timestamp.IsZero()
	timedOut := timestamp.Sub(state.timestamp) > ins.timeout
	notPreviousTid := transferIDForwardDistance(state.transferID, tail.TransferID) > 1
	if notInitialized || timedOut || (tail.StartOfTransfer && notPreviousTid) {
		state.transferID = tail.TransferID
		state.nextToggle = false
		state.payload = state.payload[:0]
		if !tail.StartOfTransfer {
			state.transferID = (state.transferID + 1) & TransferIDMax
			return ErrRxMissedStart
		}
	}

	if tail.StartOfTransfer && tail.EndOfTransfer {
		state.timestamp = timestamp
		ins.onReception(&RxTransfer{
			Timestamp:    timestamp,
			Payload:      payload,
			DataTypeID:   id.DataTypeID,
			Kind:         id.Kind,
			TransferID:   tail.TransferID,
			Priority:     id.Priority,
			SourceNodeID: id.SourceNodeID,
		})
		state.prepareForNextTransfer()
		return nil
	}

	if tail.Toggle != state.nextToggle {
		return ErrRxWrongToggle
	}
	if tail.TransferID != state.transferID {
		return ErrRxUnexpectedTid
	}

	switch {
	case tail.StartOfTransfer:
		// crc (2 bytes) + at least one byte of payload + tail byte
		if frame.DLC <= 3 {
			return ErrRxShortFrame
		}
		state.timestamp = timestamp
		state.payload = append(state.payload[:0], payload[2:]...)
		state.payloadCrc = uint16(payload[0]) | uint16(payload[1])<<8
		state.calculatedCrc = crc.NewTransferCRC(signature)
		state.calculatedCrc.Block(payload[2:])

	case !tail.EndOfTransfer:
		if len(state.payload)+len(payload) > ins.maxPayload {
			state.prepareForNextTransfer()
			return ErrRxOutOfMemory
		}
		state.payload = append(state.payload, payload...)
		state.calculatedCrc.Block(payload)

	default:
		if len(state.payload)+len(payload) > ins.maxPayload {
			state.prepareForNextTransfer()
			return ErrRxOutOfMemory
		}
		state.payload = append(state.payload, payload...)
		state.calculatedCrc.Block(payload)
		if uint16(state.calculatedCrc) != state.payloadCrc {
			state.prepareForNextTransfer()
			return ErrRxBadCrc
		}
		ins.onReception(&RxTransfer{
			Timestamp:    state.timestamp,
			Payload:      state.payload,
			DataTypeID:   id.DataTypeID,
			Kind:         id.Kind,
			TransferID:   tail.TransferID,
			Priority:     id.Priority,
			SourceNodeID: id.SourceNodeID,
		})
		state.prepareForNextTransfer()
		return nil
	}

	state.nextToggle = !state.nextToggle
	return nil
}

// CleanupStaleTransfers drops the reassembly state of transfers which saw
// no frame for longer than the transfer timeout
func (ins *Instance) CleanupStaleTransfers(now time.Time) int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	removed := 0
	for descriptor, state := range ins.states {
		if now.Sub(state.timestamp) > ins.timeout {
			delete(ins.states, descriptor)
			removed++
		}
	}
	return removed
}

// Number of transfers being tracked
func (ins *Instance) PendingStates() int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return len(ins.states)
}
