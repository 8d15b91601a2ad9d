// Package canard implements the UAVCAN v0 (DroneCAN) primitives shared by
// the transport : the scalar bit codec used by message serializers, typed
// views of the tail byte and of the CAN identifier, and the reassembly of
// received frames into transfers.
package canard

import "time"

const (
	NodeIDMax       = 127
	BroadcastNodeID = 0
	TransferIDBits  = 5
	TransferIDMax   = (1 << TransferIDBits) - 1
	PriorityMax     = 31
	// Data bytes of a CAN frame, tail byte included
	FramePayloadMax = 8
	// Transfers left incomplete for longer are dropped
	TransferTimeout = 2 * time.Second
	// Default upper bound of a reassembled payload
	DefaultMaxTransferPayload = 1024
)

type TransferKind uint8

const (
	TransferKindResponse  TransferKind = 0
	TransferKindRequest   TransferKind = 1
	TransferKindBroadcast TransferKind = 2
)

func (k TransferKind) String() string {
	switch k {
	case TransferKindResponse:
		return "response"
	case TransferKindRequest:
		return "request"
	case TransferKindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Priority mnemonics, a lower value wins arbitration
const (
	PriorityHighest uint8 = 0
	PriorityHigh    uint8 = 8
	PriorityMedium  uint8 = 16
	PriorityLow     uint8 = 24
	PriorityLowest  uint8 = 31
)
