package canard

// Tail byte bit layout : [SOT:1][EOT:1][TOGGLE:1][TRANSFER_ID:5]
const (
	tailStartOfTransfer = 0x80
	tailEndOfTransfer   = 0x40
	tailToggle          = 0x20
)

// TailByte is the last data byte of every frame
type TailByte struct {
	StartOfTransfer bool
	EndOfTransfer   bool
	Toggle          bool
	TransferID      uint8
}

func (t TailByte) Encode() byte {
	b := t.TransferID & TransferIDMax
	if t.StartOfTransfer {
		b |= tailStartOfTransfer
	}
	if t.EndOfTransfer {
		b |= tailEndOfTransfer
	}
	if t.Toggle {
		b |= tailToggle
	}
	return b
}

func DecodeTailByte(b byte) TailByte {
	return TailByte{
		StartOfTransfer: b&tailStartOfTransfer != 0,
		EndOfTransfer:   b&tailEndOfTransfer != 0,
		Toggle:          b&tailToggle != 0,
		TransferID:      b & TransferIDMax,
	}
}

// CAN identifier bit layout (29 bits)
//
//	broadcast : [prio:5][data type id:16][0:1][source:7]
//	anonymous : [prio:5][discriminator:14][data type id:2][0:1][0:7]
//	service   : [prio:5][service type id:8][request:1][destination:7][1:1][source:7]
const (
	idServiceNotMessage = 1 << 7
	idRequestNotResp    = 1 << 15
	discriminatorMask   = 0x7FFE
)

// AnonymousDataTypeIDMax is the widest data type id an anonymous frame can carry
const AnonymousDataTypeIDMax = 0x3

// FrameID is the decoded form of a UAVCAN CAN identifier
type FrameID struct {
	Priority          uint8
	Kind              TransferKind
	DataTypeID        uint16
	SourceNodeID      uint8
	DestinationNodeID uint8  // Services only
	Discriminator     uint16 // Anonymous broadcasts only
}

func (id FrameID) IsAnonymous() bool {
	return id.Kind == TransferKindBroadcast && id.SourceNodeID == BroadcastNodeID
}

// Encode returns the 29 bit identifier, without the CAN flag bits
func (id FrameID) Encode() uint32 {
	value := uint32(id.Priority&PriorityMax) << 24
	switch {
	case id.Kind != TransferKindBroadcast:
		value |= uint32(id.DataTypeID&0xFF) << 16
		if id.Kind == TransferKindRequest {
			value |= idRequestNotResp
		}
		value |= uint32(id.DestinationNodeID&NodeIDMax) << 8
		value |= idServiceNotMessage
		value |= uint32(id.SourceNodeID & NodeIDMax)
	case id.SourceNodeID == BroadcastNodeID:
		value |= uint32(id.Discriminator&discriminatorMask) << 9
		value |= uint32(id.DataTypeID&AnonymousDataTypeIDMax) << 8
	default:
		value |= uint32(id.DataTypeID) << 8
		value |= uint32(id.SourceNodeID & NodeIDMax)
	}
	return value
}

func DecodeFrameID(value uint32) FrameID {
	id := FrameID{
		Priority:     uint8(value>>24) & PriorityMax,
		SourceNodeID: uint8(value & NodeIDMax),
	}
	switch {
	case value&idServiceNotMessage != 0:
		id.Kind = TransferKindResponse
		if value&idRequestNotResp != 0 {
			id.Kind = TransferKindRequest
		}
		id.DataTypeID = uint16(value>>16) & 0xFF
		id.DestinationNodeID = uint8(value>>8) & NodeIDMax
	case id.SourceNodeID == BroadcastNodeID:
		id.Kind = TransferKindBroadcast
		id.DataTypeID = uint16(value>>8) & AnonymousDataTypeIDMax
		id.Discriminator = uint16(value>>9) & discriminatorMask
	default:
		id.Kind = TransferKindBroadcast
		id.DataTypeID = uint16(value >> 8)
	}
	return id
}
