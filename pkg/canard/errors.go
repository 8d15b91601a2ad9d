package canard

import "errors"

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidNodeID       = errors.New("node id must be in 1..127")
	ErrNodeIDAlreadySet    = errors.New("local node id can only be set once")
	ErrRxIncompatibleFrame = errors.New("not a uavcan frame")
	ErrRxWrongAddress      = errors.New("service frame addressed to another node")
	ErrRxNotWanted         = errors.New("transfer not wanted")
	ErrRxMissedStart       = errors.New("missed start of transfer")
	ErrRxWrongToggle       = errors.New("wrong toggle bit")
	ErrRxUnexpectedTid     = errors.New("unexpected transfer id")
	ErrRxShortFrame        = errors.New("first frame of multi-frame transfer too short")
	ErrRxBadCrc            = errors.New("transfer crc mismatch")
	ErrRxOutOfMemory       = errors.New("transfer exceeds maximum payload size")
	ErrShortPayload        = errors.New("payload too short for data type")
)
