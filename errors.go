package uavcan

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTxOverflow      = errors.New("transmit queue full, frame pool exhausted")
	ErrRxMsgLength     = errors.New("wrong receive record length")
	ErrNodeIdUnset     = errors.New("local node id is not set")
	ErrPayloadTooLarge = errors.New("payload too large for data type")
)
