package http

import (
	"context"
	"errors"
	"fmt"

	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/gateway"
)

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	103: "Time-out (where applicable)",
	105: "No default node set",
	107: "Unsupported node",
	600: "Running out of memory",
	601: "CAN interface currently not available",
	900: "Manufacturer-specific error",
}

var (
	ErrGwRequestNotSupported       = &GatewayError{Code: 100}
	ErrGwSyntaxError               = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed       = &GatewayError{Code: 102}
	ErrGwTimeout                   = &GatewayError{Code: 103}
	ErrGwNoDefaultNodeSet          = &GatewayError{Code: 105}
	ErrGwUnsupportedNode           = &GatewayError{Code: 107}
	ErrGwRunningOutOfMemory        = &GatewayError{Code: 600}
	ErrGwCANInterfaceNotAvailable  = &GatewayError{Code: 601}
	ErrGwManufacturerSpecificError = &GatewayError{Code: 900}
)

type GatewayError struct {
	Code int
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ERROR:%d", e.Code)
}

func (e *GatewayError) Description() string {
	return ERROR_GATEWAY_DESCRIPTION_MAP[e.Code]
}

// Map an error of the node services to the closest gateway error
func toGatewayError(err error) error {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, context.DeadlineExceeded):
		return ErrGwTimeout
	case errors.Is(err, gateway.ErrUnknownNode),
		errors.Is(err, uavcan.ErrIllegalArgument),
		errors.Is(err, canard.ErrInvalidNodeID):
		return ErrGwUnsupportedNode
	case errors.Is(err, uavcan.ErrTxOverflow):
		return ErrGwRunningOutOfMemory
	}
	return ErrGwRequestNotProcessed
}
