package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/gouavcan/pkg/gateway"
)

type GatewayResponse interface {
	GetError() error
	GetSequenceNb() int
}

// HTTP response base
type GatewayResponseBase struct {
	// Sequence number corresponding to a request
	Sequence string `json:"sequence"`
	// Response, can be "OK" or "ERROR:x"
	Response string `json:"response"`
}

func NewResponseBase(sequence int, response string) *GatewayResponseBase {
	return &GatewayResponseBase{
		Sequence: strconv.Itoa(sequence),
		Response: response,
	}
}

func NewResponseError(sequence int, err error) []byte {
	gwErr, ok := toGatewayError(err).(*GatewayError)
	if !ok {
		gwErr = ErrGwRequestNotProcessed
	}
	jData, _ := json.Marshal(NewResponseBase(sequence, gwErr.Error()))
	return jData
}

func NewResponseSuccess(sequence int) []byte {
	jData, _ := json.Marshal(NewResponseBase(sequence, "OK"))
	return jData
}

// Extract error if any inside of response
func (resp *GatewayResponseBase) GetError() error {
	if !strings.HasPrefix(resp.Response, "ERROR:") {
		return nil
	}
	responseSplitted := strings.Split(resp.Response, ":")
	if len(responseSplitted) != 2 {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", resp.Response)
	}
	errorCode, err := strconv.ParseUint(responseSplitted[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error decoding error field ('ERROR:' : %v)", err)
	}
	return NewGatewayError(int(errorCode))
}

func (resp *GatewayResponseBase) GetSequenceNb() int {
	sequence, _ := strconv.Atoi(resp.Sequence)
	return sequence
}

// HTTP request to the server
type GatewayRequest struct {
	ctx        context.Context
	nodeId     int    // node id concerned, negative values are used for "all", "default" & "none"
	command    string // command can be composed of different parts
	sequence   uint32
	parameters json.RawMessage
}

type SetValueRequest struct {
	Value string `json:"value"`
}

type NodeStatus struct {
	NodeID       uint8     `json:"node_id"`
	State        string    `json:"state"`
	Health       string    `json:"health"`
	Mode         string    `json:"mode"`
	Uptime       uint32    `json:"uptime"`
	VendorStatus uint16    `json:"vendor_status"`
	LastSeen     time.Time `json:"last_seen"`
}

type StatusResponse struct {
	*GatewayResponseBase
	Nodes []NodeStatus `json:"nodes"`
}

type NodeInfoResponse struct {
	*GatewayResponseBase
	Name            string `json:"name"`
	Health          string `json:"health"`
	Mode            string `json:"mode"`
	Uptime          uint32 `json:"uptime"`
	SoftwareVersion string `json:"software_version"`
	VcsCommit       string `json:"vcs_commit"`
	HardwareVersion string `json:"hardware_version"`
	UniqueID        string `json:"unique_id"`
}

type VersionInfo struct {
	*GatewayResponseBase
	*gateway.GatewayVersion
}
