package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/nodestatus"
	"github.com/samsamfire/gouavcan/pkg/transport"
	log "github.com/sirupsen/logrus"
)

const DefaultRequestTimeout = 1 * time.Second

var ErrUnknownNode = errors.New("node never seen on the bus")

// BaseGateway exposes the services of a local node to an outer protocol.
// Each gateway (HTTP, ...) maps its own parsing logic to this base gateway.
type BaseGateway struct {
	tr            *transport.Transport
	monitor       *nodestatus.Monitor
	publisher     *nodestatus.Publisher
	logger        *log.Entry
	mu            sync.Mutex
	defaultNodeID uint8
	timeout       time.Duration
}

// publisher may be nil for an anonymous node
func NewBaseGateway(tr *transport.Transport, monitor *nodestatus.Monitor, publisher *nodestatus.Publisher, defaultNodeID uint8) *BaseGateway {
	return &BaseGateway{
		tr:            tr,
		monitor:       monitor,
		publisher:     publisher,
		logger:        log.WithField("service", "[GATEWAY]"),
		defaultNodeID: defaultNodeID,
		timeout:       DefaultRequestTimeout,
	}
}

type GatewayVersion struct {
	Name            string `json:"name"`
	NodeID          uint8  `json:"node_id"`
	SoftwareVersion string `json:"software_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// Set default node id to use
func (gw *BaseGateway) SetDefaultNodeID(id uint8) error {
	if id == 0 || id > canard.NodeIDMax {
		return canard.ErrInvalidNodeID
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.defaultNodeID = id
	return nil
}

func (gw *BaseGateway) DefaultNodeID() uint8 {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.defaultNodeID
}

// Set the time to wait for a service response
func (gw *BaseGateway) SetRequestTimeout(timeout time.Duration) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.timeout = timeout
}

func (gw *BaseGateway) RequestTimeout() time.Duration {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.timeout
}

func (gw *BaseGateway) Nodes() []nodestatus.NodeInfo {
	return gw.monitor.Nodes()
}

func (gw *BaseGateway) Node(nodeID uint8) (nodestatus.NodeInfo, error) {
	info, ok := gw.monitor.Node(nodeID)
	if !ok {
		return info, ErrUnknownNode
	}
	return info, nil
}

// GetNodeInfo sends a GetNodeInfo request and waits for the matching
// response, at most the request timeout.
func (gw *BaseGateway) GetNodeInfo(ctx context.Context, nodeID uint8) (*dsdl.GetNodeInfoResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, gw.RequestTimeout())
	defer cancel()

	var tid uint8
	var response *dsdl.GetNodeInfoResponse
	var decodeErr error
	// Registered before sending, the response is buffered until handled
	listener := gw.tr.Topic(dsdl.GetNodeInfoDescriptor, canard.TransferKindResponse).Subscribe(func(record []byte) {
		transfer, err := transport.DecodeTransfer(record)
		if err != nil || transfer.SourceNodeID != nodeID || transfer.TransferID != tid {
			return
		}
		response = &dsdl.GetNodeInfoResponse{}
		decodeErr = dsdl.Unmarshal(transfer.Payload, response)
	})
	defer listener.Unregister()

	tid, err := gw.tr.Request(dsdl.GetNodeInfoDescriptor, canard.PriorityMedium, nodeID, &dsdl.GetNodeInfoRequest{})
	if err != nil {
		return nil, err
	}
	for response == nil {
		if !listener.HandleOne(ctx) {
			gw.logger.Warnf("no GetNodeInfo response from node %v", nodeID)
			return nil, ctx.Err()
		}
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return response, nil
}

// SetMode changes the operating mode advertised by the local node
func (gw *BaseGateway) SetMode(mode dsdl.Mode) error {
	if gw.publisher == nil {
		return uavcan.ErrNodeIdUnset
	}
	gw.publisher.SetMode(mode)
	return nil
}

func (gw *BaseGateway) SetHealth(health dsdl.Health) error {
	if gw.publisher == nil {
		return uavcan.ErrNodeIdUnset
	}
	gw.publisher.SetHealth(health)
	return nil
}

// Get gateway version information
func (gw *BaseGateway) GetVersion(name string, software dsdl.SoftwareVersion) GatewayVersion {
	return GatewayVersion{
		Name:            name,
		NodeID:          gw.tr.LocalNodeID(),
		SoftwareVersion: fmt.Sprintf("%d.%d", software.Major, software.Minor),
		ProtocolVersion: "0.1",
	}
}
