package http

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/gouavcan/pkg/nodestatus"
)

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
type doneWriter struct {
	http.ResponseWriter
	done bool
}

// Handle a [GatewayRequest]
type GatewayRequestHandler func(w *doneWriter, req *GatewayRequest) error

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

func (w *doneWriter) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	_, _ = w.Write(raw)
	return nil
}

// Default handler of any HTTP gateway request
// This parses a typical request and forwards it to the correct handler
func (g *GatewayServer) handleRequest(w http.ResponseWriter, raw *http.Request) {
	g.logger.Debugf("handle incoming request %v", raw.URL)
	w.Header().Set("Content-Type", "application/json")
	req, err := g.newRequestFromRaw(raw)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}
	req.ctx = raw.Context()
	// An api command (URI) is in the form /command/sub-command/... etc...
	// The full command is looked up first, then the command truncated
	// up to the first "/".
	route, ok := g.routes[req.command]
	if !ok {
		firstCommand, _, _ := strings.Cut(req.command, "/")
		route, ok = g.routes[firstCommand]
		if !ok {
			g.logger.Debugf("no handler found for %v (%v)", req.command, firstCommand)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}
	dw := &doneWriter{ResponseWriter: w}
	err = route(dw, req)
	if err != nil {
		g.logger.Debugf("command %v failed : %v", req.command, err)
		dw.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !dw.done {
		// No response specific command has been given, reply with default success
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

// Can be used for specifying some routes that are known
// but not implemented in this gateway
func handlerNotSupported(w *doneWriter, req *GatewayRequest) error {
	return ErrGwRequestNotSupported
}

// Resolve "default" and "none" to the default node
func (g *GatewayServer) resolveNode(req *GatewayRequest) (uint8, error) {
	switch req.nodeId {
	case TOKEN_ALL:
		return 0, ErrGwRequestNotSupported
	case TOKEN_DEFAULT, TOKEN_NONE:
		id := g.DefaultNodeID()
		if id == 0 {
			return 0, ErrGwNoDefaultNodeSet
		}
		return id, nil
	}
	return uint8(req.nodeId), nil
}

func newNodeStatus(info nodestatus.NodeInfo) NodeStatus {
	return NodeStatus{
		NodeID:       info.NodeID,
		State:        info.State.String(),
		Health:       info.Status.Health.String(),
		Mode:         info.Status.Mode.String(),
		Uptime:       info.Status.UptimeSec,
		VendorStatus: info.Status.VendorSpecificStatusCode,
		LastSeen:     info.LastSeen,
	}
}

// Status of one node as seen by the monitor, or of every node with "all"
func (g *GatewayServer) handleStatus(w *doneWriter, req *GatewayRequest) error {
	resp := StatusResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Nodes:               []NodeStatus{},
	}
	if req.nodeId == TOKEN_ALL || req.command == "nodes" {
		for _, info := range g.Nodes() {
			resp.Nodes = append(resp.Nodes, newNodeStatus(info))
		}
		return w.writeJSON(resp)
	}
	nodeId, err := g.resolveNode(req)
	if err != nil {
		return err
	}
	info, err := g.Node(nodeId)
	if err != nil {
		return err
	}
	resp.Nodes = append(resp.Nodes, newNodeStatus(info))
	return w.writeJSON(resp)
}

// Query a remote node with GetNodeInfo
func (g *GatewayServer) handleNodeInfo(w *doneWriter, req *GatewayRequest) error {
	nodeId, err := g.resolveNode(req)
	if err != nil {
		return err
	}
	info, err := g.GetNodeInfo(req.ctx, nodeId)
	if err != nil {
		return err
	}
	sw := info.SoftwareVersion
	hw := info.HardwareVersion
	return w.writeJSON(NodeInfoResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Name:                info.Name,
		Health:              info.Status.Health.String(),
		Mode:                info.Status.Mode.String(),
		Uptime:              info.Status.UptimeSec,
		SoftwareVersion:     fmt.Sprintf("%d.%d", sw.Major, sw.Minor),
		VcsCommit:           fmt.Sprintf("0x%08x", sw.VcsCommit),
		HardwareVersion:     fmt.Sprintf("%d.%d", hw.Major, hw.Minor),
		UniqueID:            hex.EncodeToString(hw.UniqueID[:]),
	})
}

func (g *GatewayServer) handleGetVersion(w *doneWriter, req *GatewayRequest) error {
	version := g.GetVersion(g.name, g.software)
	return w.writeJSON(VersionInfo{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		GatewayVersion:      &version,
	})
}

func (g *GatewayServer) handleSetDefaultNode(w *doneWriter, req *GatewayRequest) error {
	value, err := parseValue(req.parameters)
	if err != nil {
		return err
	}
	nodeId, err := strconv.ParseUint(value, 0, 64)
	if err != nil || nodeId > 0xFF {
		return ErrGwSyntaxError
	}
	return g.SetDefaultNodeID(uint8(nodeId))
}

// Update the service response timeout, value in milliseconds
func (g *GatewayServer) handleSetTimeout(w *doneWriter, req *GatewayRequest) error {
	value, err := parseValue(req.parameters)
	if err != nil {
		return err
	}
	timeoutMs, err := strconv.ParseUint(value, 0, 64)
	if err != nil || timeoutMs == 0 || timeoutMs > 0xFFFF {
		return ErrGwSyntaxError
	}
	g.SetRequestTimeout(time.Duration(timeoutMs) * time.Millisecond)
	return nil
}

// Mode and health are those of the local node
func (g *GatewayServer) handleSetMode(w *doneWriter, req *GatewayRequest) error {
	value, err := parseValue(req.parameters)
	if err != nil {
		return err
	}
	mode, ok := modes[value]
	if !ok {
		return ErrGwSyntaxError
	}
	return g.SetMode(mode)
}

func (g *GatewayServer) handleSetHealth(w *doneWriter, req *GatewayRequest) error {
	value, err := parseValue(req.parameters)
	if err != nil {
		return err
	}
	health, ok := healths[value]
	if !ok {
		return ErrGwSyntaxError
	}
	return g.SetHealth(health)
}
