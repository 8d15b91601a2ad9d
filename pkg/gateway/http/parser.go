package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
)

const TOKEN_NONE = -3
const TOKEN_DEFAULT = -2
const TOKEN_ALL = -1

var modes = map[string]dsdl.Mode{
	"operational":     dsdl.ModeOperational,
	"initialization":  dsdl.ModeInitialization,
	"maintenance":     dsdl.ModeMaintenance,
	"software_update": dsdl.ModeSoftwareUpdate,
	"offline":         dsdl.ModeOffline,
}

var healths = map[string]dsdl.Health{
	"ok":       dsdl.HealthOk,
	"warning":  dsdl.HealthWarning,
	"error":    dsdl.HealthError,
	"critical": dsdl.HealthCritical,
}

// Parse raw node string param
func parseNodeParam(param string) (int, error) {
	switch param {
	case "default":
		return TOKEN_DEFAULT, nil
	case "none":
		return TOKEN_NONE, nil
	case "all":
		return TOKEN_ALL, nil
	}
	// This automatically treats 0x,0X,... correctly
	paramUint, err := strconv.ParseUint(param, 0, 64)
	if err != nil {
		return 0, err
	}
	if paramUint == 0 || paramUint > canard.NodeIDMax {
		return 0, canard.ErrInvalidNodeID
	}
	return int(paramUint), nil
}

// Parse the {"value": "..."} body of set commands
func parseValue(parameters json.RawMessage) (string, error) {
	var request SetValueRequest
	if err := json.Unmarshal(parameters, &request); err != nil {
		return "", ErrGwSyntaxError
	}
	return strings.ToLower(strings.TrimSpace(request.Value)), nil
}

// Create a new sanitized api request object from raw http request
// This function also checks that values are within bounds etc.
func (g *GatewayServer) newRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 5 {
		g.logger.Error("request does not match a known API pattern")
		return nil, ErrGwSyntaxError
	}
	apiVersion := match[1]
	if apiVersion != API_VERSION {
		g.logger.Errorf("api version %v is not supported", apiVersion)
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MAX_SEQUENCE_NB {
		g.logger.Errorf("error processing sequence number %v", match[2])
		return nil, ErrGwSyntaxError
	}
	nodeInt, err := parseNodeParam(match[3])
	if err != nil {
		g.logger.Errorf("error processing node param %v", match[3])
		return nil, ErrGwUnsupportedNode
	}

	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		g.logger.Warnf("failed to unmarshal request body : %v", err)
		return nil, ErrGwSyntaxError
	}
	return &GatewayRequest{
		nodeId:     nodeInt,
		command:    match[4], // Contains rest of URL after node
		sequence:   uint32(sequence),
		parameters: parameters,
	}, nil
}
