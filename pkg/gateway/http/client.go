package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/samsamfire/gouavcan/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	http.Client
	logger            *log.Entry
	baseURL           string
	apiVersion        string
	currentSequenceNb int
}

func NewGatewayClient(baseURL string, apiVersion string, logger *log.Entry) *GatewayClient {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &GatewayClient{
		logger:     logger.WithField("service", "[HTTP][CLIENT]"),
		Client:     http.Client{},
		baseURL:    baseURL,
		apiVersion: apiVersion,
	}
}

// HTTP request to the gateway, node is an id or one of "all", "default", "none".
// Does error checking : http related errors, json decode errors
// or actual gateway errors
func (client *GatewayClient) Do(method string, node string, command string, body io.Reader, response GatewayResponse) error {
	client.currentSequenceNb += 1
	uri := client.baseURL + fmt.Sprintf("/uavcan/%s/%d/%s/%s", client.apiVersion, client.currentSequenceNb, node, command)
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		client.logger.Errorf("failed to create request : %v", err)
		return err
	}
	httpResp, err := client.Client.Do(req)
	if err != nil {
		client.logger.Errorf("failed request : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	err = json.NewDecoder(httpResp.Body).Decode(response)
	if err != nil {
		client.logger.Errorf("failed to decode response : %v", err)
		return err
	}
	err = response.GetError()
	if err != nil {
		return err
	}
	sequence := response.GetSequenceNb()
	if client.currentSequenceNb != sequence {
		client.logger.Errorf("wrong sequence number %v, expected %v", sequence, client.currentSequenceNb)
		return fmt.Errorf("error in sequence number")
	}
	return nil
}

func (client *GatewayClient) set(node string, command string, value string) error {
	encodedReq, err := json.Marshal(SetValueRequest{Value: value})
	if err != nil {
		return err
	}
	return client.Do(http.MethodPut, node, command, bytes.NewBuffer(encodedReq), new(GatewayResponseBase))
}

// Status of every node seen on the bus
func (client *GatewayClient) Nodes() ([]NodeStatus, error) {
	resp := new(StatusResponse)
	err := client.Do(http.MethodGet, "all", "status", nil, resp)
	return resp.Nodes, err
}

func (client *GatewayClient) Status(nodeId uint8) (*NodeStatus, error) {
	resp := new(StatusResponse)
	err := client.Do(http.MethodGet, strconv.Itoa(int(nodeId)), "status", nil, resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Nodes) != 1 {
		return nil, fmt.Errorf("expected one node status, got %v", len(resp.Nodes))
	}
	return &resp.Nodes[0], nil
}

// GetNodeInfo of a remote node
func (client *GatewayClient) NodeInfo(nodeId uint8) (*NodeInfoResponse, error) {
	resp := new(NodeInfoResponse)
	err := client.Do(http.MethodGet, strconv.Itoa(int(nodeId)), "info", nil, resp)
	return resp, err
}

func (client *GatewayClient) SetDefaultNode(nodeId uint8) error {
	return client.set("none", "set/node", strconv.Itoa(int(nodeId)))
}

// Update the gateway service response timeout
func (client *GatewayClient) SetTimeout(timeoutMs uint16) error {
	return client.set("none", "set/timeout", "0x"+strconv.FormatInt(int64(timeoutMs), 16))
}

// Mode of the local node, e.g. "operational" or "maintenance"
func (client *GatewayClient) SetMode(mode string) error {
	return client.set("none", "set/mode", mode)
}

func (client *GatewayClient) SetHealth(health string) error {
	return client.set("none", "set/health", health)
}

// Read gateway version
func (client *GatewayClient) GetVersion() (*gateway.GatewayVersion, error) {
	versionInfo := new(VersionInfo)
	err := client.Do(http.MethodGet, "none", "info/version", nil, versionInfo)
	return versionInfo.GatewayVersion, err
}
