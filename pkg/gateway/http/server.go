// Package http is a JSON over HTTP gateway to a local UAVCAN node.
//
// Requests follow the layout /uavcan/<api>/<sequence>/<node>/<command>
// where node is an id, "default", "none" or "all". Every response carries
// the request sequence number and either "OK" or "ERROR:<code>".
package http

import (
	"context"
	"net"
	"net/http"
	"regexp"

	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const MAX_SEQUENCE_NB = 2<<31 - 1
const URI_PATTERN = `/uavcan/(\d+\.\d+)/(\d{1,10})/(0x[0-9a-f]{1,2}|\d{1,3}|default|none|all)/(.*)`

var regURI = regexp.MustCompile(URI_PATTERN)

type GatewayServer struct {
	*gateway.BaseGateway
	logger   *log.Entry
	name     string
	software dsdl.SoftwareVersion
	serveMux *http.ServeMux
	routes   map[string]GatewayRequestHandler
	server   *http.Server
}

// Create a new gateway, name and software are reported by info/version
func NewGatewayServer(base *gateway.BaseGateway, name string, software dsdl.SoftwareVersion) *GatewayServer {
	gw := &GatewayServer{
		BaseGateway: base,
		logger:      log.WithField("service", "[HTTP][SERVER]"),
		name:        name,
		software:    software,
	}
	gw.serveMux = http.NewServeMux()
	gw.serveMux.HandleFunc("/", gw.handleRequest) // This base route handles all the requests
	gw.server = &http.Server{Handler: gw.serveMux}
	gw.routes = make(map[string]GatewayRequestHandler)

	gw.addRoute("status", gw.handleStatus)
	gw.addRoute("nodes", gw.handleStatus)
	gw.addRoute("info", gw.handleNodeInfo)
	gw.addRoute("info/version", gw.handleGetVersion)

	gw.addRoute("set/node", gw.handleSetDefaultNode)
	gw.addRoute("set/timeout", gw.handleSetTimeout)
	gw.addRoute("set/mode", gw.handleSetMode)
	gw.addRoute("set/health", gw.handleSetHealth)

	gw.addRoute("restart", handlerNotSupported)
	gw.addRoute("update", handlerNotSupported)
	return gw
}

func (g *GatewayServer) Handler() http.Handler {
	return g.serveMux
}

// Process server, blocking until [GatewayServer.Shutdown]
func (g *GatewayServer) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(listener)
}

func (g *GatewayServer) Serve(listener net.Listener) error {
	g.logger.Infof("serving on %v", listener.Addr())
	err := g.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *GatewayServer) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.routes[command] = handler
}
