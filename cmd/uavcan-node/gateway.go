package main

import (
	"context"
	"net"

	"github.com/samsamfire/gouavcan/pkg/config"
	"github.com/samsamfire/gouavcan/pkg/gateway"
	gwhttp "github.com/samsamfire/gouavcan/pkg/gateway/http"
	"github.com/samsamfire/gouavcan/pkg/node"
	log "github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

// Serves the http gateway when [http] listen is set. Appended after the
// node hook, so it stops before the node.
func registerHTTP(lc fx.Lifecycle, cfg *config.Config, n *node.Node) {
	if cfg.Http.Listen == "" {
		return
	}
	publisher := n.Publisher()
	if cfg.Node.ID == 0 {
		publisher = nil
	}
	base := gateway.NewBaseGateway(n.Transport(), n.Monitor(), publisher, cfg.Http.DefaultNode)
	base.SetRequestTimeout(cfg.Http.RequestTimeout)
	server := gwhttp.NewGatewayServer(base, cfg.Node.Name, n.NodeInfo().SoftwareVersion)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", cfg.Http.Listen)
			if err != nil {
				return err
			}
			go func() {
				if err := server.Serve(listener); err != nil {
					log.Errorf("[HTTP] server stopped : %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
