package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samsamfire/gouavcan/pkg/config"
	log "github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

// Serves the prometheus endpoint when [metrics] listen is set
func registerMetrics(lc fx.Lifecycle, cfg *config.Config) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			log.Infof("[METRICS] serving on %v", listener.Addr())
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("[METRICS] server stopped : %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
