package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/samsamfire/gouavcan/pkg/config"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/node"
	"github.com/samsamfire/gouavcan/pkg/nodestatus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/fx"

	_ "github.com/samsamfire/gouavcan/pkg/can/socketcan"
	_ "github.com/samsamfire/gouavcan/pkg/can/virtual"
)

const (
	softwareMajor = 0
	softwareMinor = 1
)

func main() {
	configPath := flag.String("c", "", "ini configuration file")
	canInterface := flag.String("t", "", "can interface type e.g. socketcan, socketcanv2, virtual, overrides configuration")
	channel := flag.String("i", "", "can channel e.g. can0, vcan0, overrides configuration")
	nodeID := flag.Int("n", -1, "node id, 0 for anonymous, overrides configuration")
	verbose := flag.Bool("v", false, "debug logs")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *canInterface != "" {
		cfg.Can.Interface = *canInterface
	}
	if *channel != "" {
		cfg.Can.Channel = *channel
	}
	if *nodeID >= 0 {
		if *nodeID > 127 {
			log.Fatalf("invalid node id %v", *nodeID)
		}
		cfg.Node.ID = uint8(*nodeID)
	}

	options := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(newNode),
		fx.Invoke(registerNode, registerMetrics, registerHTTP),
	}
	if !*verbose {
		options = append(options, fx.NopLogger)
	}
	app := fx.New(options...)
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	app.Run()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newNode(cfg *config.Config) (*node.Node, error) {
	info := dsdl.GetNodeInfoResponse{
		SoftwareVersion: dsdl.SoftwareVersion{Major: softwareMajor, Minor: softwareMinor},
	}
	if cfg.Node.SoftwareMajor != 0 || cfg.Node.SoftwareMinor != 0 {
		info.SoftwareVersion.Major = cfg.Node.SoftwareMajor
		info.SoftwareVersion.Minor = cfg.Node.SoftwareMinor
	}
	n, err := node.New(cfg, nil, node.WithNodeInfo(info))
	if err != nil {
		return nil, err
	}
	n.Monitor().OnEvent(func(event nodestatus.Event, nodeID uint8, status dsdl.NodeStatus) {
		log.Infof("[MONITOR] node %v %v, health %v mode %v uptime %vs", nodeID, event, status.Health, status.Mode, status.UptimeSec)
	})
	return n, nil
}

func registerNode(lc fx.Lifecycle, n *node.Node) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Start context is only valid during startup
			if err := n.Start(context.Background()); err != nil {
				return err
			}
			n.Publisher().SetMode(dsdl.ModeOperational)
			return nil
		},
		OnStop: func(context.Context) error {
			n.Stop()
			return n.Wait()
		},
	})
}
