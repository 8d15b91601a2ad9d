// Package node assembles a complete UAVCAN node from its configuration :
// topic groups, worker threads, CAN driver, transmit queue, transport and
// the standard node services.
package node

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	paho "github.com/eclipse/paho.mqtt.golang"
	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/config"
	"github.com/samsamfire/gouavcan/pkg/critical"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/gateway/mqtt"
	"github.com/samsamfire/gouavcan/pkg/nodestatus"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
	"github.com/samsamfire/gouavcan/pkg/transport"
	"github.com/samsamfire/gouavcan/pkg/txqueue"
	"github.com/samsamfire/gouavcan/pkg/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Node owns every component of the process
type Node struct {
	config    *config.Config
	logger    *log.Entry
	clock     clock.Clock
	bus       can.Bus
	cs        *critical.Section
	groups    map[string]*pubsub.Group
	threads   *worker.Registry
	bm        *uavcan.BusManager
	transport *transport.Transport
	publisher *nodestatus.Publisher
	monitor   *nodestatus.Monitor
	info      *nodestatus.InfoServer
	gateway   *mqtt.Gateway
	// Set when the node created the mqtt connection itself
	mqttClient    paho.Client
	mqttPublisher mqtt.Publisher
	nodeInfo      dsdl.GetNodeInfoResponse

	mu      sync.Mutex
	cancel  func()
	running *errgroup.Group
	stopped bool
}

type Option func(n *Node)

func WithClock(clk clock.Clock) Option {
	return func(n *Node) {
		n.clock = clk
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// Use an existing mqtt client instead of connecting to the configured broker
func WithMqttPublisher(client mqtt.Publisher) Option {
	return func(n *Node) {
		n.mqttPublisher = client
	}
}

// Versions reported by GetNodeInfo, name and status are filled by the node
func WithNodeInfo(info dsdl.GetNodeInfoResponse) Option {
	return func(n *Node) {
		n.nodeInfo = info
	}
}

// New builds a node. If bus is nil, the configured CAN interface is
// created. Nothing runs before Start.
func New(cfg *config.Config, bus can.Bus, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		config:  cfg,
		logger:  log.NewEntry(log.StandardLogger()),
		clock:   clock.New(),
		cs:      critical.New(),
		groups:  make(map[string]*pubsub.Group),
		threads: worker.NewRegistry(),
	}
	n.nodeInfo.SoftwareVersion.Major = cfg.Node.SoftwareMajor
	n.nodeInfo.SoftwareVersion.Minor = cfg.Node.SoftwareMinor
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithField("service", "[NODE]").WithField("name", cfg.Node.Name)

	if bus == nil {
		var err error
		bus, err = can.NewBus(cfg.Can.Interface, cfg.Can.Channel, cfg.Can.Bitrate)
		if err != nil {
			return nil, err
		}
	}
	n.bus = bus

	for name, size := range cfg.PubSub {
		n.groups[name] = pubsub.NewGroup(name, size, n.logger)
	}
	for _, name := range cfg.Worker.Threads {
		if err := n.threads.Add(worker.NewThread(name, n.clock, n.logger)); err != nil {
			return nil, err
		}
	}
	main := n.MainThread()

	pool := txqueue.NewPool(cfg.Transport.TxPool)
	n.bm = uavcan.NewBusManager(bus, n.cs, pool, n.groups[config.GroupCanRx].NewTopic("frames"), n.clock)
	n.bm.SetTxTimeout(cfg.Transport.TxTimeout)

	n.transport = transport.New(n.bm, n.groups[config.GroupTransport],
		transport.WithLogger(n.logger),
		transport.WithTransferIDMapSize(cfg.Transport.TransferIDMap),
		transport.WithCleanupPeriod(cfg.Transport.CleanupPeriod),
		transport.WithMaxTransferPayload(cfg.Transport.MaxTransferPayload),
		transport.WithTransferTimeout(cfg.Transport.StaleTimeout),
	)
	if cfg.Node.ID != 0 {
		if err := n.transport.SetLocalNodeID(cfg.Node.ID); err != nil {
			return nil, fmt.Errorf("node id %v : %w", cfg.Node.ID, err)
		}
	}
	n.transport.Attach(main)

	n.publisher = nodestatus.NewPublisher(n.transport, cfg.Node.HeartbeatPeriod)
	n.monitor = nodestatus.NewMonitor(n.transport, cfg.Node.OfflineTimeout)
	n.monitor.Attach(main)
	if cfg.Node.ID != 0 {
		n.publisher.Attach(main)
		n.nodeInfo.Name = cfg.Node.Name
		n.info = nodestatus.NewInfoServer(n.transport, n.publisher, n.nodeInfo)
		n.info.Attach(main)
	}

	if cfg.Mqtt != nil {
		if err := n.setupGateway(main); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) setupGateway(thread *worker.Thread) error {
	publisher := n.mqttPublisher
	if publisher == nil {
		client, err := mqtt.Connect(n.config.Mqtt.Broker, n.config.Mqtt.ClientID)
		if err != nil {
			return fmt.Errorf("mqtt broker %v : %w", n.config.Mqtt.Broker, err)
		}
		n.mqttClient = client
		publisher = client
	}
	n.gateway = mqtt.New(publisher, n.config.Mqtt.Prefix)
	for _, name := range n.config.Mqtt.Forward {
		descriptor, ok := dsdl.Lookup(name)
		if !ok {
			return fmt.Errorf("%w : unknown data type %v", config.ErrInvalidConfig, name)
		}
		n.gateway.Forward(thread, n.transport.Subscribe(descriptor), descriptor.FullName)
	}
	return nil
}

func (n *Node) Config() *config.Config {
	return n.config
}

func (n *Node) Bus() can.Bus {
	return n.bus
}

func (n *Node) BusManager() *uavcan.BusManager {
	return n.bm
}

func (n *Node) Transport() *transport.Transport {
	return n.transport
}

// Thread returns a worker thread by name, nil if not configured
func (n *Node) Thread(name string) *worker.Thread {
	return n.threads.Get(name)
}

// The first configured thread, running the transport and node services
func (n *Node) MainThread() *worker.Thread {
	return n.threads.Get(n.config.Worker.Threads[0])
}

// Group returns a topic group by name, nil if not configured
func (n *Node) Group(name string) *pubsub.Group {
	return n.groups[name]
}

func (n *Node) Publisher() *nodestatus.Publisher {
	return n.publisher
}

func (n *Node) Monitor() *nodestatus.Monitor {
	return n.monitor
}

// Nil for anonymous nodes
func (n *Node) InfoServer() *nodestatus.InfoServer {
	return n.info
}

// Nil if mqtt is not configured
func (n *Node) Gateway() *mqtt.Gateway {
	return n.gateway
}

// Identity reported by GetNodeInfo, status excluded
func (n *Node) NodeInfo() dsdl.GetNodeInfoResponse {
	return n.nodeInfo
}
