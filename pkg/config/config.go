// Package config loads the INI configuration of a UAVCAN node.
//
//	[node]
//	id = 42
//	name = org.example.node
//	heartbeat_period = 1s
//
//	[can]
//	interface = socketcan
//	channel = can0
//	bitrate = 1000000
//
//	[pubsub]
//	default = 16384
//	can_rx = 8192
//
//	[worker]
//	threads = main, rx
//
//	[transport]
//	tx_pool = 128
//
//	[mqtt]
//	broker = tcp://localhost:1883
//	prefix = uavcan
//
//	[http]
//	listen = :8090
//
// Missing keys take their default value.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	GroupDefault   = "default"
	GroupCanRx     = "can_rx"
	GroupTransport = "uavcan"
	ThreadMain     = "main"

	// Smallest arena able to hold a few received frames
	MinArenaSize = 256
)

type NodeConfig struct {
	ID              uint8 // 0 for an anonymous node
	Name            string
	HeartbeatPeriod time.Duration
	// Delay after which a silent remote node is considered offline
	OfflineTimeout time.Duration
	SoftwareMajor  uint8
	SoftwareMinor  uint8
}

type CanConfig struct {
	Interface string
	Channel   string
	Bitrate   int
}

type WorkerConfig struct {
	Threads []string
}

type TransportConfig struct {
	TxPool             int
	TransferIDMap      int
	TxTimeout          time.Duration
	StaleTimeout       time.Duration
	CleanupPeriod      time.Duration
	MaxTransferPayload int
}

type MqttConfig struct {
	Broker   string
	ClientID string
	Prefix   string
	// Full names of the data types forwarded to the broker
	Forward []string
}

type MetricsConfig struct {
	Listen string // Address of the prometheus endpoint, disabled if empty
}

type HttpConfig struct {
	Listen         string // Address of the http gateway, disabled if empty
	RequestTimeout time.Duration
	DefaultNode    uint8
}

type Config struct {
	Node      NodeConfig
	Can       CanConfig
	PubSub    map[string]int // Arena size of each topic group
	Worker    WorkerConfig
	Transport TransportConfig
	Mqtt      *MqttConfig // nil if no [mqtt] section
	Metrics   MetricsConfig
	Http      HttpConfig
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:            "org.uavcan.node",
			HeartbeatPeriod: time.Second,
			OfflineTimeout:  3 * time.Second,
		},
		Can: CanConfig{
			Interface: "socketcan",
			Channel:   "can0",
			Bitrate:   1000000,
		},
		PubSub: map[string]int{
			GroupDefault:   16384,
			GroupCanRx:     8192,
			GroupTransport: 16384,
		},
		Worker: WorkerConfig{Threads: []string{ThreadMain}},
		Transport: TransportConfig{
			TxPool:             128,
			TransferIDMap:      16,
			TxTimeout:          time.Second,
			StaleTimeout:       2 * time.Second,
			CleanupPeriod:      time.Second,
			MaxTransferPayload: 1024,
		},
		Http: HttpConfig{RequestTimeout: time.Second},
	}
}

// Load reads an INI configuration. source can be a file path, a []byte or
// an io.Reader.
func Load(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("%w : %v", ErrInvalidConfig, err)
	}
	config := Default()
	if err := config.parse(file); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) parse(file *ini.File) error {
	node := file.Section("node")
	id := node.Key("id").MustUint(uint(c.Node.ID))
	if id > 255 {
		return fmt.Errorf("%w : node id %v", ErrInvalidConfig, id)
	}
	c.Node.ID = uint8(id)
	c.Node.Name = node.Key("name").MustString(c.Node.Name)
	c.Node.HeartbeatPeriod = node.Key("heartbeat_period").MustDuration(c.Node.HeartbeatPeriod)
	c.Node.OfflineTimeout = node.Key("offline_timeout").MustDuration(c.Node.OfflineTimeout)
	c.Node.SoftwareMajor = uint8(node.Key("sw_major").MustUint(0))
	c.Node.SoftwareMinor = uint8(node.Key("sw_minor").MustUint(0))

	can := file.Section("can")
	c.Can.Interface = can.Key("interface").MustString(c.Can.Interface)
	c.Can.Channel = can.Key("channel").MustString(c.Can.Channel)
	c.Can.Bitrate = can.Key("bitrate").MustInt(c.Can.Bitrate)

	for _, key := range file.Section("pubsub").Keys() {
		size, err := key.Int()
		if err != nil {
			return fmt.Errorf("%w : arena size of group %v : %v", ErrInvalidConfig, key.Name(), err)
		}
		c.PubSub[key.Name()] = size
	}

	worker := file.Section("worker")
	if worker.HasKey("threads") {
		c.Worker.Threads = nil
		for _, name := range worker.Key("threads").Strings(",") {
			if name != "" && !slices.Contains(c.Worker.Threads, name) {
				c.Worker.Threads = append(c.Worker.Threads, name)
			}
		}
	}

	transport := file.Section("transport")
	c.Transport.TxPool = transport.Key("tx_pool").MustInt(c.Transport.TxPool)
	c.Transport.TransferIDMap = transport.Key("tid_map").MustInt(c.Transport.TransferIDMap)
	c.Transport.TxTimeout = transport.Key("tx_timeout").MustDuration(c.Transport.TxTimeout)
	c.Transport.StaleTimeout = transport.Key("stale_timeout").MustDuration(c.Transport.StaleTimeout)
	c.Transport.CleanupPeriod = transport.Key("cleanup_period").MustDuration(c.Transport.CleanupPeriod)
	c.Transport.MaxTransferPayload = transport.Key("max_payload").MustInt(c.Transport.MaxTransferPayload)

	if file.HasSection("mqtt") {
		mqtt := file.Section("mqtt")
		c.Mqtt = &MqttConfig{
			Broker:   mqtt.Key("broker").String(),
			ClientID: mqtt.Key("client_id").MustString(c.Node.Name),
			Prefix:   strings.Trim(mqtt.Key("prefix").MustString("uavcan"), "/"),
			Forward:  mqtt.Key("forward").Strings(","),
		}
	}

	c.Metrics.Listen = file.Section("metrics").Key("listen").String()

	http := file.Section("http")
	c.Http.Listen = http.Key("listen").String()
	c.Http.RequestTimeout = http.Key("request_timeout").MustDuration(c.Http.RequestTimeout)
	defaultNode := http.Key("default_node").MustUint(0)
	if defaultNode > 127 {
		return fmt.Errorf("%w : http default node %v", ErrInvalidConfig, defaultNode)
	}
	c.Http.DefaultNode = uint8(defaultNode)
	return nil
}

// Validate checks the consistency of the configuration
func (c *Config) Validate() error {
	if c.Node.ID > 127 {
		return fmt.Errorf("%w : node id %v out of range 0..127", ErrInvalidConfig, c.Node.ID)
	}
	if c.Node.HeartbeatPeriod <= 0 || c.Node.OfflineTimeout <= 0 {
		return fmt.Errorf("%w : heartbeat period and offline timeout must be positive", ErrInvalidConfig)
	}
	if c.Can.Interface == "" {
		return fmt.Errorf("%w : no can interface", ErrInvalidConfig)
	}
	for _, group := range []string{GroupDefault, GroupCanRx, GroupTransport} {
		if _, ok := c.PubSub[group]; !ok {
			return fmt.Errorf("%w : missing topic group %v", ErrInvalidConfig, group)
		}
	}
	for group, size := range c.PubSub {
		if size < MinArenaSize {
			return fmt.Errorf("%w : arena of group %v is %v bytes, at least %v required", ErrInvalidConfig, group, size, MinArenaSize)
		}
	}
	if len(c.Worker.Threads) == 0 {
		return fmt.Errorf("%w : at least one worker thread is required", ErrInvalidConfig)
	}
	if c.Transport.TxPool <= 0 || c.Transport.TransferIDMap <= 0 || c.Transport.MaxTransferPayload <= 0 {
		return fmt.Errorf("%w : transport pool, transfer id map and payload sizes must be positive", ErrInvalidConfig)
	}
	if c.Transport.CleanupPeriod <= 0 || c.Transport.StaleTimeout <= 0 {
		return fmt.Errorf("%w : transport cleanup period and stale timeout must be positive", ErrInvalidConfig)
	}
	if c.Http.RequestTimeout <= 0 {
		return fmt.Errorf("%w : http request timeout must be positive", ErrInvalidConfig)
	}
	if c.Mqtt != nil && c.Mqtt.Broker == "" {
		return fmt.Errorf("%w : mqtt section without broker", ErrInvalidConfig)
	}
	return nil
}
