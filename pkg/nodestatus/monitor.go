package nodestatus

import (
	"slices"
	"sync"
	"time"

	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/transport"
	"github.com/samsamfire/gouavcan/pkg/worker"
	log "github.com/sirupsen/logrus"
)

const (
	// A node silent for longer is considered offline
	DefaultOfflineTimeout = 3 * time.Second
	sweepDivider          = 4
)

type State uint8

const (
	StateUnknown State = iota // Never heard of
	StateActive               // Status received within timeout
	StateTimeout              // No status received for timeout
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

type Event uint8

const (
	EventStarted Event = iota + 1 // First status, or first after a timeout
	EventChanged                  // Health or mode changed
	EventTimeout                  // Status not received in time
	EventRestart                  // Uptime went backwards
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventChanged:
		return "CHANGED"
	case EventTimeout:
		return "TIMEOUT"
	case EventRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// EventCallback is called from the monitor thread. When called on
// reception, the transport topic group lock is held, so the callback must
// not block on another transfer reception.
type EventCallback func(event Event, nodeID uint8, status dsdl.NodeStatus)

// Remote node as seen by the monitor
type NodeInfo struct {
	NodeID   uint8
	State    State
	Status   dsdl.NodeStatus
	LastSeen time.Time
}

type pendingEvent struct {
	event  Event
	nodeID uint8
	status dsdl.NodeStatus
}

// Monitor tracks the NodeStatus broadcasts of every remote node
type Monitor struct {
	mu            sync.Mutex
	tr            *transport.Transport
	logger        *log.Entry
	timeout       time.Duration
	nodes         map[uint8]*NodeInfo
	eventCallback EventCallback
	rxTask        worker.ListenerTask
	sweepTask     worker.TimerTask
	thread        *worker.Thread
}

func NewMonitor(tr *transport.Transport, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultOfflineTimeout
	}
	return &Monitor{
		tr:      tr,
		logger:  log.WithField("service", "[MONITOR]"),
		timeout: timeout,
		nodes:   make(map[uint8]*NodeInfo),
	}
}

func (m *Monitor) OnEvent(callback EventCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCallback = callback
}

// Attach receives statuses and checks timeouts on thread
func (m *Monitor) Attach(thread *worker.Thread) {
	m.thread = thread
	thread.AddListenerTask(&m.rxTask, m.tr.Subscribe(dsdl.NodeStatusDescriptor), m.handle)
	thread.AddTimerTask(&m.sweepTask, m.timeout/sweepDivider, true, func(*worker.TimerTask) {
		m.Sweep()
	})
}

func (m *Monitor) Detach() {
	if m.thread == nil {
		return
	}
	m.thread.RemoveListenerTask(&m.rxTask)
	m.thread.RemoveTimerTask(&m.sweepTask)
	m.thread = nil
}

func (m *Monitor) handle(record []byte) {
	transfer, err := transport.DecodeTransfer(record)
	if err != nil {
		return
	}
	status := dsdl.NodeStatus{}
	if err := dsdl.Unmarshal(transfer.Payload, &status); err != nil {
		m.logger.Debugf("invalid status from %v : %v", transfer.SourceNodeID, err)
		return
	}
	m.Update(transfer.SourceNodeID, status, transfer.Timestamp)
}

// Update records a status received from nodeID at timestamp
func (m *Monitor) Update(nodeID uint8, status dsdl.NodeStatus, timestamp time.Time) {
	var events []pendingEvent
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	if !ok {
		node = &NodeInfo{NodeID: nodeID}
		m.nodes[nodeID] = node
	}
	switch {
	case node.State != StateActive:
		events = append(events, pendingEvent{EventStarted, nodeID, status})
	case status.UptimeSec < node.Status.UptimeSec:
		events = append(events, pendingEvent{EventRestart, nodeID, status})
	case status.Health != node.Status.Health || status.Mode != node.Status.Mode:
		events = append(events, pendingEvent{EventChanged, nodeID, status})
	}
	node.State = StateActive
	node.Status = status
	node.LastSeen = timestamp
	callback := m.eventCallback
	m.mu.Unlock()
	m.fire(callback, events)
}

// Sweep flags every active node silent for longer than the timeout
func (m *Monitor) Sweep() {
	now := m.tr.BusManager().Clock().Now()
	var events []pendingEvent
	m.mu.Lock()
	for _, node := range m.nodes {
		if node.State == StateActive && now.Sub(node.LastSeen) > m.timeout {
			node.State = StateTimeout
			events = append(events, pendingEvent{EventTimeout, node.NodeID, node.Status})
		}
	}
	callback := m.eventCallback
	m.mu.Unlock()
	slices.SortFunc(events, func(a, b pendingEvent) int { return int(a.nodeID) - int(b.nodeID) })
	m.fire(callback, events)
}

func (m *Monitor) fire(callback EventCallback, events []pendingEvent) {
	for _, e := range events {
		m.logger.Infof("node %v : %v (health %v, mode %v)", e.nodeID, e.event, e.status.Health, e.status.Mode)
		if callback != nil {
			callback(e.event, e.nodeID, e.status)
		}
	}
}

// Node returns what is known of nodeID
func (m *Monitor) Node(nodeID uint8) (NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return NodeInfo{NodeID: nodeID}, false
	}
	return *node, true
}

// Nodes lists every node heard of, sorted by id
func (m *Monitor) Nodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]NodeInfo, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, *node)
	}
	slices.SortFunc(nodes, func(a, b NodeInfo) int { return int(a.NodeID) - int(b.NodeID) })
	return nodes
}

// AllActive reports whether every known node is active and operational
func (m *Monitor) AllActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range m.nodes {
		if node.State != StateActive || node.Status.Mode != dsdl.ModeOperational {
			return false
		}
	}
	return len(m.nodes) > 0
}
