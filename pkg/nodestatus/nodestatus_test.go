package nodestatus

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/critical"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
	"github.com/samsamfire/gouavcan/pkg/transport"
	"github.com/samsamfire/gouavcan/pkg/txqueue"
	"github.com/samsamfire/gouavcan/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	tr     *transport.Transport
	bm     *uavcan.BusManager
	thread *worker.Thread
}

func newTestNode(t *testing.T, nodeID uint8, clk *clock.Mock) *testNode {
	rxGroup := pubsub.NewGroup("can_rx", 4096, nil)
	bm := uavcan.NewBusManager(nil, critical.New(), txqueue.NewPool(64), rxGroup.NewTopic("rx"), clk)
	tr := transport.New(bm, pubsub.NewGroup("uavcan", 8192, nil))
	require.Nil(t, tr.SetLocalNodeID(nodeID))
	thread := worker.NewThread("main", clk, nil)
	tr.Attach(thread)
	return &testNode{tr: tr, bm: bm, thread: thread}
}

// Moves every queued frame of n to the receive side of other
func (n *testNode) sendTo(other *testNode) int {
	sent := 0
	for {
		frame, ok := n.bm.Queue().Pop()
		if !ok {
			return sent
		}
		other.bm.Handle(frame.Frame)
		sent++
	}
}

func (n *testNode) poll() {
	n.thread.Poll()
	n.thread.Poll()
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Unix(5000, 0))
	return clk
}

func TestPublisherPeriodic(t *testing.T) {
	clk := newMockClock()
	node := newTestNode(t, 10, clk)
	publisher := NewPublisher(node.tr, time.Second)
	publisher.SetMode(dsdl.ModeOperational)
	publisher.SetHealth(dsdl.HealthWarning)
	publisher.SetVendorStatus(0xBEEF)
	publisher.Attach(node.thread)

	node.poll()
	assert.EqualValues(t, 0, publisher.Sent())
	for i := 1; i <= 3; i++ {
		clk.Add(time.Second)
		node.poll()
		assert.EqualValues(t, i, publisher.Sent())
		frame, ok := node.bm.Queue().Pop()
		require.True(t, ok)
		id := canard.DecodeFrameID(frame.ArbitrationID())
		assert.Equal(t, dsdl.NodeStatusDescriptor.DataTypeID, id.DataTypeID)
		assert.EqualValues(t, 10, id.SourceNodeID)
		assert.Equal(t, DefaultPriority, id.Priority)
		tail := canard.DecodeTailByte(frame.Data[frame.DLC-1])
		assert.EqualValues(t, i-1, tail.TransferID)

		status := dsdl.NodeStatus{}
		require.Nil(t, dsdl.Unmarshal(frame.Data[:frame.DLC-1], &status))
		assert.EqualValues(t, i, status.UptimeSec)
		assert.Equal(t, dsdl.ModeOperational, status.Mode)
		assert.Equal(t, dsdl.HealthWarning, status.Health)
		assert.EqualValues(t, 0xBEEF, status.VendorSpecificStatusCode)
	}

	publisher.SetPeriod(5 * time.Second)
	clk.Add(time.Second)
	node.poll()
	assert.EqualValues(t, 3, publisher.Sent())
	clk.Add(4 * time.Second)
	node.poll()
	assert.EqualValues(t, 4, publisher.Sent())

	publisher.Detach()
	clk.Add(10 * time.Second)
	node.poll()
	assert.EqualValues(t, 4, publisher.Sent())
}

type recordedEvent struct {
	event  Event
	nodeID uint8
	mode   dsdl.Mode
}

func TestMonitorEvents(t *testing.T) {
	clk := newMockClock()
	node := newTestNode(t, 1, clk)
	monitor := NewMonitor(node.tr, 3*time.Second)
	events := []recordedEvent{}
	monitor.OnEvent(func(event Event, nodeID uint8, status dsdl.NodeStatus) {
		events = append(events, recordedEvent{event, nodeID, status.Mode})
	})
	assert.False(t, monitor.AllActive())

	operational := dsdl.NodeStatus{UptimeSec: 10, Mode: dsdl.ModeOperational}
	monitor.Update(20, operational, clk.Now())
	operational.UptimeSec = 11
	monitor.Update(20, operational, clk.Now())
	assert.True(t, monitor.AllActive())

	maintenance := dsdl.NodeStatus{UptimeSec: 12, Mode: dsdl.ModeMaintenance}
	monitor.Update(20, maintenance, clk.Now())
	assert.False(t, monitor.AllActive())

	rebooted := dsdl.NodeStatus{UptimeSec: 0, Mode: dsdl.ModeInitialization}
	monitor.Update(20, rebooted, clk.Now())

	monitor.Update(30, operational, clk.Now())
	clk.Add(2 * time.Second)
	monitor.Update(30, operational, clk.Now())
	clk.Add(2 * time.Second)
	monitor.Sweep()

	info, ok := monitor.Node(20)
	assert.True(t, ok)
	assert.Equal(t, StateTimeout, info.State)
	info, _ = monitor.Node(30)
	assert.Equal(t, StateActive, info.State)
	_, ok = monitor.Node(40)
	assert.False(t, ok)

	// Back online
	monitor.Update(20, operational, clk.Now())

	assert.Equal(t, []recordedEvent{
		{EventStarted, 20, dsdl.ModeOperational},
		{EventChanged, 20, dsdl.ModeMaintenance},
		{EventRestart, 20, dsdl.ModeInitialization},
		{EventStarted, 30, dsdl.ModeOperational},
		{EventTimeout, 20, dsdl.ModeInitialization},
		{EventStarted, 20, dsdl.ModeOperational},
	}, events)

	nodes := monitor.Nodes()
	require.Len(t, nodes, 2)
	assert.EqualValues(t, 20, nodes[0].NodeID)
	assert.EqualValues(t, 30, nodes[1].NodeID)
}

func TestMonitorOverTransport(t *testing.T) {
	clk := newMockClock()
	local := newTestNode(t, 1, clk)
	remote := newTestNode(t, 42, clk)

	monitor := NewMonitor(local.tr, 3*time.Second)
	monitor.Attach(local.thread)
	events := []Event{}
	monitor.OnEvent(func(event Event, nodeID uint8, status dsdl.NodeStatus) {
		assert.EqualValues(t, 42, nodeID)
		events = append(events, event)
	})

	publisher := NewPublisher(remote.tr, time.Second)
	publisher.Attach(remote.thread)
	for range 3 {
		clk.Add(time.Second)
		remote.poll()
		assert.Equal(t, 1, remote.sendTo(local))
		local.poll()
	}
	info, ok := monitor.Node(42)
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.EqualValues(t, 3, info.Status.UptimeSec)
	assert.Equal(t, dsdl.ModeInitialization, info.Status.Mode)

	// Remote goes silent
	publisher.Detach()
	clk.Add(4 * time.Second)
	local.poll()
	info, _ = monitor.Node(42)
	assert.Equal(t, StateTimeout, info.State)
	assert.Equal(t, []Event{EventStarted, EventTimeout}, events)
}

func TestInfoServer(t *testing.T) {
	clk := newMockClock()
	server := newTestNode(t, 42, clk)
	client := newTestNode(t, 7, clk)

	publisher := NewPublisher(server.tr, time.Second)
	publisher.SetMode(dsdl.ModeOperational)
	info := dsdl.GetNodeInfoResponse{
		SoftwareVersion: dsdl.SoftwareVersion{Major: 1, Minor: 4, VcsCommit: 0xDEADBEEF},
		HardwareVersion: dsdl.HardwareVersion{Major: 2, UniqueID: [16]byte{1, 2, 3}},
		Name:            "org.example.node",
	}
	infoServer := NewInfoServer(server.tr, publisher, info)
	infoServer.Attach(server.thread)

	responses := []dsdl.GetNodeInfoResponse{}
	listener := client.tr.Topic(dsdl.GetNodeInfoDescriptor, canard.TransferKindResponse).Subscribe(func(payload []byte) {
		transfer, err := transport.DecodeTransfer(payload)
		require.Nil(t, err)
		assert.EqualValues(t, 42, transfer.SourceNodeID)
		response := dsdl.GetNodeInfoResponse{}
		assert.Nil(t, dsdl.Unmarshal(transfer.Payload, &response))
		responses = append(responses, response)
	})

	clk.Add(5 * time.Second)
	_, err := client.tr.Request(dsdl.GetNodeInfoDescriptor, canard.PriorityMedium, 42, &dsdl.GetNodeInfoRequest{})
	require.Nil(t, err)
	assert.Equal(t, 1, client.sendTo(server))
	server.poll()
	assert.EqualValues(t, 1, infoServer.Served())
	assert.Greater(t, server.sendTo(client), 1)
	client.poll()
	for listener.TryHandleOne() {
	}

	require.Len(t, responses, 1)
	response := responses[0]
	assert.Equal(t, info.Name, response.Name)
	assert.Equal(t, info.SoftwareVersion, response.SoftwareVersion)
	assert.Equal(t, info.HardwareVersion.UniqueID, response.HardwareVersion.UniqueID)
	assert.Equal(t, dsdl.ModeOperational, response.Status.Mode)
	assert.EqualValues(t, 5, response.Status.UptimeSec)
}
