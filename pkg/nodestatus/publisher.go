// Package nodestatus implements the uavcan.protocol.NodeStatus heartbeat :
// periodic publishing of the local status, monitoring of remote nodes and
// the GetNodeInfo service.
package nodestatus

import (
	"sync"
	"time"

	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/dsdl"
	"github.com/samsamfire/gouavcan/pkg/transport"
	"github.com/samsamfire/gouavcan/pkg/worker"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPeriod   = time.Second
	DefaultPriority = canard.PriorityLow
)

// Publisher broadcasts the local NodeStatus at a fixed period
type Publisher struct {
	mu       sync.Mutex
	tr       *transport.Transport
	logger   *log.Entry
	status   dsdl.NodeStatus
	started  time.Time
	period   time.Duration
	priority uint8
	task     worker.TimerTask
	thread   *worker.Thread
	sent     uint64
}

func NewPublisher(tr *transport.Transport, period time.Duration) *Publisher {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Publisher{
		tr:       tr,
		logger:   log.WithField("service", "[NODESTATUS]"),
		status:   dsdl.NodeStatus{Health: dsdl.HealthOk, Mode: dsdl.ModeInitialization},
		started:  tr.BusManager().Clock().Now(),
		period:   period,
		priority: DefaultPriority,
	}
}

// Attach starts publishing on thread, the first status goes out after one period
func (p *Publisher) Attach(thread *worker.Thread) {
	p.mu.Lock()
	p.thread = thread
	p.mu.Unlock()
	thread.AddTimerTask(&p.task, p.period, true, func(*worker.TimerTask) {
		if err := p.Publish(); err != nil {
			p.logger.Warnf("failed to publish node status : %v", err)
		}
	})
}

func (p *Publisher) Detach() {
	p.mu.Lock()
	thread := p.thread
	p.thread = nil
	p.mu.Unlock()
	if thread != nil {
		thread.RemoveTimerTask(&p.task)
	}
}

// Change the publishing period, effective from now
func (p *Publisher) SetPeriod(period time.Duration) {
	p.mu.Lock()
	p.period = period
	thread := p.thread
	p.mu.Unlock()
	if thread != nil {
		thread.RescheduleTimerTask(&p.task, period)
	}
}

func (p *Publisher) SetHealth(health dsdl.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Health = health
}

func (p *Publisher) SetMode(mode dsdl.Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Mode != mode {
		p.logger.Infof("mode %v => %v", p.status.Mode, mode)
	}
	p.status.Mode = mode
}

func (p *Publisher) SetVendorStatus(code uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.VendorSpecificStatusCode = code
}

// Status returns the current status, uptime included
func (p *Publisher) Status() dsdl.NodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.status
	status.UptimeSec = uint32(p.tr.BusManager().Clock().Since(p.started) / time.Second)
	return status
}

// Number of statuses successfully queued
func (p *Publisher) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Publish broadcasts the current status immediately
func (p *Publisher) Publish() error {
	status := p.Status()
	err := p.tr.Broadcast(dsdl.NodeStatusDescriptor, p.priority, &status)
	if err == nil {
		p.mu.Lock()
		p.sent++
		p.mu.Unlock()
	}
	return err
}
