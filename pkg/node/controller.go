package node

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrStopped        = errors.New("node stopped, it cannot be restarted")
)

// Start connects to the bus and runs the worker threads and the transmit
// pump in background. Call Stop() to stop processing or cancel the context,
// and Wait() to wait for the end of execution.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.running != nil {
		return ErrAlreadyStarted
	}
	if err := n.bus.Connect(); err != nil {
		return err
	}
	if err := n.bus.Subscribe(n.bm); err != nil {
		return multierr.Append(err, n.bus.Disconnect())
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.threads.Run(ctx)
	})
	g.Go(func() error {
		return n.bm.Process(ctx)
	})
	n.cancel = cancel
	n.running = g
	if id := n.transport.LocalNodeID(); id != 0 {
		n.logger.Infof("started node %v", id)
	} else {
		n.logger.Info("started anonymous node")
	}
	return nil
}

// Stop cancels processing. Wait should be called to make sure every
// goroutine exited.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
	}
}

// Wait for processing to finish, then release the bus and the broker
// connection. A node cannot be started again afterwards.
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.running
	n.mu.Unlock()
	if g == nil {
		return nil
	}
	err := g.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running != g {
		return err
	}
	n.running = nil
	n.cancel = nil
	n.stopped = true
	if n.gateway != nil {
		n.gateway.Stop()
	}
	if n.mqttClient != nil {
		n.mqttClient.Disconnect(250)
		n.mqttClient = nil
	}
	err = multierr.Append(err, n.bus.Disconnect())
	n.logger.Info("node stopped")
	return err
}
