// Package worker multiplexes periodic and reactive jobs onto a few
// goroutines.
//
// A [Thread] runs a cooperative loop interleaving three kinds of tasks :
//   - [TimerTask] : callbacks run at a fixed period, or once
//   - [ListenerTask] : drains a pub/sub listener
//   - [PublisherTask] : forwards messages posted from contexts that must
//     never block (e.g. CAN reception callbacks) to a pub/sub topic
//
// Task callbacks run on the thread goroutine. A callback that never returns
// starves every other task of the thread.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Maximum number of messages handled per listener task on each pass
// before giving a chance to the other tasks
const listenerBatch = 16

type Thread struct {
	name       string
	logger     *log.Entry
	clock      clock.Clock
	mu         sync.Mutex
	timers     *TimerTask
	listeners  []*ListenerTask
	publishers []*PublisherTask
	wake       chan struct{}
}

// Create a new worker thread. clk may be nil, in which case the wall
// clock is used.
func NewThread(name string, clk clock.Clock, logger *log.Entry) *Thread {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Thread{
		name:   name,
		clock:  clk,
		logger: logger.WithField("service", "[WORKER]").WithField("thread", name),
		wake:   make(chan struct{}, 1),
	}
}

func (th *Thread) Name() string {
	return th.name
}

func (th *Thread) Clock() clock.Clock {
	return th.clock
}

// Interrupt the idle wait of the thread loop
func (th *Thread) Wake() {
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

// Poll runs one scheduling pass : pending mailboxes, pending listener
// messages, then every due timer task. It returns how long the thread may
// sleep before the next timer is due, or a negative value if no timer is
// scheduled.
func (th *Thread) Poll() time.Duration {
	busy := th.drainPublishers()
	busy = th.drainListeners() || busy
	delay := th.runTimers()
	if busy {
		return 0
	}
	return delay
}

// Run the thread loop until ctx is done
func (th *Thread) Run(ctx context.Context) error {
	th.logger.Info("starting worker thread")
	defer th.logger.Info("exited worker thread")
	for {
		if ctx.Err() != nil {
			return nil
		}
		delay := th.Poll()
		if delay == 0 {
			continue
		}
		if delay < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-th.wake:
			}
			continue
		}
		timer := th.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-th.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
