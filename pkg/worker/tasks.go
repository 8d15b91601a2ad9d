package worker

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/samsamfire/gouavcan/internal/fifo"
	"github.com/samsamfire/gouavcan/pkg/pubsub"
)

// ListenerTask runs a handler for every message published on a topic, on
// the thread it was added to
type ListenerTask struct {
	listener *pubsub.Listener
	thread   *Thread
}

func (task *ListenerTask) Listener() *pubsub.Listener {
	return task.listener
}

// AddListenerTask registers a new listener on topic, drained by the thread.
// The task only sees messages published after this call.
func (th *Thread) AddListenerTask(task *ListenerTask, topic *pubsub.Topic, handler pubsub.Handler) {
	if task.thread != nil {
		panic("worker: listener task already added")
	}
	task.listener = pubsub.NewListener(handler, pubsub.WithSignal(th.wake))
	topic.Register(task.listener)
	th.mu.Lock()
	task.thread = th
	th.listeners = append(th.listeners, task)
	th.mu.Unlock()
	th.Wake()
}

func (th *Thread) RemoveListenerTask(task *ListenerTask) {
	th.mu.Lock()
	if task.thread != th {
		th.mu.Unlock()
		return
	}
	th.listeners = slices.DeleteFunc(th.listeners, func(t *ListenerTask) bool { return t == task })
	task.thread = nil
	th.mu.Unlock()
	task.listener.Unregister()
}

func (th *Thread) drainListeners() (busy bool) {
	th.mu.Lock()
	tasks := slices.Clone(th.listeners)
	th.mu.Unlock()
	for _, task := range tasks {
		handled := 0
		for handled < listenerBatch && task.listener.TryHandleOne() {
			handled++
		}
		if handled == listenerBatch && task.listener.Pending() {
			busy = true
		}
	}
	return busy
}

// PublisherTask forwards messages to a topic from contexts which cannot
// afford to take the topic group lock. Messages are staged in a bounded
// mailbox and published by the owning thread.
type PublisherTask struct {
	mu      sync.Mutex
	mailbox *fifo.Fifo
	scratch []byte
	topic   *pubsub.Topic
	thread  *Thread
	dropped uint64
}

// Largest mailbox of a [PublisherTask], the fifo keeps one byte free
const MaxMailboxSize = math.MaxUint16 - 1

// AddPublisherTask binds task to topic. mailboxSize is the number of bytes
// the mailbox can hold, each message using two extra bytes. It must not
// exceed [MaxMailboxSize].
func (th *Thread) AddPublisherTask(task *PublisherTask, topic *pubsub.Topic, mailboxSize uint16) {
	if task.thread != nil {
		panic("worker: publisher task already added")
	}
	if mailboxSize > MaxMailboxSize {
		panic(fmt.Sprintf("worker: mailbox size %v above %v", mailboxSize, MaxMailboxSize))
	}
	task.mailbox = fifo.NewFifo(mailboxSize + 1)
	task.scratch = make([]byte, mailboxSize)
	task.topic = topic
	th.mu.Lock()
	task.thread = th
	th.publishers = append(th.publishers, task)
	th.mu.Unlock()
}

func (th *Thread) RemovePublisherTask(task *PublisherTask) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if task.thread != th {
		return
	}
	th.publishers = slices.DeleteFunc(th.publishers, func(t *PublisherTask) bool { return t == task })
	task.thread = nil
}

// Publish stages a copy of payload. It never blocks for long and may be
// called from any goroutine. Returns false if the mailbox is full.
func (task *PublisherTask) Publish(payload []byte) bool {
	task.mu.Lock()
	ok := task.mailbox.WriteRecord(payload)
	if !ok {
		task.dropped++
	}
	th := task.thread
	task.mu.Unlock()
	if ok && th != nil {
		th.Wake()
	}
	return ok
}

// Number of messages rejected because the mailbox was full
func (task *PublisherTask) Dropped() uint64 {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.dropped
}

func (task *PublisherTask) Topic() *pubsub.Topic {
	return task.topic
}

// Forward every staged message, the mailbox lock is never held while
// publishing
func (task *PublisherTask) flush() {
	for {
		task.mu.Lock()
		n := task.mailbox.ReadRecord(task.scratch)
		task.mu.Unlock()
		if n < 0 {
			return
		}
		task.topic.PublishBytes(task.scratch[:n])
	}
}

func (th *Thread) drainPublishers() bool {
	th.mu.Lock()
	tasks := slices.Clone(th.publishers)
	th.mu.Unlock()
	for _, task := range tasks {
		task.flush()
	}
	return false
}
