package pubsub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/samsamfire/gouavcan/pkg/arena"
)

// Listener is a read cursor on a topic. It is owned by a single consumer
// goroutine, only registration may happen from elsewhere.
type Listener struct {
	// Written under the group lock, read without it to find the group
	topic   atomic.Pointer[Topic]
	handler Handler
	next    arena.Ref
	signal  chan struct{}
	missed  uint64
}

type ListenerOption func(*Listener)

// WithSignal makes the listener notify an existing channel instead of its
// own. Several listeners can share a signal, e.g. all the listeners
// drained by the same worker thread.
func WithSignal(signal chan struct{}) ListenerOption {
	return func(l *Listener) {
		l.signal = signal
	}
}

func NewListener(handler Handler, opts ...ListenerOption) *Listener {
	l := &Listener{handler: handler, next: arena.Nil}
	for _, opt := range opts {
		opt(l)
	}
	if l.signal == nil {
		l.signal = make(chan struct{}, 1)
	}
	return l
}

// Should be called with group lock held
func (l *Listener) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Topic the listener is registered on, nil if unregistered
func (l *Listener) Topic() *Topic {
	return l.topic.Load()
}

// lock the group of the topic the listener is registered on. Returns nil,
// without any lock held, if the listener is not registered.
func (l *Listener) lock() *Topic {
	for {
		t := l.topic.Load()
		if t == nil {
			return nil
		}
		t.group.mu.Lock()
		if l.topic.Load() == t {
			return t
		}
		// Unregistered meanwhile
		t.group.mu.Unlock()
	}
}

// Unregister the listener from its topic. May be called from any goroutine,
// a handler running on another goroutine completes before this returns.
func (l *Listener) Unregister() {
	t := l.lock()
	if t == nil {
		return
	}
	defer t.group.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			break
		}
	}
	l.next = arena.Nil
	l.topic.Store(nil)
}

// Number of messages this listener lost to arena eviction
func (l *Listener) Missed() uint64 {
	t := l.lock()
	if t == nil {
		return l.missed
	}
	defer t.group.mu.Unlock()
	return l.missed
}

// Pending reports whether a message is waiting for this listener
func (l *Listener) Pending() bool {
	t := l.lock()
	if t == nil {
		return false
	}
	defer t.group.mu.Unlock()
	return l.next != arena.Nil
}

// TryHandleOne handles the oldest unread message if there is one.
// It never blocks waiting for a message.
func (l *Listener) TryHandleOne() bool {
	t := l.lock()
	if t == nil {
		return false
	}
	g := t.group
	defer g.mu.Unlock()
	if l.next == arena.Nil {
		return false
	}
	ref := l.next
	payload := g.arena.Bytes(ref)[messageHeaderSize:]
	l.next = g.nextInTopic(ref)
	if l.handler != nil {
		l.handler(payload)
	}
	return true
}

// HandleOne waits until a message is available and handles it.
// Returns false if ctx is done first.
func (l *Listener) HandleOne(ctx context.Context) bool {
	for {
		if l.TryHandleOne() {
			return true
		}
		select {
		case <-l.signal:
		case <-ctx.Done():
			return false
		}
	}
}

// HandleOneTimeout is [Listener.HandleOne] with a timeout.
// A zero timeout does not wait at all.
func (l *Listener) HandleOneTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		return l.TryHandleOne()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.HandleOne(ctx)
}

// HandleUntilTimeout handles messages until none arrives for timeout.
// Returns the number of handled messages.
func (l *Listener) HandleUntilTimeout(timeout time.Duration) int {
	handled := 0
	for l.HandleOneTimeout(timeout) {
		handled++
	}
	return handled
}
