// Package pubsub is the in-process message bus shared by drivers, the UAVCAN
// transport and application services.
//
// Topics are grouped in a [Group] which owns a fixed size [arena.Arena] and
// the lock protecting it. When the arena is full, the oldest message of the
// group is evicted; every listener still pointing at it skips it and has its
// miss counter incremented. Publishing never blocks on slow listeners.
//
// Each [Listener] holds its own read cursor, so listeners on the same topic
// consume every message at most once, at their own pace, in publish order.
package pubsub

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/samsamfire/gouavcan/internal/metrics"
	"github.com/samsamfire/gouavcan/pkg/arena"
	log "github.com/sirupsen/logrus"
)

// topic index (uint16) + reserved (uint16) + next in topic (int32)
const messageHeaderSize = 8

// Handler receives the payload of a message. The slice aliases the group
// arena and must not be retained after the call returns. The group lock is
// held during the call : a handler must not publish into its own group.
type Handler func(payload []byte)

// Group of topics sharing the same arena
type Group struct {
	name   string
	mu     sync.Mutex
	arena  *arena.Arena
	topics []*Topic
	logger *log.Entry
}

func NewGroup(name string, size int, logger *log.Entry) *Group {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Group{
		name:   name,
		arena:  arena.New(size),
		logger: logger.WithField("service", "[PUBSUB]").WithField("group", name),
	}
}

func (g *Group) Name() string {
	return g.name
}

// Number of messages currently stored in the group
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.arena.Len()
}

// Largest payload that can ever be published in this group
func (g *Group) MaxPayload() int {
	return g.arena.Size() - arena.HeaderSize - messageHeaderSize
}

// NewTopic creates a topic inside the group. Topics live as long as the
// group and are never destroyed.
func (g *Group) NewTopic(tag string) *Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.topics) > math.MaxUint16 {
		panic(fmt.Sprintf("pubsub: too many topics in group %v", g.name))
	}
	topic := &Topic{group: g, index: uint16(len(g.topics)), tag: tag, tail: arena.Nil}
	g.topics = append(g.topics, topic)
	g.logger.Debugf("new topic %v", tag)
	return topic
}

func (g *Group) nextInTopic(ref arena.Ref) arena.Ref {
	return arena.Ref(int32(binary.LittleEndian.Uint32(g.arena.Bytes(ref)[4:])))
}

func (g *Group) setNextInTopic(ref arena.Ref, next arena.Ref) {
	binary.LittleEndian.PutUint32(g.arena.Bytes(ref)[4:], uint32(next))
}

func (g *Group) topicOf(ref arena.Ref) *Topic {
	return g.topics[binary.LittleEndian.Uint16(g.arena.Bytes(ref))]
}

// Called by the arena, under group lock, before reclaiming a message.
// The reclaimed message is always the oldest of its topic.
func (g *Group) evict(ref arena.Ref) {
	topic := g.topicOf(ref)
	next := g.nextInTopic(ref)
	for _, listener := range topic.listeners {
		if listener.next == ref {
			listener.next = next
			listener.missed++
			metrics.ListenerMisses.WithLabelValues(topic.tag).Inc()
		}
	}
	if topic.tail == ref {
		topic.tail = arena.Nil
	}
	metrics.ArenaEvictions.WithLabelValues(g.name).Inc()
}

type Topic struct {
	group     *Group
	index     uint16
	tag       string
	listeners []*Listener
	tail      arena.Ref
}

func (t *Topic) Tag() string {
	return t.tag
}

func (t *Topic) Group() *Group {
	return t.group
}

// Publish a message of given size. writer fills the payload in place.
// Returns false, dropping the message, if it can never fit in the arena.
func (t *Topic) Publish(size int, writer func(payload []byte)) bool {
	g := t.group
	g.mu.Lock()
	defer g.mu.Unlock()

	ref, ok := g.arena.Alloc(messageHeaderSize+size, g.evict)
	if !ok {
		metrics.PublishDropped.WithLabelValues(t.tag).Inc()
		g.logger.Warnf("dropped message on %v, size %v does not fit", t.tag, size)
		return false
	}
	block := g.arena.Bytes(ref)
	binary.LittleEndian.PutUint16(block[0:], t.index)
	binary.LittleEndian.PutUint16(block[2:], 0)
	g.setNextInTopic(ref, arena.Nil)
	if writer != nil {
		writer(block[messageHeaderSize:])
	}
	if t.tail != arena.Nil {
		g.setNextInTopic(t.tail, ref)
	}
	t.tail = ref
	for _, listener := range t.listeners {
		if listener.next == arena.Nil {
			listener.next = ref
		}
		listener.notify()
	}
	return true
}

// PublishBytes publishes a copy of payload
func (t *Topic) PublishBytes(payload []byte) bool {
	return t.Publish(len(payload), func(buf []byte) { copy(buf, payload) })
}

// Register a listener on the topic. The listener only sees messages
// published after registration. Registering a listener twice panics.
func (t *Topic) Register(listener *Listener) {
	g := t.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if current := listener.topic.Load(); current != nil {
		panic(fmt.Sprintf("pubsub: listener already registered on %v", current.tag))
	}
	listener.next = arena.Nil
	listener.topic.Store(t)
	t.listeners = append(t.listeners, listener)
}

// Subscribe creates and registers a new listener
func (t *Topic) Subscribe(handler Handler, opts ...ListenerOption) *Listener {
	listener := NewListener(handler, opts...)
	t.Register(listener)
	return listener
}

// Number of registered listeners
func (t *Topic) Listeners() int {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return len(t.listeners)
}
