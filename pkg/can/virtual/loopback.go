package virtual

import (
	"errors"
	"slices"
	"sync"

	"github.com/samsamfire/gouavcan/pkg/can"
	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("virtual bus not connected")

// Buses of the same channel name
type hub struct {
	mu      sync.Mutex
	members []*Bus
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

func hubFor(channel string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[channel]
	if !ok {
		h = &hub{}
		hubs[channel] = h
	}
	return h
}

// Create a bus delivering its frames to every other connected bus of the
// same channel, synchronously from Send
func NewLoopbackBus(channel string) (can.Bus, error) {
	logger := log.WithField("service", "[LOOPBACK]").WithField("channel", channel)
	return &Bus{channel: channel, hub: hubFor(channel), logger: logger}, nil
}

func (h *hub) join(b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !slices.Contains(h.members, b) {
		h.members = append(h.members, b)
	}
}

func (h *hub) leave(b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members = slices.DeleteFunc(h.members, func(m *Bus) bool { return m == b })
}

// Handlers are called without the hub lock, they may send frames
func (h *hub) broadcast(sender *Bus, frame can.Frame) error {
	h.mu.Lock()
	if !slices.Contains(h.members, sender) {
		h.mu.Unlock()
		return ErrNotConnected
	}
	members := slices.Clone(h.members)
	h.mu.Unlock()
	for _, member := range members {
		member.mu.Lock()
		handler := member.framehandler
		skip := member == sender && !member.receiveOwn
		member.mu.Unlock()
		if skip || handler == nil {
			continue
		}
		handler.Handle(frame)
	}
	return nil
}
