//go:build linux

package socketcanv2

import (
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/stretchr/testify/assert"
)

// These tests need a "vcan0" interface, e.g.
// ip link add dev vcan0 type vcan && ip link set up vcan0

func createSocketCanBus(t *testing.T) *SocketcanBus {
	sock, err := NewSocketCanBus("vcan0")
	if err != nil {
		t.Skipf("vcan0 not available : %v", err)
	}
	socketcanbus := sock.(*SocketcanBus)
	assert.Nil(t, socketcanbus.Connect())
	return socketcanbus
}

type frameListener struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (f *frameListener) Handle(frame can.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *frameListener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestFrameLayout(t *testing.T) {
	frame := can.NewExtendedFrame(0x1ABCDEF, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	raw := make([]byte, SocketCANFrameSize)
	encodeFrame(frame, raw)
	assert.EqualValues(t, 8, raw[4])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, raw[8:])
	assert.Equal(t, frame, decodeFrame(raw))
}

func TestConnectDisconnect(t *testing.T) {
	sock := createSocketCanBus(t)
	defer sock.Close()
	assert.Nil(t, sock.Disconnect())
	for range 50 {
		assert.Nil(t, sock.Connect())
		assert.Nil(t, sock.Disconnect())
	}
}

func TestSendReceive(t *testing.T) {
	can0 := createSocketCanBus(t)
	can1 := createSocketCanBus(t)
	defer can0.Close()
	defer can1.Close()

	listener := &frameListener{}
	can1.Subscribe(listener)
	for range 100 {
		assert.Nil(t, can0.Send(can.NewExtendedFrame(0x100, []byte{1})))
	}
	assert.Eventually(t, func() bool { return listener.count() == 100 }, time.Second, 10*time.Millisecond)
}

func TestFilterNoReception(t *testing.T) {
	can0 := createSocketCanBus(t)
	can1 := createSocketCanBus(t)
	defer can0.Close()
	defer can1.Close()

	listener := &frameListener{}
	can1.Subscribe(listener)
	assert.Nil(t, can1.SetFilters(ExtendedOnlyFilter()))
	for range 100 {
		can0.Send(can.NewFrame(0x100, 0, 8))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, listener.count())
}
