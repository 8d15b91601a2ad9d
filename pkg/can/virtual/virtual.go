// Package virtual provides CAN buses that need no hardware.
//
// The "virtual" interface connects over TCP to a broker relaying frames to
// every connected client, see https://github.com/windelbouwman/virtualcan.
// The "loopback" interface connects buses of the same process sharing a
// channel name, it is mostly used for testing.
package virtual

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/gouavcan/pkg/can"
	log "github.com/sirupsen/logrus"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
	can.RegisterInterface("loopback", NewLoopbackBus)
}

// Frame layout on the broker connection : id (big endian), flags, dlc, data
const frameSize = 4 + 1 + 1 + 8

const writeTimeout = 10 * time.Millisecond

type Bus struct {
	logger       *log.Entry
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	hub          *hub
	receiveOwn   bool
	framehandler can.FrameListener
	done         chan struct{}
	wg           sync.WaitGroup
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	logger := log.WithField("service", "[VIRTUAL]").WithField("channel", channel)
	return &Bus{channel: channel, logger: logger}, nil
}

// Serialize a CAN frame, prefixed with its length as the broker expects
func serializeFrame(frame can.Frame) ([]byte, error) {
	raw := make([]byte, 4+frameSize)
	binary.BigEndian.PutUint32(raw, frameSize)
	binary.BigEndian.PutUint32(raw[4:], frame.ID)
	raw[8] = frame.Flags
	raw[9] = frame.DLC
	copy(raw[10:], frame.Data[:])
	return raw, nil
}

func deserializeFrame(buffer []byte) (*can.Frame, error) {
	if len(buffer) < frameSize {
		return nil, fmt.Errorf("error deserializing : expected %v bytes, got %v", frameSize, len(buffer))
	}
	frame := &can.Frame{
		ID:    binary.BigEndian.Uint32(buffer),
		Flags: buffer[4],
		DLC:   buffer[5],
	}
	copy(frame.Data[:], buffer[6:frameSize])
	return frame, nil
}

// "Connect" to server e.g. localhost:18000, or join the loopback channel
func (b *Bus) Connect(...any) error {
	if b.hub != nil {
		b.hub.join(b)
		return nil
	}
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// "Disconnect" from server. Waits for the reception goroutine to exit.
func (b *Bus) Disconnect() error {
	if b.hub != nil {
		b.hub.leave(b)
		return nil
	}
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.conn, b.done = nil, nil
	b.mu.Unlock()
	if done != nil {
		close(done)
	}
	var err error
	if conn != nil {
		// Unblocks the pending read
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bus) handler() can.FrameListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framehandler
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	if b.hub != nil {
		return b.hub.broadcast(b, frame)
	}
	b.mu.Lock()
	conn, handler := b.conn, b.framehandler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	raw, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(raw)
	return err
}

// "Subscribe" implementation of Bus interface. The reception goroutine is
// started on the first call.
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.hub != nil || b.done != nil {
		return nil
	}
	if b.conn == nil {
		return ErrNotConnected
	}
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.receive(b.conn, b.done)
	return nil
}

// Read one frame from the broker connection
func readFrame(r io.Reader) (*can.Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length < frameSize || length > 1024 {
		return nil, fmt.Errorf("error deserializing : unexpected frame length %v", length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	return deserializeFrame(raw)
}

// Receive new CAN message, blocking
func (b *Bus) Recv() (*can.Frame, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return readFrame(conn)
}

func (b *Bus) receive(conn net.Conn, done chan struct{}) {
	defer b.wg.Done()
	for {
		frame, err := readFrame(conn)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			b.logger.Errorf("listening routine has closed because : %v", err)
			return
		}
		if handler := b.handler(); handler != nil {
			handler.Handle(*frame)
		}
	}
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
