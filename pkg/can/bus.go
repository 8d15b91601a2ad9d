package can

import (
	"fmt"
	"slices"
	"sync"
)

// Flags and masks of the ID field, same layout as Linux SocketCAN
const (
	CanEffFlag uint32 = 0x80000000 // Extended frame format (29 bits)
	CanRtrFlag uint32 = 0x40000000 // Remote transmission request
	CanErrFlag uint32 = 0x20000000 // Error frame
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Create a new extended data frame holding a copy of data
func NewExtendedFrame(id uint32, data []byte) Frame {
	frame := Frame{ID: (id & CanEffMask) | CanEffFlag, DLC: uint8(min(len(data), 8))}
	copy(frame.Data[:], data)
	return frame
}

func (f *Frame) IsExtended() bool {
	return f.ID&CanEffFlag != 0
}

func (f *Frame) IsRTR() bool {
	return f.ID&CanRtrFlag != 0
}

func (f *Frame) IsError() bool {
	return f.ID&CanErrFlag != 0
}

// Identifier without the flag bits
func (f *Frame) ArbitrationID() uint32 {
	if f.IsExtended() {
		return f.ID & CanEffMask
	}
	return f.ID & CanSffMask
}

// ArbitrationKey maps the frame to the order it would win bus arbitration
// in : a lower key has a higher priority. Standard frames beat extended
// frames with the same 11 bit base ID, data frames beat remote frames.
func (f *Frame) ArbitrationKey() uint32 {
	var rtr uint32
	if f.IsRTR() {
		rtr = 1
	}
	if !f.IsExtended() {
		return (f.ID&CanSffMask)<<21 | rtr<<20
	}
	id := f.ID & CanEffMask
	base := id >> 18
	ext := id & 0x3FFFF
	// SRR and IDE are recessive in extended frames
	return base<<21 | 1<<20 | 1<<19 | ext<<1 | rtr
}

// Payload of the frame, up to DLC
func (f *Frame) Payload() []byte {
	return f.Data[:min(f.DLC, 8)]
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu        sync.Mutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Names of the registered interface types
func AvailableInterfaces() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create a new CAN bus with given interface
// Drivers register themselves when their package is imported
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	registryMu.Lock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
