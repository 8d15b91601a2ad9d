package dsdl

import "github.com/samsamfire/gouavcan/pkg/canard"

var NodeStatusDescriptor = &Descriptor{
	FullName:   "uavcan.protocol.NodeStatus",
	DataTypeID: 341,
	Signature:  0x0F0868D0C1A7C6F1,
	MaxBits:    56,
}

type Health uint8

const (
	HealthOk       Health = 0
	HealthWarning  Health = 1
	HealthError    Health = 2
	HealthCritical Health = 3
)

var healthDescription = map[Health]string{
	HealthOk:       "OK",
	HealthWarning:  "WARNING",
	HealthError:    "ERROR",
	HealthCritical: "CRITICAL",
}

func (h Health) String() string {
	if description, ok := healthDescription[h]; ok {
		return description
	}
	return "UNKNOWN"
}

type Mode uint8

const (
	ModeOperational    Mode = 0
	ModeInitialization Mode = 1
	ModeMaintenance    Mode = 2
	ModeSoftwareUpdate Mode = 3
	ModeOffline        Mode = 7
)

var modeDescription = map[Mode]string{
	ModeOperational:    "OPERATIONAL",
	ModeInitialization: "INITIALIZATION",
	ModeMaintenance:    "MAINTENANCE",
	ModeSoftwareUpdate: "SOFTWARE_UPDATE",
	ModeOffline:        "OFFLINE",
}

func (m Mode) String() string {
	if description, ok := modeDescription[m]; ok {
		return description
	}
	return "UNKNOWN"
}

type NodeStatus struct {
	UptimeSec                uint32
	Health                   Health
	Mode                     Mode
	SubMode                  uint8
	VendorSpecificStatusCode uint16
}

func (s *NodeStatus) Encode(enc *canard.Encoder) {
	enc.Uint(32, uint64(s.UptimeSec))
	enc.Uint(2, uint64(s.Health))
	enc.Uint(3, uint64(s.Mode))
	enc.Uint(3, uint64(s.SubMode))
	enc.Uint(16, uint64(s.VendorSpecificStatusCode))
}

func (s *NodeStatus) Decode(dec *canard.Decoder) error {
	s.UptimeSec = uint32(dec.Uint(32))
	s.Health = Health(dec.Uint(2))
	s.Mode = Mode(dec.Uint(3))
	s.SubMode = uint8(dec.Uint(3))
	s.VendorSpecificStatusCode = uint16(dec.Uint(16))
	return dec.Err()
}
