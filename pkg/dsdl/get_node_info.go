package dsdl

import "github.com/samsamfire/gouavcan/pkg/canard"

const (
	nodeNameMax    = 80
	uniqueIDLength = 16
	certificateMax = 255
)

var GetNodeInfoDescriptor = &Descriptor{
	FullName:        "uavcan.protocol.GetNodeInfo",
	DataTypeID:      1,
	Signature:       0xEE468A8121C46A9E,
	IsService:       true,
	MaxBits:         0,
	ResponseMaxBits: 56 + 120 + 16 + uniqueIDLength*8 + 8 + certificateMax*8 + nodeNameMax*8,
}

// The request carries no field
type GetNodeInfoRequest struct{}

func (r *GetNodeInfoRequest) Encode(enc *canard.Encoder) {}

func (r *GetNodeInfoRequest) Decode(dec *canard.Decoder) error {
	return dec.Err()
}

type SoftwareVersion struct {
	Major              uint8
	Minor              uint8
	OptionalFieldFlags uint8
	VcsCommit          uint32
	ImageCrc           uint64
}

type HardwareVersion struct {
	Major                     uint8
	Minor                     uint8
	UniqueID                  [uniqueIDLength]byte
	CertificateOfAuthenticity []byte
}

type GetNodeInfoResponse struct {
	Status          NodeStatus
	SoftwareVersion SoftwareVersion
	HardwareVersion HardwareVersion
	Name            string
}

func (r *GetNodeInfoResponse) Encode(enc *canard.Encoder) {
	r.Status.Encode(enc)
	sw := &r.SoftwareVersion
	enc.Uint(8, uint64(sw.Major))
	enc.Uint(8, uint64(sw.Minor))
	enc.Uint(8, uint64(sw.OptionalFieldFlags))
	enc.Uint(32, uint64(sw.VcsCommit))
	enc.Uint(64, sw.ImageCrc)
	hw := &r.HardwareVersion
	enc.Uint(8, uint64(hw.Major))
	enc.Uint(8, uint64(hw.Minor))
	enc.Bytes(hw.UniqueID[:])
	encodeArray(enc, 8, hw.CertificateOfAuthenticity, certificateMax)
	name := []byte(r.Name)
	enc.Bytes(name[:min(len(name), nodeNameMax)])
}

func (r *GetNodeInfoResponse) Decode(dec *canard.Decoder) error {
	if err := r.Status.Decode(dec); err != nil {
		return err
	}
	sw := &r.SoftwareVersion
	sw.Major = uint8(dec.Uint(8))
	sw.Minor = uint8(dec.Uint(8))
	sw.OptionalFieldFlags = uint8(dec.Uint(8))
	sw.VcsCommit = uint32(dec.Uint(32))
	sw.ImageCrc = dec.Uint(64)
	hw := &r.HardwareVersion
	hw.Major = uint8(dec.Uint(8))
	hw.Minor = uint8(dec.Uint(8))
	copy(hw.UniqueID[:], dec.Bytes(uniqueIDLength))
	hw.CertificateOfAuthenticity = decodeArray(dec, 8, certificateMax)
	r.Name = string(decodeTailArray(dec, nodeNameMax))
	return dec.Err()
}
