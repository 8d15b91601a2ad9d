// Package dsdl holds the UAVCAN data types used by the node, with their
// serialization.
package dsdl

import "github.com/samsamfire/gouavcan/pkg/canard"

// Descriptor identifies a data type on the bus
type Descriptor struct {
	FullName   string
	DataTypeID uint16
	Signature  uint64
	IsService  bool
	// Upper bound of the serialized size, request size for services
	MaxBits int
	// Services only
	ResponseMaxBits int
}

// MaxBitsFor returns the bound applying to a transfer of the given kind
func (d *Descriptor) MaxBitsFor(kind canard.TransferKind) int {
	if kind == canard.TransferKindResponse {
		return d.ResponseMaxBits
	}
	return d.MaxBits
}

type Message interface {
	Encode(enc *canard.Encoder)
}

type Decodable interface {
	Decode(dec *canard.Decoder) error
}

// Marshal serializes msg into a byte slice
func Marshal(msg Message) []byte {
	buffer := &canard.BitBuffer{}
	msg.Encode(canard.NewEncoder(buffer))
	return buffer.Bytes()
}

// Unmarshal deserializes payload into msg
func Unmarshal(payload []byte, msg Decodable) error {
	return msg.Decode(canard.NewDecoder(payload))
}

// Length prefixed dynamic array of uint8
func encodeArray(enc *canard.Encoder, lengthBits int, data []byte, max int) {
	data = data[:min(len(data), max)]
	enc.Uint(lengthBits, uint64(len(data)))
	enc.Bytes(data)
}

func decodeArray(dec *canard.Decoder, lengthBits int, max int) []byte {
	n := int(dec.Uint(lengthBits))
	return dec.Bytes(min(n, max))
}

// Last field dynamic array, its length is implied by the payload size
func decodeTailArray(dec *canard.Decoder, max int) []byte {
	return dec.Bytes(min(dec.RemainingBytes(), max))
}

var known = []*Descriptor{NodeStatusDescriptor, GetNodeInfoDescriptor, LogMessageDescriptor}

// Lookup finds a data type of this package by full name
func Lookup(fullName string) (*Descriptor, bool) {
	for _, descriptor := range known {
		if descriptor.FullName == fullName {
			return descriptor, true
		}
	}
	return nil, false
}
