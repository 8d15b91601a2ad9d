package canard

import (
	"encoding/binary"
	"fmt"
)

// Bits are numbered MSB first inside each byte, multi byte scalars are
// little endian. The last partial byte of a scalar holds its bits in the
// most significant positions.

func copyBits(src []byte, srcOffset int, length int, dst []byte, dstOffset int) {
	for i := 0; i < length; i++ {
		s := srcOffset + i
		d := dstOffset + i
		mask := byte(0x80) >> (d % 8)
		if src[s/8]&(0x80>>(s%8)) != 0 {
			dst[d/8] |= mask
		} else {
			dst[d/8] &^= mask
		}
	}
}

func checkBitLength(bitLength int) {
	if bitLength < 1 || bitLength > 64 {
		panic(fmt.Sprintf("canard: invalid scalar bit length %v", bitLength))
	}
}

// EncodeScalar writes the bitLength low bits of value into dst at
// bitOffset. dst must be large enough.
func EncodeScalar(dst []byte, bitOffset int, bitLength int, value uint64) {
	checkBitLength(bitLength)
	if bitLength == 1 && value != 0 {
		value = 1
	}
	var storage [8]byte
	binary.LittleEndian.PutUint64(storage[:], value)
	if rem := bitLength % 8; rem != 0 {
		storage[bitLength/8] <<= 8 - rem
	}
	copyBits(storage[:], 0, bitLength, dst, bitOffset)
}

// DecodeScalar reads an unsigned scalar of bitLength bits at bitOffset
func DecodeScalar(src []byte, bitOffset int, bitLength int) uint64 {
	checkBitLength(bitLength)
	var storage [8]byte
	copyBits(src, bitOffset, bitLength, storage[:], 0)
	if rem := bitLength % 8; rem != 0 {
		storage[bitLength/8] >>= 8 - rem
	}
	return binary.LittleEndian.Uint64(storage[:])
}

// DecodeSignedScalar reads a two's complement scalar of bitLength bits
func DecodeSignedScalar(src []byte, bitOffset int, bitLength int) int64 {
	value := DecodeScalar(src, bitOffset, bitLength)
	if bitLength < 64 && value&(1<<(bitLength-1)) != 0 {
		value |= ^uint64(0) << bitLength
	}
	return int64(value)
}

// BitSink consumes the output of an [Encoder]. chunk holds bitLength bits,
// MSB first, and is only valid during the call.
type BitSink interface {
	WriteBits(chunk []byte, bitLength int)
}

// Encoder serializes fields one scalar at a time into a BitSink
type Encoder struct {
	sink BitSink
	bits int
}

func NewEncoder(sink BitSink) *Encoder {
	return &Encoder{sink: sink}
}

func (e *Encoder) Uint(bitLength int, value uint64) {
	var chunk [8]byte
	EncodeScalar(chunk[:], 0, bitLength, value)
	e.sink.WriteBits(chunk[:], bitLength)
	e.bits += bitLength
}

func (e *Encoder) Int(bitLength int, value int64) {
	e.Uint(bitLength, uint64(value))
}

func (e *Encoder) Bool(value bool) {
	var v uint64
	if value {
		v = 1
	}
	e.Uint(1, v)
}

// Bytes writes data as an array of uint8
func (e *Encoder) Bytes(data []byte) {
	for _, b := range data {
		e.Uint(8, uint64(b))
	}
}

// Number of bits written so far
func (e *Encoder) Bits() int {
	return e.bits
}

// BitBuffer is a growable BitSink
type BitBuffer struct {
	buf  []byte
	bits int
}

func (b *BitBuffer) WriteBits(chunk []byte, bitLength int) {
	needed := (b.bits + bitLength + 7) / 8
	for len(b.buf) < needed {
		b.buf = append(b.buf, 0)
	}
	copyBits(chunk, 0, bitLength, b.buf, b.bits)
	b.bits += bitLength
}

// Serialized bytes, the last one padded with zeros
func (b *BitBuffer) Bytes() []byte {
	return b.buf
}

func (b *BitBuffer) Bits() int {
	return b.bits
}

func (b *BitBuffer) Reset() {
	b.buf = b.buf[:0]
	b.bits = 0
}

// Decoder deserializes fields from a payload. The first read past the end
// of the payload sets a sticky error, later reads return zero values.
type Decoder struct {
	payload []byte
	offset  int
	err     error
}

func NewDecoder(payload []byte) *Decoder {
	return &Decoder{payload: payload}
}

func (d *Decoder) take(bitLength int) bool {
	if d.err != nil {
		return false
	}
	if d.offset+bitLength > len(d.payload)*8 {
		d.err = ErrShortPayload
		return false
	}
	return true
}

func (d *Decoder) Uint(bitLength int) uint64 {
	if !d.take(bitLength) {
		return 0
	}
	value := DecodeScalar(d.payload, d.offset, bitLength)
	d.offset += bitLength
	return value
}

func (d *Decoder) Int(bitLength int) int64 {
	if !d.take(bitLength) {
		return 0
	}
	value := DecodeSignedScalar(d.payload, d.offset, bitLength)
	d.offset += bitLength
	return value
}

func (d *Decoder) Bool() bool {
	return d.Uint(1) != 0
}

// Bytes reads n uint8
func (d *Decoder) Bytes(n int) []byte {
	if n < 0 || !d.take(n*8) {
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(DecodeScalar(d.payload, d.offset, 8))
		d.offset += 8
	}
	return out
}

// Remaining whole bytes, used for tail arrays whose length is implicit
func (d *Decoder) RemainingBytes() int {
	if d.err != nil {
		return 0
	}
	return (len(d.payload)*8 - d.offset) / 8
}

func (d *Decoder) Err() error {
	return d.err
}
