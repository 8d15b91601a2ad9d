package crc

// CRC16 is a CRC-16-CCITT accumulator (polynomial 0x1021, no reflection).
// UAVCAN transfers use the 0xFFFF initial value, see [NewTransferCRC].
type CRC16 uint16

const (
	Polynomial = 0x1021
	Initial    = 0xFFFF
)

// Compute the CRC of a single byte
func (crc *CRC16) Single(chr uint8) {
	c := uint16(*crc) ^ uint16(chr)<<8
	for range 8 {
		if c&0x8000 != 0 {
			c = c<<1 ^ Polynomial
		} else {
			c <<= 1
		}
	}
	*crc = CRC16(c)
}

// Compute the CRC of a block of bytes
func (crc *CRC16) Block(block []byte) {
	for _, value := range block {
		crc.Single(value)
	}
}

// Signature seeds the accumulator with a 64 bit data type signature,
// least significant byte first.
func (crc *CRC16) Signature(signature uint64) {
	for shift := 0; shift < 64; shift += 8 {
		crc.Single(uint8(signature >> shift))
	}
}

// NewTransferCRC returns the accumulator used for multi-frame transfers,
// already seeded with the data type signature.
func NewTransferCRC(signature uint64) CRC16 {
	crc := CRC16(Initial)
	crc.Signature(signature)
	return crc
}
