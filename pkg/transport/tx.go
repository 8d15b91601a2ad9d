package transport

import (
	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/internal/crc"
	"github.com/samsamfire/gouavcan/pkg/can"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/txqueue"
)

const segmentBits = 7 * 8

// frameBuilder is the BitSink turning the serializer output into frames.
// Bits are packed in 7 byte segments, one per frame, the tail byte being
// added when a segment is flushed. When a second frame becomes necessary
// the first segment is shifted by two bytes to make room for the transfer
// crc, which is only written once the whole payload went through.
type frameBuilder struct {
	bm      *uavcan.BusManager
	tid     uint8
	maxBits int
	bits    int
	cur     [7]byte
	curBits int
	crc     crc.CRC16
	refs    []txqueue.Ref
	err     error
}

func newFrameBuilder(bm *uavcan.BusManager, signature uint64, tid uint8, maxBits int) *frameBuilder {
	return &frameBuilder{
		bm:      bm,
		tid:     tid,
		maxBits: maxBits,
		crc:     crc.NewTransferCRC(signature),
	}
}

func (b *frameBuilder) WriteBits(chunk []byte, bitLength int) {
	if b.err != nil {
		return
	}
	b.bits += bitLength
	if b.bits > b.maxBits {
		b.err = uavcan.ErrPayloadTooLarge
		return
	}
	for i := 0; i < bitLength; i++ {
		if b.curBits == segmentBits && !b.flush(false) {
			return
		}
		mask := byte(0x80) >> (b.curBits % 8)
		if chunk[i/8]&(0x80>>(i%8)) != 0 {
			b.cur[b.curBits/8] |= mask
		} else {
			b.cur[b.curBits/8] &^= mask
		}
		b.curBits++
	}
}

func (b *frameBuilder) flush(last bool) bool {
	ref, ok := b.bm.AllocateTxFrame()
	if !ok {
		b.err = uavcan.ErrTxOverflow
		return false
	}
	first := len(b.refs) == 0
	var data [canard.FramePayloadMax]byte
	n := 0
	if first && !last {
		// crc placeholder, the two displaced bytes open the next segment
		n = copy(data[2:], b.cur[:5]) + 2
		b.crc.Block(b.cur[:5])
		b.cur = [7]byte{b.cur[5], b.cur[6]}
		b.curBits = 16
	} else {
		n = copy(data[:], b.cur[:(b.curBits+7)/8])
		b.crc.Block(data[:n])
		b.cur = [7]byte{}
		b.curBits = 0
	}
	tail := canard.TailByte{
		StartOfTransfer: first,
		EndOfTransfer:   last,
		Toggle:          len(b.refs)%2 == 1,
		TransferID:      b.tid,
	}
	data[n] = tail.Encode()
	b.bm.TxFrame(ref).Frame = can.NewExtendedFrame(0, data[:n+1])
	b.refs = append(b.refs, ref)
	return true
}

// finish flushes the last frame and splices the crc. On error every
// allocated frame is released.
func (b *frameBuilder) finish() ([]txqueue.Ref, error) {
	if b.err == nil {
		b.flush(true)
	}
	if b.err != nil {
		b.release()
		return nil, b.err
	}
	if len(b.refs) > 1 {
		first := b.bm.TxFrame(b.refs[0])
		first.Data[0] = byte(b.crc)
		first.Data[1] = byte(b.crc >> 8)
	}
	return b.refs, nil
}

func (b *frameBuilder) release() {
	if len(b.refs) > 0 {
		b.bm.FreeTxFrames(b.refs)
		b.refs = nil
	}
}

// Discriminator of anonymous transfers, derived from the payload
func anonymousDiscriminator(payload []byte) uint16 {
	discriminator := crc.CRC16(crc.Initial)
	discriminator.Block(payload)
	return uint16(discriminator)
}
