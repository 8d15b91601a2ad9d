package fifo

import "encoding/binary"

// Circular Fifo of bytes. One slot is always kept empty to tell a full
// fifo from an empty one.
// Besides raw bytes, it stores length-prefixed records, used as the
// mailbox of publisher tasks.
type Fifo struct {
	buffer   []byte
	writePos int
	readPos  int
}

const recordHeaderSize = 2

func NewFifo(size uint16) *Fifo {
	f := &Fifo{
		buffer:   make([]byte, size),
		writePos: 0,
		readPos:  0,
	}
	return f
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write data to fifo, return number of bytes written
func (f *Fifo) Write(buffer []byte) int {

	if buffer == nil {
		return 0
	}
	writeCounter := 0

	for _, element := range buffer {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = element
		writeCounter += 1
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos += 1
		}
	}
	return writeCounter
}

// Read data from fifo and return number of bytes read
func (f *Fifo) Read(buffer []byte) int {
	var readCounter int = 0
	if buffer == nil || f.readPos == f.writePos {
		return 0
	}
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]

		readCounter++
		f.readPos++

		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return readCounter
}

// Skip n bytes without copying them
func (f *Fifo) skip(n int) {
	f.readPos = (f.readPos + n) % len(f.buffer)
}

// Peek copies up to len(buffer) bytes without consuming them
func (f *Fifo) Peek(buffer []byte) int {
	readPos := f.readPos
	n := f.Read(buffer)
	f.readPos = readPos
	return n
}

// WriteRecord stores payload as a single record. Nothing is written if
// the whole record does not fit.
func (f *Fifo) WriteRecord(payload []byte) bool {
	if len(payload) > 0xFFFF || f.GetSpace() < recordHeaderSize+len(payload) {
		return false
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(payload)))
	f.Write(header[:])
	f.Write(payload)
	return true
}

// NextRecordSize returns the size of the oldest record, -1 if empty
func (f *Fifo) NextRecordSize() int {
	var header [recordHeaderSize]byte
	if f.Peek(header[:]) < recordHeaderSize {
		return -1
	}
	return int(binary.LittleEndian.Uint16(header[:]))
}

// ReadRecord consumes the oldest record into buffer and returns its size.
// Bytes not fitting in buffer are discarded. Returns -1 if empty.
func (f *Fifo) ReadRecord(buffer []byte) int {
	size := f.NextRecordSize()
	if size < 0 {
		return -1
	}
	f.skip(recordHeaderSize)
	n := f.Read(buffer[:min(size, len(buffer))])
	f.skip(size - n)
	return size
}
