package dsdl

import "github.com/samsamfire/gouavcan/pkg/canard"

const (
	logSourceMax = 31
	logTextMax   = 90
)

var LogMessageDescriptor = &Descriptor{
	FullName:   "uavcan.protocol.debug.LogMessage",
	DataTypeID: 16383,
	Signature:  0xD654A48E0C049D75,
	MaxBits:    3 + 5 + logSourceMax*8 + logTextMax*8,
}

type LogLevel uint8

const (
	LogLevelDebug   LogLevel = 0
	LogLevelInfo    LogLevel = 1
	LogLevelWarning LogLevel = 2
	LogLevelError   LogLevel = 3
)

type LogMessage struct {
	Level  LogLevel
	Source string
	Text   string
}

func (m *LogMessage) Encode(enc *canard.Encoder) {
	enc.Uint(3, uint64(m.Level))
	encodeArray(enc, 5, []byte(m.Source), logSourceMax)
	text := []byte(m.Text)
	enc.Bytes(text[:min(len(text), logTextMax)])
}

func (m *LogMessage) Decode(dec *canard.Decoder) error {
	m.Level = LogLevel(dec.Uint(3))
	m.Source = string(decodeArray(dec, 5, logSourceMax))
	m.Text = string(decodeTailArray(dec, logTextMax))
	return dec.Err()
}
