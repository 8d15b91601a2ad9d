package transport

import (
	"encoding/binary"
	"errors"
	"time"

	uavcan "github.com/samsamfire/gouavcan"
	"github.com/samsamfire/gouavcan/internal/metrics"
	"github.com/samsamfire/gouavcan/pkg/canard"
)

// Transfers are published as a header followed by the payload :
// timestamp (unix ns, int64) | source | tid | priority | kind | data type id (uint16) | length (uint16)
const transferHeaderSize = 16

// A received transfer, as published on a transport topic
type Transfer struct {
	Timestamp    time.Time
	SourceNodeID uint8
	TransferID   uint8
	Priority     uint8
	Kind         canard.TransferKind
	DataTypeID   uint16
	Payload      []byte // Aliases the topic message
}

// DecodeTransfer reads a message of a transport topic
func DecodeTransfer(record []byte) (Transfer, error) {
	if len(record) < transferHeaderSize {
		return Transfer{}, uavcan.ErrRxMsgLength
	}
	length := int(binary.LittleEndian.Uint16(record[14:]))
	if len(record) < transferHeaderSize+length {
		return Transfer{}, uavcan.ErrRxMsgLength
	}
	return Transfer{
		Timestamp:    time.Unix(0, int64(binary.LittleEndian.Uint64(record[0:]))),
		SourceNodeID: record[8],
		TransferID:   record[9],
		Priority:     record[10],
		Kind:         canard.TransferKind(record[11]),
		DataTypeID:   binary.LittleEndian.Uint16(record[12:]),
		Payload:      record[transferHeaderSize : transferHeaderSize+length],
	}, nil
}

func encodeTransfer(record []byte, transfer *canard.RxTransfer) {
	binary.LittleEndian.PutUint64(record[0:], uint64(transfer.Timestamp.UnixNano()))
	record[8] = transfer.SourceNodeID
	record[9] = transfer.TransferID
	record[10] = transfer.Priority
	record[11] = uint8(transfer.Kind)
	binary.LittleEndian.PutUint16(record[12:], transfer.DataTypeID)
	binary.LittleEndian.PutUint16(record[14:], uint16(len(transfer.Payload)))
	copy(record[transferHeaderSize:], transfer.Payload)
}

func (t *Transport) lookup(dataTypeID uint16, kind canard.TransferKind) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptions[subscriptionKey{dataTypeID, kind}]
}

func (t *Transport) shouldAccept(dataTypeID uint16, kind canard.TransferKind, sourceNodeID uint8) (uint64, bool) {
	sub := t.lookup(dataTypeID, kind)
	if sub == nil {
		return 0, false
	}
	return sub.descriptor.Signature, true
}

func (t *Transport) onReception(transfer *canard.RxTransfer) {
	sub := t.lookup(transfer.DataTypeID, transfer.Kind)
	if sub == nil {
		return
	}
	maxBytes := (sub.descriptor.MaxBitsFor(transfer.Kind) + 7) / 8
	if len(transfer.Payload) > maxBytes {
		t.logger.Warnf("dropped %v from %v, %v bytes exceed %v",
			sub.descriptor.FullName, transfer.SourceNodeID, len(transfer.Payload), maxBytes)
		metrics.RxErrors.WithLabelValues("too_large").Inc()
		return
	}
	sub.topic.Publish(transferHeaderSize+len(transfer.Payload), func(record []byte) {
		encodeTransfer(record, transfer)
	})
	metrics.TransfersReceived.WithLabelValues(sub.descriptor.FullName).Inc()
}

// HandleRxRecord feeds a frame record published by the bus manager
func (t *Transport) HandleRxRecord(record []byte) error {
	frame, timestamp, err := uavcan.DecodeRxFrame(record)
	if err != nil {
		return err
	}
	err = t.instance.HandleRxFrame(frame, timestamp)
	switch {
	case err == nil:
	case errors.Is(err, canard.ErrRxNotWanted), errors.Is(err, canard.ErrRxWrongAddress):
	default:
		metrics.RxErrors.WithLabelValues(err.Error()).Inc()
		t.logger.Debugf("rx frame x%x rejected : %v", frame.ArbitrationID(), err)
	}
	return err
}

func (t *Transport) handleRxRecord(record []byte) {
	_ = t.HandleRxRecord(record)
}
