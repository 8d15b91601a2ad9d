package transport

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/samsamfire/gouavcan/pkg/canard"
	"github.com/samsamfire/gouavcan/pkg/critical"
)

const DefaultTransferIDMapSize = 16

// TransferIDMap hands out the rolling transfer id of each outgoing
// (data type, kind, destination). It holds a bounded number of entries,
// the least recently used one is forgotten when full and starts over
// from zero if used again.
type TransferIDMap struct {
	cs  *critical.Section
	lru *simplelru.LRU[uint32, uint8]
}

func NewTransferIDMap(cs *critical.Section, capacity int) *TransferIDMap {
	lru, err := simplelru.NewLRU[uint32, uint8](capacity, nil)
	if err != nil {
		panic(fmt.Sprintf("transport: invalid transfer id map size %v : %v", capacity, err))
	}
	return &TransferIDMap{cs: cs, lru: lru}
}

// Destination is zero for broadcasts
func TransferKey(dataTypeID uint16, kind canard.TransferKind, destination uint8) uint32 {
	return uint32(dataTypeID) | uint32(kind)<<16 | uint32(destination)<<24
}

func (m *TransferIDMap) Next(key uint32) uint8 {
	tok := m.cs.Enter()
	defer tok.Exit()
	return m.NextI(tok, key)
}

// NextI returns the transfer id to use for key and advances it
func (m *TransferIDMap) NextI(tok critical.Token, key uint32) uint8 {
	tok.Must(m.cs)
	tid, _ := m.lru.Get(key)
	m.lru.Add(key, (tid+1)&canard.TransferIDMax)
	return tid
}

func (m *TransferIDMap) Len() int {
	tok := m.cs.Enter()
	defer tok.Exit()
	return m.lru.Len()
}
