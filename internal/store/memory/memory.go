// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory implements a store kept entirely in process memory. The
// content is zeroed on creation and lost on Close.
package memory

import (
	"sync"

	"github.com/asch/vbd/internal/store"
)

// Memory is a zero initialized byte region of capacity sectors guarded by a
// single mutex. Every transfer holds the mutex for the duration of the copy
// and nothing else.
type Memory struct {
	mu       sync.Mutex
	data     []byte
	capacity uint64
}

// New allocates zeroed memory with capacity of sectors.
func New(sectors uint64) *Memory {
	return &Memory{
		data:     make([]byte, sectors<<store.SectorShift),
		capacity: sectors,
	}
}

// NewStore returns asynchronous store backed by memory with capacity of
// sectors.
func NewStore(sectors uint64) store.Store {
	return store.FromDevice(New(sectors))
}

func (m *Memory) Sectors() uint64 {
	return m.capacity
}

// Transfer copies data between buf and the memory starting at sector. The
// transfer is truncated at the end of the memory and the number of
// transferred sectors is returned. Transfer never fails, a transfer starting
// behind the end just transfers nothing.
func (m *Memory) Transfer(dir store.Dir, sector uint64, buf []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := uint64(len(m.data)) >> store.SectorShift
	if sector >= limit {
		return 0
	}

	length := uint64(len(buf)) >> store.SectorShift
	if length > limit-sector {
		length = limit - sector
	}

	offset := sector << store.SectorShift
	nbytes := length << store.SectorShift

	if dir == store.Write {
		copy(m.data[offset:offset+nbytes], buf[:nbytes])
	} else {
		copy(buf[:nbytes], m.data[offset:offset+nbytes])
	}

	return length
}

func (m *Memory) ReadSectors(sector uint64, buf []byte) error {
	m.Transfer(store.Read, sector, buf)
	return nil
}

func (m *Memory) WriteSectors(sector uint64, buf []byte) error {
	m.Transfer(store.Write, sector, buf)
	return nil
}

// Close drops the memory. Any later transfer is truncated to nothing, the
// reported capacity stays.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()

	return nil
}
