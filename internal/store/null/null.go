// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import "github.com/asch/vbd/internal/store"

// Null implementation of store.Device. Usefull for measuring performance of
// the volume and of the underlying BUSE without any backend costs. Otherwise
// useless. Writes are acknowledged immediately and reads return zeros. It can
// also serve as a template for a new backing store since it is the smallest
// implementation of the Device interface.
type null struct {
	sectors uint64
}

func NewNull(sectors uint64) *null {
	return &null{sectors: sectors}
}

func (n *null) Sectors() uint64 {
	return n.sectors
}

func (n *null) WriteSectors(sector uint64, chunk []byte) error {
	return nil
}

func (n *null) ReadSectors(sector uint64, chunk []byte) error {
	for i := range chunk {
		chunk[i] = 0
	}

	return nil
}

func (n *null) Close() error {
	return nil
}

var _ store.Device = (*null)(nil)
