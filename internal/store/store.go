// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the backing store contract used by the volume. A
// backing store is anything which can hold sectors: a physical block device,
// an NBD export, a memory buffer or a set of objects in a remote object
// storage. The volume does not care, it only needs the capacity and a way to
// submit a sector range and get notified when it is done.
//
// Implementations live in the subpackages. Most of them are naturally
// synchronous, hence they implement Device and are turned into a Store by
// FromDevice.
package store

//go:generate go run go.uber.org/mock/mockgen -typed=false -package mocks -destination mocks/store_mock.go github.com/asch/vbd/internal/store Store

import (
	"github.com/pkg/errors"
)

const (
	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are. All addressing in the volume and in the
	// stores is done in these units.
	SectorSize = 512

	SectorShift = 9
)

var (
	// Returned by stores for operations which do not fit into the store.
	ErrOutOfRange = errors.New("sector range out of store bounds")

	// Returned for buffers which are not a multiple of SectorSize.
	ErrUnaligned = errors.New("buffer is not sector aligned")
)

// Dir is the direction of the data transfer.
type Dir int

const (
	Read Dir = iota
	Write
)

func (d Dir) String() string {
	if d == Write {
		return "write"
	}

	return "read"
}

// Op is one contiguous transfer addressed to exactly one store.
type Op struct {
	Dir Dir

	// First sector of the transfer in the store address space.
	Sector uint64

	// Data to write or memory to read into. Its length is the length of
	// the transfer and it has to be a multiple of SectorSize.
	Buf []byte

	// Background operations, like consistency verification, can be served
	// with lower priority by stores which distinguish priorities.
	Background bool
}

// Sectors returns the length of the op in sectors.
func (o Op) Sectors() uint64 {
	return uint64(len(o.Buf)) >> SectorShift
}

// Store is the asynchronous backing store handle owned by a volume.
type Store interface {
	// Capacity of the store in sectors. Must not change until Close.
	Sectors() uint64

	// Submits op and returns immediately. Exactly one value is delivered
	// to the returned channel when the op is finished, nil on success.
	// The channel is buffered so nobody is blocked when the value is not
	// consumed.
	Submit(op Op) <-chan error

	// Releases the store. No op may be submitted after Close.
	Close() error
}

// Device is a synchronous store. It is the natural shape of most backends.
type Device interface {
	Sectors() uint64
	ReadSectors(sector uint64, buf []byte) error
	WriteSectors(sector uint64, buf []byte) error
	Close() error
}

// Check verifies that op fits into a store with the given capacity.
func Check(op Op, capacity uint64) error {
	if len(op.Buf)%SectorSize != 0 {
		return ErrUnaligned
	}

	if op.Sector > capacity || op.Sectors() > capacity-op.Sector {
		return errors.Wrapf(ErrOutOfRange, "%s of %d sectors at %d, capacity %d",
			op.Dir, op.Sectors(), op.Sector, capacity)
	}

	return nil
}

type deviceStore struct {
	Device
}

// FromDevice wraps synchronous device into asynchronous Store. Every op is
// served by its own go routine and the bounds are checked before the device
// is touched.
func FromDevice(d Device) Store {
	return &deviceStore{d}
}

func (s *deviceStore) Submit(op Op) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- s.serve(op)
	}()

	return done
}

func (s *deviceStore) serve(op Op) error {
	if err := Check(op, s.Sectors()); err != nil {
		return err
	}

	if op.Dir == Write {
		return s.WriteSectors(op.Sector, op.Buf)
	}

	return s.ReadSectors(op.Sector, op.Buf)
}

// Do submits op to s and waits for the result.
func Do(s Store, op Op) error {
	return <-s.Submit(op)
}
