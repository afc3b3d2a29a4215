// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd implements a store backed by an NBD export. The connection is
// handled by libnbd, which is safe for concurrent use of one handle.
package nbd

import (
	"github.com/pkg/errors"
	"libguestfs.org/libnbd"

	"github.com/asch/vbd/internal/store"
)

type nbd struct {
	handle  *libnbd.Libnbd
	sectors uint64
}

// Connect creates libnbd handle and connects it to the export described by
// uri, e.g. nbd://host/export or nbd+unix:///export?socket=/tmp/nbd.sock.
// The capacity is the export size rounded down to whole sectors.
func Connect(uri string) (*nbd, error) {
	handle, err := libnbd.Create()
	if err != nil {
		return nil, errors.Wrap(err, "creating nbd handle")
	}

	err = handle.ConnectUri(uri)
	if err != nil {
		handle.Close()
		return nil, errors.Wrapf(err, "connecting to %s", uri)
	}

	size, err := handle.GetSize()
	if err != nil {
		handle.Close()
		return nil, errors.Wrapf(err, "getting size of %s", uri)
	}

	return &nbd{handle: handle, sectors: size >> store.SectorShift}, nil
}

func (n *nbd) Sectors() uint64 {
	return n.sectors
}

func (n *nbd) ReadSectors(sector uint64, buf []byte) error {
	return n.handle.Pread(buf, sector<<store.SectorShift, nil)
}

func (n *nbd) WriteSectors(sector uint64, buf []byte) error {
	return n.handle.Pwrite(buf, sector<<store.SectorShift, nil)
}

func (n *nbd) Close() error {
	if err := n.handle.Close(); err != nil {
		return err
	}

	return nil
}
