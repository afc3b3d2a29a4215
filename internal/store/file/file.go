// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements a pass-through store over a block device node or a
// regular image file. The file is not owned by the volume, it is only opened
// on attach and closed on teardown.
package file

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/asch/vbd/internal/store"
)

type File struct {
	f       *os.File
	sectors uint64
}

// Open opens the device or the image at path for reading and writing. The
// capacity is the size of the file rounded down to whole sectors. Block
// devices report their size by seeking to the end as well.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening backing file")
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "getting size of %s", path)
	}

	return &File{f: f, sectors: uint64(size) >> store.SectorShift}, nil
}

func (f *File) Sectors() uint64 {
	return f.sectors
}

func (f *File) ReadSectors(sector uint64, buf []byte) error {
	_, err := f.f.ReadAt(buf, int64(sector<<store.SectorShift))
	return err
}

func (f *File) WriteSectors(sector uint64, buf []byte) error {
	_, err := f.f.WriteAt(buf, int64(sector<<store.SectorShift))
	return err
}

func (f *File) Close() error {
	return f.f.Close()
}
