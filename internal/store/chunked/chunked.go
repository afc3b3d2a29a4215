// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package chunked implements a store on top of an object backend. The store
// address space is cut into objects of the same size, object key is the index
// of the object. Objects are created lazily by the first write, hence an empty
// backend is a zeroed store.
//
// Writes covering a whole object just replace it. Partial writes have to
// download the object, patch it and upload it again, which is done under a
// per object lock so two partial writes into different sectors of the same
// object do not overwrite each other.
package chunked

import (
	"github.com/im7mortal/kmutex"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/objproxy"
)

type Chunked struct {
	proxy *objproxy.ObjectProxy

	// Size of one object in bytes. Multiple of store.SectorSize.
	objectSize uint64

	// Capacity of the store in sectors.
	sectors uint64

	// Locks held during read-modify-write of an object, keyed by object
	// key.
	locks *kmutex.Kmutex
}

// New returns store with capacity of sectors kept in objects of objectSize
// bytes behind the proxy. The store owns the proxy and closes it on Close.
func New(proxy *objproxy.ObjectProxy, objectSize, sectors uint64) (*Chunked, error) {
	if objectSize == 0 || objectSize%store.SectorSize != 0 {
		return nil, errors.Errorf("object size %d is not a positive multiple of %d",
			objectSize, store.SectorSize)
	}

	c := Chunked{
		proxy:      proxy,
		objectSize: objectSize,
		sectors:    sectors,
		locks:      kmutex.New(),
	}

	return &c, nil
}

func (c *Chunked) Sectors() uint64 {
	return c.sectors
}

func (c *Chunked) Submit(op store.Op) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- c.serve(op)
	}()

	return done
}

func (c *Chunked) Close() error {
	return c.proxy.Close()
}

// Splits the op into pieces, one per object, and transfers all of them in
// parallel. The first error is returned after all pieces finish.
func (c *Chunked) serve(op store.Op) error {
	if err := store.Check(op, c.sectors); err != nil {
		return err
	}

	prio := !op.Background
	pos := op.Sector << store.SectorShift
	buf := op.Buf

	var g errgroup.Group
	for len(buf) > 0 {
		key := int64(pos / c.objectSize)
		offset := pos % c.objectSize

		n := c.objectSize - offset
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		piece := buf[:n]

		if op.Dir == store.Write {
			g.Go(func() error { return c.writePiece(key, offset, piece, prio) })
		} else {
			g.Go(func() error { return c.readPiece(key, offset, piece, prio) })
		}

		buf = buf[n:]
		pos += n
	}

	return g.Wait()
}

// Objects never written read as zeros.
func (c *Chunked) readPiece(key int64, offset uint64, piece []byte, prio bool) error {
	err := c.proxy.Download(key, piece, int64(offset), prio)
	if errors.Is(err, objproxy.ErrNotFound) {
		for i := range piece {
			piece[i] = 0
		}
		return nil
	}

	return errors.Wrapf(err, "downloading object %d", key)
}

func (c *Chunked) writePiece(key int64, offset uint64, piece []byte, prio bool) error {
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if offset == 0 && uint64(len(piece)) == c.objectSize {
		return errors.Wrapf(c.proxy.Upload(key, piece, prio), "uploading object %d", key)
	}

	object := make([]byte, c.objectSize)
	err := c.proxy.Download(key, object, 0, prio)
	if err != nil && !errors.Is(err, objproxy.ErrNotFound) {
		return errors.Wrapf(err, "downloading object %d for update", key)
	}

	copy(object[offset:], piece)

	return errors.Wrapf(c.proxy.Upload(key, object, prio), "uploading object %d", key)
}
