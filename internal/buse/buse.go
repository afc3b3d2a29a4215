// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package buse exposes a volume through the BUSE kernel module. It implements
// BuseReadWriter interface which can be passed to the buse package, which
// wraps the communication with the kernel and does all the low level work.
// Here we only translate the chunks coming from the kernel to the volume
// requests.
package buse

import (
	"encoding/binary"
	"os"
	"os/signal"
	"syscall"

	"github.com/asch/buse/lib/go/buse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/volume"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WRITE_ITEM_SIZE = 32
)

// One write from the write chunk. Sector and length are in store sectors.
type extent struct {
	Sector uint64
	Length uint64

	// Sequential number of the write. Writes in the chunk are already
	// ordered by it, hence it is not used.
	SeqNo uint64

	// Reserved for future usage.
	Flag uint64
}

// Device serves BUSE reads and writes from the volume and deletes the volume
// when the BUSE device is removed.
type Device struct {
	volume *volume.Volume

	// Block size of the BUSE device. Reads come in blocks.
	blockSize int64

	// Size of the object portion which contains all writes metadata in the
	// chunk from the kernel. After this metadata_size offset real data are
	// stored.
	metadata_size int

	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	write_item_size int

	verifyChan chan os.Signal
}

// New returns device serving volume v. blockSize and chunkSize has to be the
// same as in the buse.Options used for the device.
func New(v *volume.Volume, blockSize, chunkSize int) *Device {
	return &Device{
		volume:          v,
		blockSize:       int64(blockSize),
		metadata_size:   chunkSize / blockSize * WRITE_ITEM_SIZE,
		write_item_size: WRITE_ITEM_SIZE,
	}
}

var _ buse.BuseReadWriter = (*Device)(nil)

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadata_size and the rest are data of all writes in the same order.
//
// Writes are applied one after another because later writes in the chunk can
// overwrite earlier ones.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	if len(chunk) < d.metadata_size || int64(d.metadata_size) < writes*int64(d.write_item_size) {
		return errors.Errorf("write chunk of %d bytes cannot hold %d writes", len(chunk), writes)
	}

	metadata := chunk[:d.metadata_size]
	data := chunk[d.metadata_size:]

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:d.write_item_size])
		metadata = metadata[d.write_item_size:]

		size := e.Length << store.SectorShift
		if size > uint64(len(data)) {
			return errors.Errorf("write %d of %d sectors overflows the chunk", i, e.Length)
		}

		_, err := d.volume.Do(volume.Request{
			Dir:    store.Write,
			Sector: e.Sector,
			Length: e.Length,
			Buf:    data[:size],
		})
		if err != nil {
			log.Info().Err(err).Uint64("sector", e.Sector).Send()
			return err
		}

		data = data[size:]
	}

	return nil
}

// Read extent starting at sector with length length to the buffer chunk. Both
// are in device blocks.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	size := length * d.blockSize
	if size > int64(len(chunk)) {
		return errors.Errorf("read of %d blocks overflows the chunk", length)
	}

	_, err := d.volume.ReadAt(chunk[:size], sector*d.blockSize)
	if err != nil {
		log.Info().Err(err).Int64("block", sector).Send()
	}

	return err
}

// Before buse library communicating with the kernel starts, we register
// signal handler of SIGUSR1 which triggers verification of the volume members.
func (d *Device) BusePreRun() {
	d.verifyChan = make(chan os.Signal, 1)
	signal.Notify(d.verifyChan, syscall.SIGUSR1)

	go func() {
		for range d.verifyChan {
			log.Info().Msg("Verification started.")
			if err := d.volume.Verify(); err != nil {
				log.Error().Err(err).Msg("Verification failed.")
			} else {
				log.Info().Msg("Verification finished.")
			}
		}
	}()
}

// After disconnecting from the kernel module the volume is deleted. It waits
// for all requests in flight and releases the backing stores.
func (d *Device) BusePostRemove() {
	if d.verifyChan != nil {
		signal.Stop(d.verifyChan)
		close(d.verifyChan)
	}

	if err := d.volume.Delete(); err != nil {
		log.Info().Err(err).Msg("Deleting volume")
	}
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk. The kernel always uses 512 byte
// sectors, which are the store sectors as well.
func parseExtent(b []byte) extent {
	return extent{
		Sector: binary.LittleEndian.Uint64(b[:8]),
		Length: binary.LittleEndian.Uint64(b[8:16]),
		SeqNo:  binary.LittleEndian.Uint64(b[16:24]),
		Flag:   binary.LittleEndian.Uint64(b[24:32]),
	}
}
