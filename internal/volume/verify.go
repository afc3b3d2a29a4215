// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"bytes"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vbd/internal/store"
)

// Number of sectors compared in one step of Verify.
const verifyWindow = 256

type sectorReader func(sector uint64, buf []byte) error

// Verify compares the members of the volume and returns *MismatchError with
// the first differing sector. Mirror compares its two stores, linear compares
// the memory with its mirror target. Other volumes have nothing to compare.
// Nothing is ever repaired.
//
// Verify counts as a request in flight, so Delete waits for it. Writes running
// in parallel can make the members differ for a moment, hence the result is
// meaningful only on a quiet volume.
func (v *Volume) Verify() error {
	if !v.get() {
		return ErrRejected
	}
	defer v.put()

	var left, right sectorReader

	switch {
	case v.mode == Mirror:
		left, right = v.storeReader(v.stores[0]), v.storeReader(v.stores[1])
	case v.mode == Linear && v.mirror != nil:
		left, right = v.memoryReader, v.storeReader(v.mirror)
	default:
		return nil
	}

	lbuf := make([]byte, verifyWindow<<store.SectorShift)
	rbuf := make([]byte, verifyWindow<<store.SectorShift)

	for sector := uint64(0); sector < v.capacity; sector += verifyWindow {
		length := v.clip(sector, verifyWindow)
		l := lbuf[:length<<store.SectorShift]
		r := rbuf[:length<<store.SectorShift]

		var g errgroup.Group
		g.Go(func() error { return left(sector, l) })
		g.Go(func() error { return right(sector, r) })
		if err := g.Wait(); err != nil {
			return ioError(err)
		}

		if i := firstDifference(l, r); i >= 0 {
			return &MismatchError{Sector: sector + uint64(i)>>store.SectorShift}
		}
	}

	log.Info().Str("mode", v.mode.String()).Msg("Members are consistent")

	return nil
}

// Reads from the store with background priority.
func (v *Volume) storeReader(s store.Store) sectorReader {
	return func(sector uint64, buf []byte) error {
		return store.Do(s, store.Op{Dir: store.Read, Sector: sector, Buf: buf, Background: true})
	}
}

func (v *Volume) memoryReader(sector uint64, buf []byte) error {
	v.data.Transfer(store.Read, sector, buf)
	return nil
}

// Returns index of the first byte where a and b differ or -1.
func firstDifference(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}

	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}

	return -1
}
