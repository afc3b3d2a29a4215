// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vbd/internal/store"
)

// Typical number of sub-requests of one striped request. Just an optimization
// of memory allocation, in the worst case reallocation happens.
const typicalSubRequests = 8

// Sub-request is a contiguous range addressed to exactly one store. Its buffer
// is a part of the buffer of the logical request.
type subRequest struct {
	store int
	op    store.Op
}

// Translates a logical request of mirror or stripe volume to sub-requests.
// Sub-requests are ordered by the logical sector. Requests which do not fit
// into the volume are refused as a whole, nothing is truncated.
func (v *Volume) translate(dir store.Dir, sector uint64, buf []byte) ([]subRequest, error) {
	length := uint64(len(buf)) >> store.SectorShift

	if sector > v.capacity || length > v.capacity-sector {
		return nil, errors.Wrapf(store.ErrOutOfRange, "%d sectors at %d, volume capacity %d",
			length, sector, v.capacity)
	}

	switch v.mode {
	case Mirror:
		return v.mirrored(dir, sector, buf), nil
	case Stripe:
		return v.striped(dir, sector, buf), nil
	}

	return nil, errors.Errorf("%s volume has no translation", v.mode)
}

// Writes go to both members verbatim, reads are served by the first member.
func (v *Volume) mirrored(dir store.Dir, sector uint64, buf []byte) []subRequest {
	op := store.Op{Dir: dir, Sector: sector, Buf: buf}

	if dir == store.Write {
		return []subRequest{{store: 0, op: op}, {store: 1, op: op}}
	}

	return []subRequest{{store: 0, op: op}}
}

// Cuts the request at stripe unit boundaries. Stripe unit number chunk lives
// on store chunk mod N at offset chunk div N stripe units. With stripe unit of
// one sector it is simply store s mod N at offset s div N.
func (v *Volume) striped(dir store.Dir, sector uint64, buf []byte) []subRequest {
	n := uint64(len(v.stores))
	subs := make([]subRequest, 0, typicalSubRequests)

	for len(buf) > 0 {
		chunk := sector / v.unit
		within := sector % v.unit

		length := v.unit - within
		if rest := uint64(len(buf)) >> store.SectorShift; rest < length {
			length = rest
		}

		subs = append(subs, subRequest{
			store: int(chunk % n),
			op: store.Op{
				Dir:    dir,
				Sector: (chunk/n)*v.unit + within,
				Buf:    buf[:length<<store.SectorShift],
			},
		})

		buf = buf[length<<store.SectorShift:]
		sector += length
	}

	return subs
}

// Issues the sub-requests and waits for all of them. Sub-requests of one store
// are issued one after another in the translation order, different stores are
// served in parallel. After the first failure no further sub-request is
// issued and the failure is returned once the running ones finish.
func (v *Volume) issue(subs []subRequest) error {
	perStore := make([][]store.Op, len(v.stores))
	for _, s := range subs {
		perStore[s.store] = append(perStore[s.store], s.op)
	}

	g, ctx := errgroup.WithContext(context.Background())

	for i, ops := range perStore {
		if len(ops) == 0 {
			continue
		}

		i, ops := i, ops
		g.Go(func() error {
			for _, op := range ops {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := store.Do(v.stores[i], op); err != nil {
					return errors.Wrapf(err, "store %d", i)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Serves the linear request from the memory. The transfer is truncated at the
// end of the volume. Writes are duplicated to the mirror target in parallel
// with the memory copy but the request does not wait for the duplicate. The
// duplicate holds a volume reference so Delete waits for it and it gets its
// own copy of the data so the caller can reuse the buffer right after the
// request is done.
func (v *Volume) linear(dir store.Dir, sector uint64, buf []byte) uint64 {
	length := v.clip(sector, uint64(len(buf))>>store.SectorShift)

	if dir == store.Write && v.mirror != nil && length > 0 {
		dup := append([]byte(nil), buf[:length<<store.SectorShift]...)

		v.hold()
		go func() {
			defer v.put()

			err := store.Do(v.mirror, store.Op{Dir: store.Write, Sector: sector, Buf: dup})
			if err != nil {
				log.Info().Err(err).Uint64("sector", sector).Msg("Mirror target write failed")
			}
		}()
	}

	return v.data.Transfer(dir, sector, buf[:length<<store.SectorShift])
}

// Returns how many of length sectors starting at sector fit into the volume.
func (v *Volume) clip(sector, length uint64) uint64 {
	if sector >= v.capacity {
		return 0
	}

	if length > v.capacity-sector {
		return v.capacity - sector
	}

	return length
}
