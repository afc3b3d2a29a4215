// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/memory"
)

// Volume states. There is no way back. A volume which is not yet created is
// never visible to anybody, hence there is no state for it.
const (
	stateActive int32 = iota + 1
	stateDraining
	stateDestroyed
)

// Opener attaches backing stores by their identifiers.
type Opener interface {
	Open(id string) (store.Store, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(id string) (store.Store, error)

func (f OpenerFunc) Open(id string) (store.Store, error) {
	return f(id)
}

// Volume is the logical block device. It owns its backing stores from Create
// until Delete. The store list and the capacity never change in between, so
// they are read without any locking.
type Volume struct {
	mode Mode

	// Capacity of the volume in sectors.
	capacity uint64

	// Stripe unit in sectors.
	unit uint64

	// Backing stores in attach order.
	stores []store.Store

	// Linear mode only. Owned memory with the data and the optional mirror
	// target, which is the only store in stores.
	data   *memory.Memory
	mirror store.Store

	state atomic.Int32

	// Requests in flight plus one base reference held by the volume
	// itself until Delete. Once it drops to zero it stays zero.
	refs atomic.Int64

	// Delete waits on drained until refs drops to zero.
	mu      sync.Mutex
	drained *sync.Cond
}

// Create validates cfg, attaches all stores in order and computes the
// capacity. When any store fails to attach, the already attached ones are
// closed in reverse order and nothing is left behind. The returned volume is
// ready to serve requests.
func Create(cfg Config, opener Opener) (*Volume, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := &Volume{
		mode: cfg.Mode,
		unit: cfg.StripeUnit >> store.SectorShift,
	}

	for _, id := range cfg.Stores {
		s, err := opener.Open(id)
		if err != nil {
			if rerr := v.closeStores(); rerr != nil {
				log.Info().Err(rerr).Msg("Closing stores after failed attach")
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrAttach, id, err)
		}

		v.stores = append(v.stores, s)
		log.Debug().Str("store", id).Uint64("sectors", s.Sectors()).Msg("Store attached")
	}

	v.capacity = v.computeCapacity(cfg.Capacity)

	if v.mode == Linear {
		if len(v.stores) == 1 {
			v.mirror = v.stores[0]
		}
		v.data = memory.New(v.capacity)
	}

	v.drained = sync.NewCond(&v.mu)
	v.refs.Store(1)
	v.state.Store(stateActive)

	log.Info().
		Str("mode", v.mode.String()).
		Int("stores", len(v.stores)).
		Str("size", humanize.IBytes(v.capacity<<store.SectorShift)).
		Msg("Volume created")

	return v, nil
}

// Mirror is as big as its smaller member. Stripe uses the same amount of
// whole stripe units from every member. Linear is as big as requested unless
// the mirror target is smaller.
func (v *Volume) computeCapacity(requested uint64) uint64 {
	switch v.mode {
	case Mirror:
		return v.minStoreSectors()

	case Stripe:
		perStore := v.minStoreSectors()
		perStore -= perStore % v.unit
		return perStore * uint64(len(v.stores))
	}

	if len(v.stores) == 1 && v.stores[0].Sectors() < requested {
		return v.stores[0].Sectors()
	}

	return requested
}

func (v *Volume) minStoreSectors() uint64 {
	min := v.stores[0].Sectors()
	for _, s := range v.stores[1:] {
		if s.Sectors() < min {
			min = s.Sectors()
		}
	}

	return min
}

// Capacity of the volume in sectors.
func (v *Volume) Capacity() uint64 {
	return v.capacity
}

func (v *Volume) Mode() Mode {
	return v.mode
}

// Delete stops admission of new requests, waits until all requests in flight
// are finished and closes the stores in reverse attach order. It can be
// called only once, following calls return ErrNotActive.
func (v *Volume) Delete() error {
	if !v.state.CompareAndSwap(stateActive, stateDraining) {
		return ErrNotActive
	}

	log.Info().Int64("inflight", v.refs.Load()-1).Msg("Draining volume")

	v.put()

	v.mu.Lock()
	for v.refs.Load() != 0 {
		v.drained.Wait()
	}
	v.mu.Unlock()

	err := v.closeStores()

	if v.data != nil {
		v.data.Close()
	}

	v.state.Store(stateDestroyed)
	log.Info().Msg("Volume destroyed")

	return err
}

// Closes all attached stores in reverse attach order. All of them are closed
// even if some fail.
func (v *Volume) closeStores() error {
	var err error

	for i := len(v.stores) - 1; i >= 0; i-- {
		if cerr := v.stores[i].Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing store %d: %w", i, cerr))
		}
	}

	return err
}

// Takes a reference for a new request. Fails when the volume is not active.
// The state is checked again after the reference is taken, so no request
// slips in after Delete switched the state.
func (v *Volume) get() bool {
	if v.state.Load() != stateActive {
		return false
	}

	for {
		refs := v.refs.Load()
		if refs == 0 {
			return false
		}
		if v.refs.CompareAndSwap(refs, refs+1) {
			break
		}
	}

	if v.state.Load() != stateActive {
		v.put()
		return false
	}

	return true
}

// Takes one more reference for the caller which already holds one.
func (v *Volume) hold() {
	v.refs.Add(1)
}

// Drops a reference. The last one wakes up Delete.
func (v *Volume) put() {
	if v.refs.Add(-1) == 0 {
		v.mu.Lock()
		v.drained.Broadcast()
		v.mu.Unlock()
	}
}
