// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Opener over already created stores. Identifiers are indexes into stores.
func openerFor(stores ...store.Store) (Opener, []string) {
	ids := make([]string, len(stores))
	for i := range stores {
		ids[i] = fmt.Sprint(i)
	}

	return OpenerFunc(func(id string) (store.Store, error) {
		var i int
		if _, err := fmt.Sscan(id, &i); err != nil || i >= len(stores) {
			return nil, fmt.Errorf("no store %q", id)
		}
		return stores[i], nil
	}), ids
}

func memoryStores(sectors ...uint64) []store.Store {
	stores := make([]store.Store, len(sectors))
	for i, s := range sectors {
		stores[i] = memory.NewStore(s)
	}

	return stores
}

func create(t *testing.T, cfg Config, stores ...store.Store) *Volume {
	t.Helper()

	opener, ids := openerFor(stores...)
	cfg.Stores = ids

	v, err := Create(cfg, opener)
	require.NoError(t, err)

	return v
}

// Store which keeps its content after Close, so it can be inspected after the
// volume is deleted.
type keepStore struct {
	store.Store
}

func (keepStore) Close() error {
	return nil
}

// Store which records its Close calls.
type closeRecorder struct {
	store.Store
	id     int
	closed *[]int
}

func (c closeRecorder) Close() error {
	*c.closed = append(*c.closed, c.id)
	return nil
}

// Store whose ops wait until the gate is closed. Every started op is announced
// on started.
type gatedStore struct {
	store.Store
	gate    chan struct{}
	started chan struct{}
}

func newGatedStore(s store.Store) *gatedStore {
	return &gatedStore{
		Store:   s,
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1024),
	}
}

func (g *gatedStore) Submit(op store.Op) <-chan error {
	done := make(chan error, 1)

	go func() {
		g.started <- struct{}{}
		<-g.gate
		done <- store.Do(g.Store, op)
	}()

	return done
}

func pattern(sectors uint64, seed byte) []byte {
	buf := make([]byte, sectors*store.SectorSize)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}

	return buf
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"mirror with one store", Config{Mode: Mirror, Stores: []string{"a"}}},
		{"mirror with three stores", Config{Mode: Mirror, Stores: []string{"a", "b", "c"}}},
		{"stripe without stores", Config{Mode: Stripe, StripeUnit: 4096}},
		{"stripe with zero unit", Config{Mode: Stripe, Stores: []string{"a"}}},
		{"stripe with misaligned unit", Config{Mode: Stripe, Stores: []string{"a"}, StripeUnit: 1000}},
		{"linear with two stores", Config{Mode: Linear, Capacity: 8, Stores: []string{"a", "b"}}},
		{"linear without capacity", Config{Mode: Linear}},
		{"unknown mode", Config{Mode: Mode(42), Capacity: 8}},
	}

	opener := OpenerFunc(func(id string) (store.Store, error) {
		t.Fatalf("store %q opened for invalid configuration", id)
		return nil, nil
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Create(tt.cfg, opener)
			assert.Nil(t, v)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Linear, Mirror, Stripe} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	_, err := ParseMode("raid5")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		stores   []uint64
		capacity uint64
	}{
		{"mirror is the smaller member", Config{Mode: Mirror}, []uint64{100, 80}, 80},
		{"stripe is N times the smallest member", Config{Mode: Stripe, StripeUnit: 4096}, []uint64{64, 128, 96}, 192},
		{"stripe with one sector unit", Config{Mode: Stripe, StripeUnit: 512}, []uint64{7, 9}, 14},
		{"stripe uses whole units only", Config{Mode: Stripe, StripeUnit: 4096}, []uint64{100, 100}, 192},
		{"linear without mirror target", Config{Mode: Linear, Capacity: 1000}, nil, 1000},
		{"linear clipped to mirror target", Config{Mode: Linear, Capacity: 1000}, []uint64{500}, 500},
		{"linear with bigger mirror target", Config{Mode: Linear, Capacity: 1000}, []uint64{2000}, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := create(t, tt.cfg, memoryStores(tt.stores...)...)
			assert.Equal(t, tt.capacity, v.Capacity())
			require.NoError(t, v.Delete())
		})
	}
}

func TestCreateRollsBackOnAttachFailure(t *testing.T) {
	var closed []int
	failure := errors.New("no such device")

	opener := OpenerFunc(func(id string) (store.Store, error) {
		var i int
		fmt.Sscan(id, &i)
		if i == 2 {
			return nil, failure
		}
		return closeRecorder{Store: memory.NewStore(8), id: i, closed: &closed}, nil
	})

	v, err := Create(Config{Mode: Stripe, StripeUnit: 512, Stores: []string{"0", "1", "2", "3"}}, opener)

	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrAttach)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, []int{1, 0}, closed)
}

func TestDeleteClosesStoresInReverseOrder(t *testing.T) {
	var closed []int

	stores := make([]store.Store, 3)
	for i := range stores {
		stores[i] = closeRecorder{Store: memory.NewStore(8), id: i, closed: &closed}
	}

	v := create(t, Config{Mode: Stripe, StripeUnit: 512}, stores...)
	require.NoError(t, v.Delete())

	assert.Equal(t, []int{2, 1, 0}, closed)
}

func TestDeleteTwice(t *testing.T) {
	v := create(t, Config{Mode: Linear, Capacity: 8})

	require.NoError(t, v.Delete())
	assert.ErrorIs(t, v.Delete(), ErrNotActive)
}

func TestSubmitAfterDelete(t *testing.T) {
	v := create(t, Config{Mode: Linear, Capacity: 8})
	require.NoError(t, v.Delete())

	called := false
	err := v.Submit(&Request{
		Dir:    store.Write,
		Length: 1,
		Buf:    make([]byte, store.SectorSize),
		Done:   func(Completion) { called = true },
	})

	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, called)
	assert.ErrorIs(t, v.Verify(), ErrRejected)
}

func TestDeleteWaitsForRequestsInFlight(t *testing.T) {
	gated := []*gatedStore{newGatedStore(memory.NewStore(64)), newGatedStore(memory.NewStore(64))}
	v := create(t, Config{Mode: Stripe, StripeUnit: 4096}, gated[0], gated[1])

	const requests = 8

	var wg sync.WaitGroup
	results := make(chan error, requests)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		err := v.Submit(&Request{
			Dir:    store.Write,
			Sector: uint64(i) * 8,
			Length: 8,
			Buf:    pattern(8, byte(i)),
			Done: func(c Completion) {
				results <- c.Err
				wg.Done()
			},
		})
		require.NoError(t, err)
	}

	// Every request has at least one sub-request stuck in a store.
	for i := 0; i < requests; i++ {
		select {
		case <-gated[0].started:
		case <-gated[1].started:
		}
	}

	deleted := make(chan error)
	go func() {
		deleted <- v.Delete()
	}()

	// Delete switches the state before it starts waiting.
	require.Eventually(t, func() bool {
		return v.state.Load() != stateActive
	}, time.Second, time.Millisecond)

	err := v.Submit(&Request{Dir: store.Read, Length: 1, Buf: make([]byte, store.SectorSize)})
	assert.ErrorIs(t, err, ErrRejected)

	select {
	case <-deleted:
		t.Fatal("Delete returned with requests in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated[0].gate)
	close(gated[1].gate)

	require.NoError(t, <-deleted)
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(0), v.refs.Load())
}
