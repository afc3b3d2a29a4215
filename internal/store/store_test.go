// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		op   store.Op
		err  error
	}{
		{"whole store", store.Op{Sector: 0, Buf: make([]byte, 8*store.SectorSize)}, nil},
		{"last sector", store.Op{Sector: 7, Buf: make([]byte, store.SectorSize)}, nil},
		{"empty at the end", store.Op{Sector: 8}, nil},
		{"crossing the end", store.Op{Sector: 7, Buf: make([]byte, 2*store.SectorSize)}, store.ErrOutOfRange},
		{"behind the end", store.Op{Sector: 9}, store.ErrOutOfRange},
		{"huge sector", store.Op{Sector: ^uint64(0), Buf: make([]byte, store.SectorSize)}, store.ErrOutOfRange},
		{"unaligned", store.Op{Sector: 0, Buf: make([]byte, 100)}, store.ErrUnaligned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Check(tt.op, 8)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestFromDevice(t *testing.T) {
	s := memory.NewStore(16)
	defer s.Close()

	data := make([]byte, 2*store.SectorSize)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, store.Do(s, store.Op{Dir: store.Write, Sector: 14, Buf: data}))

	got := make([]byte, len(data))
	require.NoError(t, store.Do(s, store.Op{Dir: store.Read, Sector: 14, Buf: got}))
	assert.Equal(t, data, got)

	err := store.Do(s, store.Op{Dir: store.Write, Sector: 15, Buf: data})
	assert.ErrorIs(t, err, store.ErrOutOfRange)
}

// Nobody has to read the result of a submitted op.
func TestSubmitWithoutWaiting(t *testing.T) {
	s := memory.NewStore(1)
	defer s.Close()

	done := s.Submit(store.Op{Dir: store.Write, Buf: make([]byte, store.SectorSize)})
	assert.Equal(t, 1, cap(done))
	<-done
}

func TestOpSectors(t *testing.T) {
	assert.Equal(t, uint64(3), store.Op{Buf: make([]byte, 3*store.SectorSize)}.Sectors())
	assert.Equal(t, "read", store.Read.String())
	assert.Equal(t, "write", store.Write.String())
}
