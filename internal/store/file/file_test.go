// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vbd/internal/store"
)

func image(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	return path
}

func TestOpen(t *testing.T) {
	f, err := Open(image(t, 10*store.SectorSize+100))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint64(10), f.Sectors())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadWrite(t *testing.T) {
	path := image(t, 8*store.SectorSize)

	f, err := Open(path)
	require.NoError(t, err)

	data := make([]byte, 2*store.SectorSize)
	for i := range data {
		data[i] = byte(i * 7)
	}

	require.NoError(t, f.WriteSectors(3, data))

	got := make([]byte, len(data))
	require.NoError(t, f.ReadSectors(3, got))
	assert.Equal(t, data, got)

	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, raw[3*store.SectorSize:5*store.SectorSize])
}

func TestAsStore(t *testing.T) {
	f, err := Open(image(t, 4*store.SectorSize))
	require.NoError(t, err)

	s := store.FromDevice(f)
	defer s.Close()

	err = store.Do(s, store.Op{Dir: store.Read, Sector: 4, Buf: make([]byte, store.SectorSize)})
	assert.ErrorIs(t, err, store.ErrOutOfRange)
}
