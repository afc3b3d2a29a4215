// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/vbd/internal/store/objproxy"
)

func open(t *testing.T, dir string) *KV {
	t.Helper()

	kv, err := Open(dir)
	require.NoError(t, err)

	return kv
}

func TestObjects(t *testing.T) {
	kv := open(t, "")
	defer kv.Close()

	buf := []byte("0123456789")
	require.NoError(t, kv.Upload(3, buf))

	// The value is copied.
	buf[0] = 'x'

	size, err := kv.GetObjectSize(3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	got := make([]byte, 4)
	require.NoError(t, kv.DownloadAt(3, got, 0))
	assert.Equal(t, []byte("0123"), got)

	require.NoError(t, kv.DownloadAt(3, got, 6))
	assert.Equal(t, []byte("6789"), got)

	assert.Error(t, kv.DownloadAt(3, got, 8))
}

func TestNotFound(t *testing.T) {
	kv := open(t, "")
	defer kv.Close()

	_, err := kv.GetObjectSize(1)
	assert.ErrorIs(t, err, objproxy.ErrNotFound)
	assert.ErrorIs(t, kv.DownloadAt(1, make([]byte, 1), 0), objproxy.ErrNotFound)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	kv := open(t, dir)
	require.NoError(t, kv.Upload(1<<40, []byte("persistent")))
	require.NoError(t, kv.Close())

	kv = open(t, dir)
	defer kv.Close()

	got := make([]byte, 10)
	require.NoError(t, kv.DownloadAt(1<<40, got, 0))
	assert.Equal(t, []byte("persistent"), got)
}

func TestKeysAreOrdered(t *testing.T) {
	assert.Less(t, string(encode(1)), string(encode(2)))
	assert.Less(t, string(encode(255)), string(encode(256)))
}
