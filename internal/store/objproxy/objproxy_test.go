// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// In-memory backend. Every DownloadAt is recorded and waits for the gate when
// there is one.
type memBackend struct {
	mu        sync.Mutex
	objects   map[int64][]byte
	downloads []int64
	gate      chan struct{}
	closed    bool
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[int64][]byte)}
}

func (b *memBackend) Upload(key int64, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = append([]byte(nil), buf...)
	return nil
}

func (b *memBackend) DownloadAt(key int64, buf []byte, offset int64) error {
	if b.gate != nil {
		<-b.gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.downloads = append(b.downloads, key)

	o, ok := b.objects[key]
	if !ok {
		return ErrNotFound
	}
	copy(buf, o[offset:])

	return nil
}

func (b *memBackend) GetObjectSize(key int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[key]
	if !ok {
		return 0, ErrNotFound
	}

	return int64(len(o)), nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return nil
}

func TestUploadDownload(t *testing.T) {
	b := newMemBackend()
	p := New(b, 4, 4)

	require.NoError(t, p.Upload(7, []byte("hello world"), false))

	buf := make([]byte, 5)
	require.NoError(t, p.Download(7, buf, 6, true))
	assert.Equal(t, []byte("world"), buf)

	assert.ErrorIs(t, p.Download(8, buf, 0, false), ErrNotFound)

	require.NoError(t, p.Close())
	assert.True(t, b.closed)
}

func TestClosed(t *testing.T) {
	p := New(newMemBackend(), 1, 1)
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Close(), ErrClosed)
	assert.ErrorIs(t, p.Upload(1, nil, false), ErrClosed)
	assert.ErrorIs(t, p.Download(1, nil, 0, true), ErrClosed)
}

func TestZeroWorkersAreClamped(t *testing.T) {
	p := New(newMemBackend(), 0, -3)
	defer p.Close()

	assert.Equal(t, 1, p.uploaders)
	assert.Equal(t, 1, p.downloaders)
	assert.NoError(t, p.Upload(1, []byte{1}, false))
}

// With a single busy worker, waiting priority request is picked before the
// waiting normal one.
func TestPriority(t *testing.T) {
	b := newMemBackend()
	b.gate = make(chan struct{})
	p := New(b, 1, 1)

	var wg sync.WaitGroup
	download := func(key int64, prio bool) {
		defer wg.Done()
		p.Download(key, make([]byte, 1), 0, prio)
	}

	wg.Add(1)
	go download(1, false)
	b.gate <- struct{}{}

	// The worker is back in receiveRequest, block it in the backend again
	// and queue one request of each priority behind it.
	wg.Add(3)
	go download(2, false)
	time.Sleep(20 * time.Millisecond)
	go download(3, false)
	go download(4, true)
	time.Sleep(50 * time.Millisecond)

	close(b.gate)
	wg.Wait()

	require.NoError(t, p.Close())

	require.Len(t, b.downloads, 4)
	assert.Equal(t, []int64{1, 2, 4, 3}, b.downloads)
}
