// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploadDownloaderAt which performs
// prioritization of various requests.
package objproxy

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// Returned by DownloadAt and GetObjectSize of backends when the object
	// was never uploaded.
	ErrNotFound = errors.New("object not found")

	// Returned by the proxy after Close.
	ErrClosed = errors.New("object proxy closed")
)

// Interface for object backend storage. Anything implementing this interface
// can be used as a storage backend.
type ObjectUploadDownloaderAt interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	// Returns ErrNotFound when there is no such object.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key or ErrNotFound.
	GetObjectSize(key int64) (int64, error)

	// Releases the backend.
	Close() error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like consistency verification do not slow down normal
// operation.
type ObjectProxy struct {
	Instance ObjectUploadDownloaderAt

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	// Closed when the proxy is closed, all workers exit.
	quit    chan struct{}
	once    sync.Once
	workers sync.WaitGroup
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance ObjectUploadDownloaderAt, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}

	if downloaders < 1 {
		downloaders = 1
	}

	s := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	s.workers.Add(s.uploaders + s.downloaders)

	for i := 0; i < s.uploaders; i++ {
		go s.uploadWorker()
	}

	for i := 0; i < s.downloaders; i++ {
		go s.downloadWorker()
	}

	return s
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.send(c, request{key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.send(c, request{key: key, data: chunk, offset: offset})
}

func (p *ObjectProxy) send(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.quit:
		return ErrClosed
	}

	return <-r.done
}

// Stops all workers and closes the backend. Requests already picked by a
// worker are finished first.
func (p *ObjectProxy) Close() error {
	err := ErrClosed

	p.once.Do(func() {
		close(p.quit)
		p.workers.Wait()
		err = p.Instance.Close()
	})

	return err
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(p.uploadsPrio, p.uploads)
		if !ok {
			return
		}
		r.done <- p.Instance.Upload(r.key, r.data)
	}
}

// Download worker just calls DownloadAt() on the instance provided in New().
func (p *ObjectProxy) downloadWorker() {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}
		r.done <- p.Instance.DownloadAt(r.key, r.data, r.offset)
	}
}
