// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package attach opens backing stores from their identifiers. Identifier is
// either an absolute path to a block device or an image file, or an url whose
// scheme selects the store implementation:
//
//	/dev/sdb, file:///var/lib/vbd/disk.img    block device or image file
//	mem:64MiB                                 zeroed memory
//	null:1GiB                                 discards writes, reads zeros
//	nbd://host/export, nbd+unix:///e?socket=  NBD export via libnbd
//	s3://bucket/prefix?size=1GiB              objects in S3
//	badger:///var/lib/vbd/d0?size=1GiB        objects in local badger db
package attach

import (
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/asch/vbd/internal/config"
	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/chunked"
	"github.com/asch/vbd/internal/store/file"
	"github.com/asch/vbd/internal/store/kv"
	"github.com/asch/vbd/internal/store/memory"
	"github.com/asch/vbd/internal/store/nbd"
	"github.com/asch/vbd/internal/store/null"
	"github.com/asch/vbd/internal/store/objproxy"
	"github.com/asch/vbd/internal/store/objproxy/s3"
)

var ErrUnknownScheme = errors.New("unknown store scheme")

// Options for stores which need more than their identifier.
type Options struct {
	// Connection parameters for s3 stores. Bucket and Prefix are taken
	// from the identifier.
	S3 s3.Options

	// Number of proxy workers for object stores.
	Uploaders   int
	Downloaders int

	// Object size in bytes for object stores.
	ObjectSize uint64
}

// Returns options filled from the global configuration.
func OptionsFromConfig() Options {
	return Options{
		S3: s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		},
		Uploaders:   config.Cfg.S3.Uploaders,
		Downloaders: config.Cfg.S3.Downloaders,
		ObjectSize:  uint64(config.Cfg.Object.Size),
	}
}

// Opener opens stores according to their identifiers.
type Opener struct {
	options Options
}

func New(o Options) *Opener {
	return &Opener{options: o}
}

// Open returns attached store identified by id.
func (o *Opener) Open(id string) (store.Store, error) {
	if strings.HasPrefix(id, "/") {
		return openFile(id)
	}

	u, err := url.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing store identifier %q", id)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)

	case "mem":
		sectors, err := parseSize(u.Opaque)
		if err != nil {
			return nil, err
		}
		return memory.NewStore(sectors), nil

	case "null":
		sectors, err := parseSize(u.Opaque)
		if err != nil {
			return nil, err
		}
		return store.FromDevice(null.NewNull(sectors)), nil

	case "nbd", "nbds", "nbd+unix", "nbds+unix", "nbd+vsock", "nbds+vsock":
		n, err := nbd.Connect(id)
		if err != nil {
			return nil, err
		}
		return store.FromDevice(n), nil

	case "s3":
		return o.openS3(u)

	case "badger":
		return o.openBadger(u)
	}

	return nil, errors.Wrapf(ErrUnknownScheme, "%q", u.Scheme)
}

func openFile(path string) (store.Store, error) {
	f, err := file.Open(path)
	if err != nil {
		return nil, err
	}

	return store.FromDevice(f), nil
}

func (o *Opener) openS3(u *url.URL) (store.Store, error) {
	sectors, err := parseSize(u.Query().Get("size"))
	if err != nil {
		return nil, err
	}

	options := o.options.S3
	options.Bucket = u.Host
	options.Prefix = u.Path

	backend, err := s3.New(options)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to bucket %q", u.Host)
	}

	return o.chunked(backend, sectors)
}

func (o *Opener) openBadger(u *url.URL) (store.Store, error) {
	sectors, err := parseSize(u.Query().Get("size"))
	if err != nil {
		return nil, err
	}

	backend, err := kv.Open(u.Path)
	if err != nil {
		return nil, err
	}

	return o.chunked(backend, sectors)
}

func (o *Opener) chunked(backend objproxy.ObjectUploadDownloaderAt, sectors uint64) (store.Store, error) {
	proxy := objproxy.New(backend, o.options.Uploaders, o.options.Downloaders)

	c, err := chunked.New(proxy, o.options.ObjectSize, sectors)
	if err != nil {
		proxy.Close()
		return nil, err
	}

	return c, nil
}

// Parses human readable size like 64MiB and returns it in whole sectors.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("store size is missing")
	}

	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing store size %q", s)
	}

	sectors := size >> store.SectorShift
	if sectors == 0 {
		return 0, errors.Errorf("store size %q is smaller than one sector", s)
	}

	return sectors, nil
}
