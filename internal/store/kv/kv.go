// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package kv implements ObjectUploadDownloaderAt on top of an embedded badger
// database. It is handy for a local persistent store without any object
// storage service around. One database directory holds one store.
package kv

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vbd/internal/store/objproxy"
)

const keyPrefix = "obj/"

type KV struct {
	db *badger.DB
}

// Open opens (or creates) the database in dir. An empty dir opens an in-memory
// database which is gone on Close.
func Open(dir string) (*KV, error) {
	opts := badger.DefaultOptions(dir).WithLogger(logger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger in %q", dir)
	}

	return &KV{db: db}, nil
}

func encode(key int64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], uint64(key))

	return k
}

// Upload stores a copy of buf under key. Badger keeps references to the
// value until the transaction is committed hence the copy.
func (kv *KV) Upload(key int64, buf []byte) error {
	value := append([]byte(nil), buf...)

	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encode(key), value)
	})
}

func (kv *KV) DownloadAt(key int64, buf []byte, offset int64) error {
	return kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encode(key))
		if err != nil {
			return notFound(err)
		}

		return item.Value(func(val []byte) error {
			if offset+int64(len(buf)) > int64(len(val)) {
				return errors.Errorf("range %d+%d out of object %d of size %d",
					offset, len(buf), key, len(val))
			}
			copy(buf, val[offset:])
			return nil
		})
	})
}

func (kv *KV) GetObjectSize(key int64) (int64, error) {
	var size int64

	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encode(key))
		if err != nil {
			return notFound(err)
		}
		size = item.ValueSize()
		return nil
	})

	return size, err
}

func (kv *KV) Close() error {
	return kv.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return objproxy.ErrNotFound
	}

	return err
}

// Routes badger messages to the global zerolog logger. Badger is quite
// talkative on info level hence it is logged as debug.
type logger struct{}

func (logger) Errorf(f string, v ...interface{}) {
	log.Error().Msgf(f, v...)
}

func (logger) Warningf(f string, v ...interface{}) {
	log.Warn().Msgf(f, v...)
}

func (logger) Infof(f string, v ...interface{}) {
	log.Debug().Msgf(f, v...)
}

func (logger) Debugf(f string, v ...interface{}) {
	log.Trace().Msgf(f, v...)
}
