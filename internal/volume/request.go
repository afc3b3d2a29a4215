// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vbd/internal/store"
)

// Completion is delivered to Request.Done when the request is finished.
type Completion struct {
	// Number of sectors transferred. Less than requested only for linear
	// requests crossing the end of the volume.
	Sectors uint64

	// Nil on success, ErrIO otherwise.
	Err error
}

// Request is one logical I/O on the volume.
type Request struct {
	Dir store.Dir

	// First sector and the number of sectors of the request.
	Sector uint64
	Length uint64

	// Caller's memory with at least Length sectors. It is read from or
	// written to until Done is called.
	Buf []byte

	// Called exactly once from a different go routine when the request is
	// finished. Not called when Submit returns an error.
	Done func(Completion)
}

// Submit admits the request and returns immediately, the request is served
// asynchronously. When the volume is being deleted the request is rejected
// with ErrRejected and nothing else happens.
func (v *Volume) Submit(r *Request) error {
	if !v.get() {
		log.Debug().Uint64("sector", r.Sector).Str("dir", r.Dir.String()).Msg("Request rejected")
		return ErrRejected
	}

	go v.serve(r)

	return nil
}

func (v *Volume) serve(r *Request) {
	n, err := v.handle(r)
	if err != nil {
		log.Debug().Err(err).Uint64("sector", r.Sector).Uint64("length", r.Length).
			Str("dir", r.Dir.String()).Msg("Request failed")
	}

	if r.Done != nil {
		r.Done(Completion{Sectors: n, Err: err})
	}

	v.put()
}

func (v *Volume) handle(r *Request) (uint64, error) {
	if uint64(len(r.Buf))>>store.SectorShift < r.Length {
		return 0, ioError(errors.Errorf("buffer of %d bytes is too short for %d sectors",
			len(r.Buf), r.Length))
	}

	buf := r.Buf[:r.Length<<store.SectorShift]

	if v.mode == Linear {
		return v.linear(r.Dir, r.Sector, buf), nil
	}

	subs, err := v.translate(r.Dir, r.Sector, buf)
	if err != nil {
		return 0, ioError(err)
	}

	if err := v.issue(subs); err != nil {
		return 0, ioError(err)
	}

	return r.Length, nil
}

// Do submits the request and waits until it is finished. Done of r is
// replaced.
func (v *Volume) Do(r Request) (uint64, error) {
	done := make(chan Completion, 1)
	r.Done = func(c Completion) {
		done <- c
	}

	if err := v.Submit(&r); err != nil {
		return 0, err
	}

	c := <-done

	return c.Sectors, c.Err
}

// ReadAt implements io.ReaderAt for sector aligned offsets and lengths.
func (v *Volume) ReadAt(p []byte, off int64) (int, error) {
	n, err := v.at(store.Read, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}

	return n, err
}

// WriteAt implements io.WriterAt for sector aligned offsets and lengths.
func (v *Volume) WriteAt(p []byte, off int64) (int, error) {
	n, err := v.at(store.Write, p, off)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}

	return n, err
}

func (v *Volume) at(dir store.Dir, p []byte, off int64) (int, error) {
	if off < 0 || off%store.SectorSize != 0 || len(p)%store.SectorSize != 0 {
		return 0, store.ErrUnaligned
	}

	n, err := v.Do(Request{
		Dir:    dir,
		Sector: uint64(off) >> store.SectorShift,
		Length: uint64(len(p)) >> store.SectorShift,
		Buf:    p,
	})

	return int(n << store.SectorShift), err
}
