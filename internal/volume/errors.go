// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Invalid mode, wrong number of stores for the mode or misaligned
	// stripe unit. Returned by Create before anything is attached.
	ErrConfig = errors.New("invalid volume configuration")

	// A backing store could not be opened. Returned by Create after all
	// previously attached stores are closed again.
	ErrAttach = errors.New("attaching backing store failed")

	// The request arrived after Delete was called.
	ErrRejected = errors.New("request rejected, volume is being deleted")

	// The request could not be translated or one of its sub-requests
	// failed. Only the request is failed, the volume is not affected.
	ErrIO = errors.New("i/o error")

	// Delete was already called.
	ErrNotActive = errors.New("volume is not active")
)

// MismatchError is returned by Verify when the members differ.
type MismatchError struct {
	// First sector where the members differ.
	Sector uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("members differ at sector %d", e.Sector)
}

func ioError(err error) error {
	return fmt.Errorf("%w: %w", ErrIO, err)
}
