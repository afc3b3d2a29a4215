// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"github.com/pkg/errors"

	"github.com/asch/vbd/internal/store"
)

type Mode int

const (
	Linear Mode = iota
	Mirror
	Stripe
)

var modeNames = map[Mode]string{
	Linear: "linear",
	Mirror: "mirror",
	Stripe: "stripe",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}

	return "unknown"
}

// ParseMode returns mode for its name as used in the configuration.
func ParseMode(name string) (Mode, error) {
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}

	return 0, errors.Wrapf(ErrConfig, "unknown mode %q", name)
}

// Config describes the volume to create. It is not changed after Create.
type Config struct {
	Mode Mode

	// Requested capacity in sectors. Used only by linear mode, it is
	// clipped to the capacity of the mirror target if there is one.
	Capacity uint64

	// Identifiers of the backing stores in attach order. Exactly 2 for
	// mirror, at least 1 for stripe, 0 or 1 mirror target for linear.
	Stores []string

	// Stripe unit in bytes. Positive multiple of store.SectorSize. Used
	// only by stripe mode.
	StripeUnit uint64
}

func (c *Config) validate() error {
	switch c.Mode {
	case Mirror:
		if len(c.Stores) != 2 {
			return errors.Wrapf(ErrConfig, "mirror needs exactly 2 stores, got %d", len(c.Stores))
		}

	case Stripe:
		if len(c.Stores) < 1 {
			return errors.Wrap(ErrConfig, "stripe needs at least 1 store")
		}
		if c.StripeUnit == 0 || c.StripeUnit%store.SectorSize != 0 {
			return errors.Wrapf(ErrConfig, "stripe unit %d is not a positive multiple of %d",
				c.StripeUnit, store.SectorSize)
		}

	case Linear:
		if len(c.Stores) > 1 {
			return errors.Wrapf(ErrConfig, "linear takes at most 1 mirror target, got %d", len(c.Stores))
		}
		if c.Capacity == 0 {
			return errors.Wrap(ErrConfig, "linear needs positive capacity")
		}

	default:
		return errors.Wrapf(ErrConfig, "unknown mode %d", c.Mode)
	}

	return nil
}
