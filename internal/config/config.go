// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/vbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Volume struct {
		Mode       string   `toml:"mode" env:"VBD_MODE" env-default:"linear" env-description:"Volume mode. One of mirror, stripe or linear."`
		SizeStr    string   `toml:"size" env:"VBD_SIZE" env-default:"64MiB" env-description:"Volume size for linear mode, e.g. 64MiB or 8GB. Ignored by other modes."`
		Stores     []string `toml:"stores" env:"VBD_STORES" env-separator:"," env-description:"Backing store identifiers. Exactly 2 for mirror, at least 1 for stripe, 0 or 1 mirror target for linear."`
		StripeUnit int      `toml:"stripe_unit" env:"VBD_STRIPE_UNIT" env-default:"4096" env-description:"Stripe unit in bytes. Positive multiple of 512."`

		// Size in bytes, parsed from SizeStr.
		Size uint64 `toml:"-"`
	} `toml:"volume"`

	Buse struct {
		Major      int  `toml:"major" env:"VBD_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
		Threads    int  `toml:"threads" env:"VBD_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		BlockSize  int  `toml:"block_size" env:"VBD_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
		Scheduler  bool `toml:"scheduler" env:"VBD_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		QueueDepth int  `toml:"queue_depth" env:"VBD_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

		Write struct {
			Durable       bool `toml:"durable" env:"VBD_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
			BufSize       int  `toml:"shared_buffer_size" env:"VBD_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
			ChunkSize     int  `toml:"chunk_size" env:"VBD_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
			CollisionSize int  `toml:"collision_chunk_size" env:"VBD_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
		} `toml:"write"`

		Read struct {
			BufSize int `toml:"shared_buffer_size" env:"VBD_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
		} `toml:"read"`
	} `toml:"buse"`

	S3 struct {
		Remote      string `toml:"remote" env:"VBD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"VBD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"VBD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"VBD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"VBD_S3_UPLOADERS" env-description:"Max number of uploader threads per object store." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"VBD_S3_DOWNLOADERS" env-description:"Max number of downloader threads per object store." env-default:"16"`
	} `toml:"s3"`

	Object struct {
		SizeStr string `toml:"size" env:"VBD_OBJECT_SIZE" env-description:"Object size of s3 and badger stores, e.g. 1MiB. Multiple of 512." env-default:"1MiB"`

		// Size in bytes, parsed from SizeStr.
		Size uint64 `toml:"-"`
	} `toml:"object"`

	Log struct {
		Level  int  `toml:"level" env:"VBD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"VBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"VBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	var err error

	Cfg.Volume.Size, err = humanize.ParseBytes(Cfg.Volume.SizeStr)
	if err != nil {
		return errors.Wrap(err, "parsing volume size")
	}

	Cfg.Object.Size, err = humanize.ParseBytes(Cfg.Object.SizeStr)
	if err != nil {
		return errors.Wrap(err, "parsing object size")
	}

	Cfg.Buse.Write.BufSize *= 1024 * 1024
	Cfg.Buse.Write.ChunkSize *= 1024 * 1024
	Cfg.Buse.Write.CollisionSize *= 1024 * 1024
	Cfg.Buse.Read.BufSize *= 1024 * 1024

	if Cfg.Buse.BlockSize != 512 {
		Cfg.Buse.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("vbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
