// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vbd is a userspace daemon using BUSE for creating a block device composed
// of one or more backing stores. The volume mirrors two stores, stripes over
// several stores or keeps the data in memory with an optional mirror target.
// Backing stores can be block devices, image files, NBD exports, S3 buckets or
// local badger databases.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/volume contains the volume itself, i.e. translation of requests
// to the backing stores and the lifecycle of the volume.
//
// - internal/store contains the backing store interface and all its
// implementations. internal/store/attach opens them by their identifiers.
//
// - internal/buse connects the volume to the buse library.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"
	vbdbuse "github.com/asch/vbd/internal/buse"
	"github.com/asch/vbd/internal/config"
	"github.com/asch/vbd/internal/store"
	"github.com/asch/vbd/internal/store/attach"
	"github.com/asch/vbd/internal/volume"
)

// Parse configuration from file and environment variables, creates the volume
// and creates new buse device with it. The device is ran until it is signaled
// by SIGINT or SIGTERM to gracefully finish. The volume is deleted after the
// device is removed.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	vol, err := createVolume()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	buse, err := buse.New(vbdbuse.New(vol, config.Cfg.Buse.BlockSize, config.Cfg.Buse.Write.ChunkSize), buse.Options{
		Durable:        config.Cfg.Buse.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Buse.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.Buse.BlockSize),
		Threads:        int(config.Cfg.Buse.Threads),
		Major:          int64(config.Cfg.Buse.Major),
		WriteShmSize:   int64(config.Cfg.Buse.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Buse.Read.BufSize),
		Size:           int64(vol.Capacity() << store.SectorShift),
		CollisionArea:  int64(config.Cfg.Buse.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.Buse.QueueDepth),
		Scheduler:      config.Cfg.Buse.Scheduler,
	})

	if err != nil {
		vol.Delete()
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered!", config.Cfg.Buse.Major)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Buse.Major)
	buse.RemoveDevice()
}

// Creates the volume described by the configuration. Stores are opened with
// options from the configuration as well.
func createVolume() (*volume.Volume, error) {
	mode, err := volume.ParseMode(config.Cfg.Volume.Mode)
	if err != nil {
		return nil, err
	}

	return volume.Create(volume.Config{
		Mode:       mode,
		Capacity:   config.Cfg.Volume.Size >> store.SectorShift,
		Stores:     config.Cfg.Volume.Stores,
		StripeUnit: uint64(config.Cfg.Volume.StripeUnit),
	}, attach.New(attach.OptionsFromConfig()))
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Buse.Major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
