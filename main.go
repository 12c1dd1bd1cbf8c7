// Copyright (C) 2024 The dedup Authors

// dedup is a userspace daemon using BUSE for creating a block device whose
// contents are deduplicated at block granularity. Every 4k block written to
// the device is fingerprinted and stored once in a transactional store, no
// matter how many addresses carry it; reference counts reclaim blocks that
// lose their last address.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/dedup contains the engine: the device façade, the resolution
// policies and the fingerprint, metastore and retry packages. See the
// package descriptions in the source code for more details.
//
// - internal/null contains trivial implementation of block device which does
// nothing but correctly. It can be used for benchmarking the underlying buse
// library and kernel module. The null implementation is part of dedup
// because it shares configuration and makes benchmarking easier and without
// code duplication.
//
// - internal/config contains configuration package which is common for both,
// dedup and null implementations.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"

	"github.com/dedupdev/dedup/internal/config"
	"github.com/dedupdev/dedup/internal/dedup"
	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
	"github.com/dedupdev/dedup/internal/dedup/metastore/memstore"
	"github.com/dedupdev/dedup/internal/dedup/metastore/sqlite"
	"github.com/dedupdev/dedup/internal/dedup/retry"
	"github.com/dedupdev/dedup/internal/null"
)

// Parse configuration from file and environment variables, create a
// BuseReadWriter backed by the dedup engine and create a new buse device
// with it. The device is ran until it is signaled by SIGINT or SIGTERM to
// gracefully finish.
func main() {
	cfg, err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(cfg.Log.Pretty, cfg.Log.Level)

	if cfg.Profiler {
		runProfiler(cfg.ProfilerPort)
	}

	buseReadWriter, err := getBuseReadWriter(cfg)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	buse, err := buse.New(buseReadWriter, buse.Options{
		Durable:        cfg.Write.Durable,
		WriteChunkSize: int64(cfg.Write.ChunkSize),
		BlockSize:      int64(config.BlockSize),
		Threads:        cfg.Threads,
		Major:          int64(cfg.Major),
		WriteShmSize:   int64(cfg.Write.BufSize),
		ReadShmSize:    int64(cfg.Read.BufSize),
		Size:           cfg.Size,
		QueueDepth:     int64(cfg.QueueDepth),
		Scheduler:      cfg.Scheduler,
	})

	if err != nil {
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered!", cfg.Major)

	registerSigHandlers(buse, cfg.Major)

	buse.Run()

	log.Info().Msgf("Removing buse%d", cfg.Major)
	buse.RemoveDevice()
}

// Return null device if user wants it, otherwise return the dedup device,
// which is default.
func getBuseReadWriter(cfg config.Config) (buse.BuseReadWriter, error) {
	if cfg.Null {
		return null.NewNull(), nil
	}

	store, err := getStore(cfg)
	if err != nil {
		return nil, err
	}

	hasher, err := fingerprint.New(cfg.Store.Hash)
	if err != nil {
		store.Close()
		return nil, err
	}

	device := dedup.New(dedup.Options{
		Store:          store,
		Size:           cfg.Size,
		BlockSize:      config.BlockSize,
		WriteChunkSize: int64(cfg.Write.ChunkSize),
		TrustHash:      cfg.Store.TrustHash,
		Hasher:         hasher,
		Retry: retry.Policy{
			Delay:       time.Duration(cfg.Retry.DelayMs) * time.Millisecond,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	})

	return device, nil
}

// The persistent store is default; the memory store serves throwaway
// devices.
func getStore(cfg config.Config) (metastore.Store, error) {
	if cfg.Store.Memory {
		return memstore.New(), nil
	}

	return sqlite.New(sqlite.Options{Path: cfg.Store.Path})
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse, major int) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for performance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
