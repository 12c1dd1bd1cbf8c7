// Copyright (C) 2024 The dedup Authors

// Package config parses the daemon configuration from a TOML file and
// environment variables and validates it before anything touches storage.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	defaultConfig = "/etc/dedup/config.toml"

	// The dedup granularity. Baked into the store schema; a database
	// written with one block size cannot be served with another.
	BlockSize = 4096
)

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null       bool  `toml:"null" env:"DEDUP_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge to read or write. For testing raw transport performance."`
	Major      int   `toml:"major" env:"DEDUP_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int   `toml:"threads" env:"DEDUP_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	Size       int64 `toml:"size" env:"DEDUP_SIZE" env-default:"0" env-description:"Device size in GB. Required."`
	QueueDepth int   `toml:"queue_depth" env:"DEDUP_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
	Scheduler  bool  `toml:"scheduler" env:"DEDUP_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`

	Store struct {
		Path      string `toml:"path" env:"DEDUP_STORE_PATH" env-default:"" env-description:"SQLite database path. Required unless the memory store is used."`
		Memory    bool   `toml:"memory" env:"DEDUP_STORE_MEMORY" env-default:"false" env-description:"Keep all data in process memory. The device is lost on exit."`
		TrustHash bool   `toml:"trust_hash" env:"DEDUP_STORE_TRUSTHASH" env-default:"false" env-description:"Treat fingerprint equality as content equality. Faster, but a hash collision loses data."`
		Hash      string `toml:"hash" env:"DEDUP_STORE_HASH" env-default:"sha256" env-description:"Fingerprint algorithm: sha256 or blake3. Must match the store."`
	} `toml:"store"`

	Retry struct {
		DelayMs     int64 `toml:"delay" env:"DEDUP_RETRY_DELAY" env-default:"100" env-description:"Delay between attempts when the store is contended. In ms."`
		MaxAttempts int   `toml:"max_attempts" env:"DEDUP_RETRY_MAXATTEMPTS" env-default:"0" env-description:"Give up after this many contended attempts. 0 means never."`
	} `toml:"retry"`

	Write struct {
		Durable   bool `toml:"durable" env:"DEDUP_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize   int  `toml:"shared_buffer_size" env:"DEDUP_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize int  `toml:"chunk_size" env:"DEDUP_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"DEDUP_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Log struct {
		Level  int  `toml:"level" env:"DEDUP_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"DEDUP_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"DEDUP_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"DEDUP_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment variables
// have the highest priority. It is perfectly fine to use just one of these
// or to combine them.
func Configure() (Config, error) {
	var cfg Config
	flagSetup(&cfg)
	err := parse(&cfg)

	return cfg, err
}

// Parse the configuration file and read the environment variables. After
// that postprocess the values and validate what the engine cannot run
// without.
func parse(cfg *Config) error {
	if err := cleanenv.ReadConfig(cfg.ConfigPath, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return err
		}
	}

	cfg.Size *= 1024 * 1024 * 1024
	cfg.Write.BufSize *= 1024 * 1024
	cfg.Write.ChunkSize *= 1024 * 1024
	cfg.Read.BufSize *= 1024 * 1024

	return validate(cfg)
}

func validate(cfg *Config) error {
	if cfg.Null {
		return nil
	}
	if cfg.Size <= 0 {
		return errors.New("config: size is required")
	}
	if cfg.Store.Path == "" && !cfg.Store.Memory {
		return errors.New("config: store path is required")
	}

	return nil
}

// Handle program flags.
func flagSetup(cfg *Config) {
	f := flag.NewFlagSet("dedup", flag.ExitOnError)
	f.StringVar(&cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
