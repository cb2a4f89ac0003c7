//go:build linux

//Package config holds echo server settings, loaded from a TOML file and overridden by flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

const (
	BackendAuto    = "auto"
	BackendURing   = "uring"
	BackendNetpoll = "netpoll"
)

//Duration time.Duration readable from TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Backlog int    `toml:"backlog"`

	Backend     string `toml:"backend"`
	RingEntries uint32 `toml:"ring_entries"`
	//IOWQWorkers cap kernel io-wq workers of the ring, 0 keeps the kernel default.
	IOWQWorkers uint32 `toml:"iowq_workers"`

	AcceptDepth int `toml:"accept_depth"`
	BufferSize  int `toml:"buffer_size"`
	//Workers 0 means GOMAXPROCS*2.
	Workers int `toml:"workers"`

	IdleTimeout   Duration `toml:"idle_timeout"`
	AcceptRetry   Duration `toml:"accept_retry"`
	StatsInterval Duration `toml:"stats_interval"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

func Default() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        9000,
		Backlog:     unix.SOMAXCONN,
		Backend:     BackendAuto,
		RingEntries: 4096,
		AcceptDepth: 4,
		BufferSize:  1024,
		AcceptRetry: Duration{time.Millisecond * 100},
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

//Load read TOML file at path over defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port >= 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.Backlog >= 0, "backlog must not be negative")
	check(c.Backend == BackendAuto || c.Backend == BackendURing || c.Backend == BackendNetpoll,
		"unknown backend %q", c.Backend)
	check(c.RingEntries >= 2 && c.RingEntries <= 1<<15, "ring_entries %d out of range (2..32768)", c.RingEntries)
	check(c.AcceptDepth > 0, "accept_depth must be positive")
	check(c.BufferSize > 0, "buffer_size must be positive")
	check(c.Workers >= 0, "workers must not be negative")
	check(c.IdleTimeout.Duration >= 0, "idle_timeout must not be negative")
	check(c.AcceptRetry.Duration > 0, "accept_retry must be positive")
	check(c.StatsInterval.Duration >= 0, "stats_interval must not be negative")
	check(c.LogFormat == "json" || c.LogFormat == "console", "unknown log_format %q", c.LogFormat)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

//RegisterFlags bind command line flags to cfg fields, current values become flag defaults.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "completion queue backend: auto, uring or netpoll")
	fs.Func("ring-entries", "io_uring SQ size", func(s string) error {
		var v uint32
		if _, err := fmt.Sscan(s, &v); err != nil {
			return err
		}
		cfg.RingEntries = v
		return nil
	})
	fs.Func("iowq-workers", "io_uring io-wq worker limit, 0 keeps kernel default", func(s string) error {
		var v uint32
		if _, err := fmt.Sscan(s, &v); err != nil {
			return err
		}
		cfg.IOWQWorkers = v
		return nil
	})
	fs.IntVar(&cfg.AcceptDepth, "accept-depth", cfg.AcceptDepth, "outstanding accept operations")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "per operation buffer size")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker goroutines, 0 means GOMAXPROCS*2")
	fs.DurationVar(&cfg.IdleTimeout.Duration, "idle-timeout", cfg.IdleTimeout.Duration, "close idle connections after, 0 disables")
	fs.DurationVar(&cfg.AcceptRetry.Duration, "accept-retry", cfg.AcceptRetry.Duration, "re-arm interval for failed accepts")
	fs.DurationVar(&cfg.StatsInterval.Duration, "stats-interval", cfg.StatsInterval.Duration, "periodic stats log, 0 disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
}

//Override copy into dst the fields whose flags were explicitly set in fs.
//fs must be registered over src with RegisterFlags.
func Override(dst *Config, src Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			dst.Host = src.Host
		case "port":
			dst.Port = src.Port
		case "backlog":
			dst.Backlog = src.Backlog
		case "backend":
			dst.Backend = src.Backend
		case "ring-entries":
			dst.RingEntries = src.RingEntries
		case "iowq-workers":
			dst.IOWQWorkers = src.IOWQWorkers
		case "accept-depth":
			dst.AcceptDepth = src.AcceptDepth
		case "buffer-size":
			dst.BufferSize = src.BufferSize
		case "workers":
			dst.Workers = src.Workers
		case "idle-timeout":
			dst.IdleTimeout = src.IdleTimeout
		case "accept-retry":
			dst.AcceptRetry = src.AcceptRetry
		case "stats-interval":
			dst.StatsInterval = src.StatsInterval
		case "log-level":
			dst.LogLevel = src.LogLevel
		case "log-format":
			dst.LogFormat = src.LogFormat
		}
	})
}
