// orbd serves a directory store as an orb locator. Servers register their
// adapters with it and clients resolve indirect proxies through it; point
// their locator.proxy at the proxy orbd logs on startup.
//
// The store is kept in memory, in SQLite or in Redis, and with the nats
// backend it is also answered on NATS request subjects.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/najoast/orb/bootstrap"
	"github.com/najoast/orb/config"
	"github.com/najoast/orb/logging"
)

const defaultEndpoints = "tcp -h 0.0.0.0 -p 4061"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "orbd: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the command line; set values override the configuration file
type flags struct {
	configPath      string
	watch           bool
	backend         string
	endpoints       string
	sqlitePath      string
	redisAddr       string
	natsURL         string
	logLevel        string
	shutdownTimeout time.Duration
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags
	flagSet := pflag.NewFlagSet("orbd", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "configuration file (default: search orb.yaml, config.yaml)")
	flagSet.BoolVar(&f.watch, "watch", false, "reload retry and cache settings when the configuration file changes")
	flagSet.StringVar(&f.backend, "backend", "", "directory backend: memory, sqlite, redis or nats")
	flagSet.StringVarP(&f.endpoints, "endpoints", "e", "", "locator adapter endpoints (default: "+defaultEndpoints+")")
	flagSet.StringVar(&f.sqlitePath, "sqlite-path", "", "SQLite database file for the sqlite backend")
	flagSet.StringVar(&f.redisAddr, "redis-addr", "", "host:port of the redis server for the redis backend")
	flagSet.StringVar(&f.natsURL, "nats-url", "", "NATS server URL for the nats backend")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flagSet.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for a graceful shutdown")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &f, flagSet, nil
}

// loadConfig loads the configuration file and applies the flags to it
func loadConfig(f *flags) (*config.Config, error) {
	loader := config.NewLoader()
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = loader.Load(f.configPath)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return nil, err
	}

	if f.backend != "" {
		cfg.Registry.Backend = f.backend
	}
	if f.sqlitePath != "" {
		cfg.Registry.SQLitePath = f.sqlitePath
	}
	if f.redisAddr != "" {
		cfg.Registry.RedisAddr = f.redisAddr
	}
	if f.natsURL != "" {
		cfg.Registry.NATSURL = f.natsURL
	}
	if f.logLevel != "" {
		cfg.Log.Level = config.LogLevel(f.logLevel)
	}

	ac, _ := cfg.Adapter(cfg.Registry.Adapter)
	switch {
	case f.endpoints != "":
		ac.Endpoints = f.endpoints
	case ac.Endpoints == "":
		ac.Endpoints = defaultEndpoints
	}
	if cfg.Adapters == nil {
		cfg.Adapters = make(map[string]config.AdapterConfig)
	}
	cfg.Adapters[cfg.Registry.Adapter] = ac

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	f, flagSet, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage: orbd [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, closer, err := logging.Init("orbd", cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := bootstrap.DaemonOptions{Logger: logger}
	if f.watch {
		if f.configPath == "" {
			return errors.New("--watch requires --config")
		}
		opts.ConfigPath = f.configPath
	}

	d, err := bootstrap.NewDaemon(cfg, opts)
	if err != nil {
		return err
	}
	return bootstrap.Run(context.Background(), d.Lifecycle(), logger, f.shutdownTimeout)
}
