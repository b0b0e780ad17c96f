package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/maruel/subcommands"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"weathercache/internal/config"
	"weathercache/internal/database"
	"weathercache/internal/events"
	"weathercache/internal/logger"
	"weathercache/internal/metrics"
	"weathercache/internal/storage"
)

// commonFlags are registered on every command.
type commonFlags struct {
	configPath  string
	workspace   string
	metricsFile string
	logLevel    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to a YAML config file.")
	fs.StringVar(&c.workspace, "workspace", "", "Directory holding the data folder. Defaults to the home directory.")
	fs.StringVar(&c.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when the command ends.")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error).")
}

// runEnv is what a command needs once flags and config are resolved.
type runEnv struct {
	cfg *config.Config
	log *zap.Logger
}

func (c *commonFlags) setup() (*runEnv, error) {
	cfg, err := config.Read(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.workspace != "" {
		ws, err := homedir.Expand(c.workspace)
		if err != nil {
			return nil, fmt.Errorf("failed to expand workspace %s: %w", c.workspace, err)
		}
		cfg.Workspace = ws
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &runEnv{cfg: cfg, log: log}, nil
}

// finish flushes the logger and writes the metrics file if one was asked for.
func (c *commonFlags) finish(e *runEnv) {
	if c.metricsFile != "" {
		if err := metrics.WriteToTextfile(c.metricsFile); err != nil {
			e.log.Warn("Failed to write metrics file", zap.Error(err))
		}
	}
	_ = e.log.Sync()
}

func (e *runEnv) openDB(ctx context.Context) (*database.DB, error) {
	return database.Open(ctx, database.Options{
		Driver:  e.cfg.Database.Driver,
		DSN:     e.cfg.Database.DSN,
		DataDir: e.cfg.DataDir(),
		Logger:  e.log,
	})
}

// openPublisher never fails the command: without Redis events are dropped.
func (e *runEnv) openPublisher(ctx context.Context) events.Publisher {
	p, err := events.Open(ctx, e.cfg.RedisConfig())
	if err != nil {
		e.log.Warn("Event publishing disabled", zap.Error(err))
		return events.Nop{}
	}
	return p
}

// cacheLocation describes where the cache lives for user facing messages.
func (e *runEnv) cacheLocation() string {
	if e.cfg.Database.Driver == database.DriverMySQL {
		return "mysql"
	}
	return filepath.Join(e.cfg.DataDir(), storage.CacheFileName)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(a subcommands.Application, err error) int {
	fmt.Fprintf(a.GetErr(), "Error: %v\n", err)
	return 1
}

func usageError(a subcommands.Application, format string, args ...any) int {
	fmt.Fprintf(a.GetErr(), format+"\n", args...)
	return 1
}
