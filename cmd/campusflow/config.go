package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dingyuana/campusflow"
	"github.com/dingyuana/campusflow/guard"
	"github.com/dingyuana/campusflow/postgres"
	cfredis "github.com/dingyuana/campusflow/redis"
	"github.com/dingyuana/campusflow/retry"
	"github.com/dingyuana/campusflow/sqlite"
	"github.com/dingyuana/campusflow/workers"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file
type Config struct {
	// Graph is an optional graph definition file. Without it the built-in
	// campus graph is used.
	Graph            string                   `yaml:"graph,omitempty"`
	MaxSteps         int                      `yaml:"max_steps,omitempty"`
	MaxParallelism   int                      `yaml:"max_parallelism,omitempty"`
	InterruptBefore  []string                 `yaml:"interrupt_before,omitempty"`
	InterruptTimeout time.Duration            `yaml:"interrupt_timeout,omitempty"`
	Retry            *retry.Policy            `yaml:"retry,omitempty"`
	Router           campusflow.KeywordRouter `yaml:"router"`
	Guards           guard.Config             `yaml:"guards"`
	Store            StoreConfig              `yaml:"store"`
	StepLogDir       string                   `yaml:"step_log_dir,omitempty"`
	Knowledge        []workers.Document       `yaml:"knowledge,omitempty"`
	Facts            []workers.Fact           `yaml:"facts,omitempty"`
	Search           SearchConfig             `yaml:"search"`
}

// StoreConfig selects the checkpoint backend. The lock follows the store:
// redis and postgres stores lock across processes, the others in-process.
type StoreConfig struct {
	Backend  string        `yaml:"backend,omitempty"`
	Dir      string        `yaml:"dir,omitempty"`
	Path     string        `yaml:"path,omitempty"`
	DSN      string        `yaml:"dsn,omitempty"`
	Table    string        `yaml:"table,omitempty"`
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// SearchConfig configures the external search worker
type SearchConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Limit    int    `yaml:"limit,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		Router: campusflow.KeywordRouter{
			Rules: []campusflow.KeywordRule{
				{Node: workers.NameGraph, Keywords: []string{"teacher", "professor", "course", "课程", "老师"}},
				{Node: "research", Keywords: []string{"news", "latest", "admission", "招生", "新闻"}},
			},
			Default: workers.NameKnowledge,
			Finish:  workers.NameAnswer,
		},
		Store: StoreConfig{Backend: "file"},
	}
}

// loadConfig reads path if it exists. A missing file at the default path
// yields the default configuration.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	path := flagString(cmd, "config")
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// app bundles an executor with the resources it holds open
type app struct {
	executor *campusflow.Executor
	steps    campusflow.StepLogger
	redis    *backend.Client
	logger   *slog.Logger
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setupLogger(cmd *cobra.Command) *slog.Logger {
	opts := campusflow.LoggerOptions{Level: slog.LevelWarn, JSON: flagBool(cmd, "json")}
	if flagBool(cmd, "verbose") {
		opts.Level = slog.LevelDebug
	}
	return campusflow.NewLoggerWithOptions(opts)
}

func newApp(ctx context.Context, cmd *cobra.Command, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{logger: setupLogger(cmd)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	checkpointer, locker, err := a.openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	memory := workers.MemoryStore(workers.NewInMemoryStore())
	if a.redis != nil {
		memory = cfredis.NewMemoryStore(a.redis, cfredis.WithPrefix(prefixOr(cfg.Store.Prefix)))
	}

	graph, err := buildGraph(cfg, memory)
	if err != nil {
		return nil, err
	}
	guards, err := cfg.Guards.Guards()
	if err != nil {
		return nil, err
	}

	a.steps = campusflow.NewNullStepLogger()
	if cfg.StepLogDir != "" {
		a.steps = campusflow.NewFileStepLogger(cfg.StepLogDir)
	}
	callbacks := campusflow.NewCallbackChain()
	if reg != nil {
		metrics, err := campusflow.NewMetricsCallbacks(reg)
		if err != nil {
			return nil, err
		}
		callbacks.Add(metrics)
	}

	a.executor, err = campusflow.NewExecutor(campusflow.ExecutorOptions{
		Graph:            graph,
		Checkpointer:     checkpointer,
		Locker:           locker,
		Guards:           guards,
		Logger:           a.logger,
		Callbacks:        callbacks,
		StepLogger:       a.steps,
		MaxSteps:         cfg.MaxSteps,
		WorkerRetry:      cfg.Retry,
		MaxParallelism:   cfg.MaxParallelism,
		InterruptTimeout: cfg.InterruptTimeout,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return cfredis.DefaultPrefix
	}
	return prefix
}

func (a *app) openStore(ctx context.Context, cfg StoreConfig) (campusflow.Checkpointer, campusflow.Locker, error) {
	switch cfg.Backend {
	case "", "file":
		c, err := campusflow.NewFileCheckpointer(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return c, campusflow.NewLocalLocker(), nil
	case "memory":
		return campusflow.NewMemoryCheckpointer(), campusflow.NewLocalLocker(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "campusflow.db"
		}
		c, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, campusflow.NewLocalLocker(), nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		c, err := postgres.NewCheckpointer(db, postgres.Options{Table: cfg.Table})
		if err != nil {
			return nil, nil, err
		}
		if err := c.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return c, postgres.NewLocker(db), nil
	case "redis":
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		a.redis = client
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
		}
		prefix := prefixOr(cfg.Prefix)
		c := cfredis.NewCheckpointer(client, cfredis.WithPrefix(prefix), cfredis.WithTTL(cfg.TTL))
		return c, cfredis.NewLocker(client, prefix, 0, cfredis.WithLockLogger(a.logger)), nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
