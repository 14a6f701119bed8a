package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/badger"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/adapters/sqlite"
	"github.com/AshkanYarmoradi/go-stoat/cli/config"
	"github.com/AshkanYarmoradi/go-stoat/middleware/tracing"
)

// pingTimeout bounds the connectivity check on freshly opened adapters.
const pingTimeout = 5 * time.Second

// AdapterFactory creates the storage adapter named by the configuration.
type AdapterFactory struct {
	config *config.Config
	logger *slog.Logger
}

// NewAdapterFactory creates a new adapter factory.
func NewAdapterFactory(cfg *config.Config, logger *slog.Logger) *AdapterFactory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AdapterFactory{config: cfg, logger: logger}
}

// CreateAdapter opens the configured adapter and checks that it is reachable.
func (f *AdapterFactory) CreateAdapter(ctx context.Context) (adapters.EventStoreAdapter, error) {
	var (
		adapter adapters.EventStoreAdapter
		err     error
	)

	store := f.config.Store
	switch store.Driver {
	case config.DriverMemory:
		adapter = memory.NewAdapter()
	case config.DriverSQLite:
		adapter, err = sqlite.NewAdapter(store.Path)
	case config.DriverBadger:
		cfg := badger.DefaultConfig(store.Path)
		cfg.Logger = f.logger.With("component", "badger")
		adapter, err = badger.NewAdapter(cfg)
	case config.DriverPostgres:
		var opts []postgres.Option
		if store.Schema != "" {
			opts = append(opts, postgres.WithSchema(store.Schema))
		}
		adapter, err = postgres.NewAdapter(store.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", store.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s adapter: %w", store.Driver, err)
	}

	if checker, ok := adapter.(adapters.HealthChecker); ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := checker.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("failed to connect to %s store: %w", store.Driver, err)
		}
	}

	f.logger.Debug("Opened store", "driver", store.Driver)
	return adapter, nil
}

// storeEnv is everything a command needs to talk to the configured store.
type storeEnv struct {
	Config  *config.Config
	Logger  *slog.Logger
	Adapter adapters.EventStoreAdapter
	Store   *stoat.EventStore
	Tracer  *tracing.Tracer

	closers []func() error
}

// Close shuts down the tracer provider and the adapter.
func (e *storeEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.Logger.Warn("Failed to close store", "error", err)
		}
	}
}

// openStore loads the configuration, opens the adapter and builds a store.
// With --trace the adapter is wrapped in the tracing middleware and spans are
// written to the command's error stream. With forward set, committed events
// are forwarded to the configured Kafka brokers and webhook.
func (o *Options) openStore(ctx context.Context, stderr io.Writer, forward bool) (*storeEnv, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := o.newLogger(cfg, stderr)

	adapter, err := NewAdapterFactory(cfg, logger).CreateAdapter(ctx)
	if err != nil {
		return nil, err
	}

	env := &storeEnv{Config: cfg, Logger: logger, Adapter: adapter}
	env.closers = append(env.closers, adapter.Close)

	if o.Trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("failed to create span exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		env.closers = append(env.closers, func() error {
			return tp.Shutdown(context.Background())
		})
		env.Tracer = tracing.NewTracer(
			tracing.WithTracerProvider(tp),
			tracing.WithServiceName(cfg.Project.Name),
		)
		adapter = env.Tracer.WrapAdapter(adapter)
	}

	opts := []stoat.Option{stoat.WithLogger(logger)}
	if forward {
		for _, p := range env.forwarders() {
			opts = append(opts, stoat.WithPublisher(p))
		}
	}
	env.Store = stoat.New(adapter, opts...)
	return env, nil
}

// loadConfig resolves --config, then stoat.yaml in the working directory or
// its parents, then the defaults. Environment overrides apply in every case.
func (o *Options) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case o.ConfigPath != "":
		loaded, err := config.LoadFile(o.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", o.ConfigPath, err)
		}
		cfg = loaded
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		_, found, err := config.FindConfig(cwd)
		switch {
		case err == nil:
			cfg = found
		case errors.Is(err, os.ErrNotExist):
			cfg = config.DefaultConfig()
			if err := cfg.ApplyEnv(); err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, nil
}

// newLogger builds the slog logger configured for the CLI.
func (o *Options) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
