package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/adapters/postgres"
	"github.com/fortium/eventserver/adapters/redis"
	"github.com/fortium/eventserver/adapters/sqlite"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/logging/zaplog"
	"github.com/fortium/eventserver/middleware/tracing"
	"github.com/fortium/eventserver/serializer/msgpack"
)

const (
	connectTimeout = 5 * time.Second
	idempotencyTTL = 24 * time.Hour
)

// Storage is the event log surface the CLI needs from every driver.
type Storage interface {
	adapters.EventStoreAdapter
	adapters.StreamQueryAdapter
	adapters.StreamPager
	adapters.HealthChecker
}

var (
	_ Storage = (*memory.MemoryAdapter)(nil)
	_ Storage = (*sqlite.Adapter)(nil)
	_ Storage = (*postgres.PostgresAdapter)(nil)
)

// errNoConfig is returned when no eventserver.yaml can be found.
var errNoConfig = errors.New("no " + config.ConfigFileName + " found (run 'eventserver init')")

// loadConfig reads --config when given, otherwise searches upward from the
// working directory. It returns the directory holding the config file.
func (o *globalOptions) loadConfig() (*config.Config, string, error) {
	if o.configPath != "" {
		cfg, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, filepath.Dir(o.configPath), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if errors.Is(err, os.ErrNotExist) {
		return nil, cwd, errNoConfig
	}
	if err != nil {
		return nil, cwd, err
	}
	return cfg, dir, nil
}

// Runtime holds the storage, logger and tracer opened for one CLI invocation.
type Runtime struct {
	Config      *config.Config
	Dir         string
	Storage     Storage
	Documents   adapters.DocumentStore
	Outbox      adapters.OutboxStore
	Idempotency adapters.IdempotencyStore
	Logger      *zaplog.Logger

	tracer   *tracing.Tracer
	provider *sdktrace.TracerProvider
	rdb      *goredis.Client
}

// openRuntime loads the configuration and connects to the configured stores.
func (o *globalOptions) openRuntime(ctx context.Context, stderr io.Writer) (*Runtime, error) {
	cfg, dir, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid %s: %s", config.ConfigFileName, problems[0])
	}

	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := zaplog.New(cfg.Logging.Mode, level)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Dir: dir, Logger: logger}
	if err := rt.openStorage(ctx); err != nil {
		logger.Sync()
		return nil, err
	}
	if err := rt.openProjectionStore(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if o.trace {
		tp, err := tracing.NewStdoutProvider(stderr)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.provider = tp
		rt.tracer = tracing.NewTracer(
			tracing.WithTracerProvider(tp),
			tracing.WithServiceName(cfg.Project.Name),
		)
	}

	logger.Debug("runtime opened", "driver", cfg.Database.Driver, "projection_store", cfg.Projections.Store)
	return rt, nil
}

func (rt *Runtime) openStorage(ctx context.Context) error {
	cfg := rt.Config
	switch cfg.Database.Driver {
	case config.DriverMemory:
		a := memory.NewAdapter()
		rt.Storage = a
		rt.Documents = memory.NewDocumentStore()
		rt.Outbox = memory.NewOutboxStore()

	case config.DriverSQLite:
		path := cfg.Database.Path
		if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(rt.Dir, path)
		}
		a, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.Storage = a
		rt.Documents = sqlite.NewDocumentStore(a)

	case config.DriverPostgres:
		a, err := postgres.NewAdapter(cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("create postgres adapter: %w", err)
		}

		// Fail fast on unreachable servers.
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := a.Ping(pingCtx); err != nil {
			_ = a.Close()
			return fmt.Errorf("connect to postgres: %w", err)
		}

		rt.Storage = a
		rt.Documents = postgres.NewDocumentStoreFromAdapter(a)
		rt.Outbox = postgres.NewOutboxStoreFromAdapter(a)
		rt.Idempotency = postgres.NewIdempotencyStoreFromAdapter(a)

	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	return nil
}

func (rt *Runtime) openProjectionStore(ctx context.Context) error {
	pc := rt.Config.Projections
	if pc.Store != config.ProjectionStoreRedis {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	rdb, err := redis.Connect(connCtx, pc.RedisAddr, pc.RedisPassword, pc.RedisDB)
	if err != nil {
		return err
	}
	rt.rdb = rdb

	var opts []redis.Option
	if pc.KeyPrefix != "" {
		opts = append(opts, redis.WithKeyPrefix(pc.KeyPrefix))
	}
	rt.Documents = redis.NewDocumentStore(rdb, opts...)
	if rt.Idempotency == nil {
		rt.Idempotency = redis.NewIdempotencyStore(rdb, opts...)
	}
	return nil
}

// Routes converts the configured outbox routes.
func (rt *Runtime) Routes() []eventserver.OutboxRoute {
	routes := make([]eventserver.OutboxRoute, 0, len(rt.Config.Outbox.Routes))
	for _, r := range rt.Config.Outbox.Routes {
		routes = append(routes, eventserver.OutboxRoute{
			EventTypes:  r.EventTypes,
			Destination: r.Destination,
		})
	}
	return routes
}

// NewService builds a started service with every aggregate, projection and
// policy registered. Callers must Close it before closing the runtime.
func (rt *Runtime) NewService(ctx context.Context) (*eventserver.Service, error) {
	var store adapters.EventStoreAdapter = rt.Storage
	opts := []eventserver.ServiceOption{
		eventserver.WithServiceLogger(rt.Logger),
	}
	if rt.Config.Database.Serializer == config.SerializerMsgpack {
		opts = append(opts, eventserver.WithServiceSerializer(msgpack.NewSerializer()))
	}

	if rt.tracer != nil {
		store = tracing.NewEventStoreMiddleware(store, rt.tracer)
		opts = append(opts,
			eventserver.WithMiddleware(tracing.CommandMiddleware(rt.tracer)),
			eventserver.WithObserver(tracing.CommitObserver(rt.tracer)),
		)
	}
	if rt.Idempotency != nil {
		opts = append(opts, eventserver.WithIdempotency(rt.Idempotency, idempotencyTTL))
	}
	if routes := rt.Routes(); len(routes) > 0 {
		if rt.Outbox == nil {
			rt.Logger.Warn("outbox routes ignored: driver has no outbox store", "driver", rt.Config.Database.Driver)
		} else {
			opts = append(opts, eventserver.WithOutbox(rt.Outbox, routes...))
		}
	}

	svc := eventserver.NewService(store, rt.Documents, opts...)
	if err := aggregates.Register(svc); err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	return svc, nil
}

// Close releases every resource the runtime opened.
func (rt *Runtime) Close(ctx context.Context) {
	if rt.provider != nil {
		if err := rt.provider.Shutdown(ctx); err != nil {
			rt.Logger.Warn("tracer shutdown failed", "error", err)
		}
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
	if rt.Storage != nil {
		if err := rt.Storage.Close(); err != nil {
			rt.Logger.Warn("storage close failed", "error", err)
		}
	}
	rt.Logger.Sync()
}

// withRuntime opens a runtime for cmd, runs fn and closes the runtime.
func (o *globalOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := o.openRuntime(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	return fn(ctx, rt)
}

// withService is withRuntime plus a started service that is drained and
// closed after fn returns.
func (o *globalOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime, svc *eventserver.Service) error) error {
	return o.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
		svc, err := rt.NewService(ctx)
		if err != nil {
			return err
		}

		runErr := fn(ctx, rt, svc)

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		return errors.Join(runErr, svc.Drain(closeCtx), svc.Close(closeCtx))
	})
}
