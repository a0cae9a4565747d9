// Command outbox-relay delivers outbox entries to their sinks.
//
// One process runs the relay, the maintenance sweeper and a small operations
// HTTP server until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/breaker"
	"github.com/velmie/outbox-dispatch/dispatch"
	"github.com/velmie/outbox-dispatch/logging"
	"github.com/velmie/outbox-dispatch/mysql"
	"github.com/velmie/outbox-dispatch/opsapi"
	"github.com/velmie/outbox-dispatch/otelmetrics"
	"github.com/velmie/outbox-dispatch/postgres"
	"github.com/velmie/outbox-dispatch/redislock"
	"github.com/velmie/outbox-dispatch/sink/amqpsink"
	"github.com/velmie/outbox-dispatch/sink/memory"
	"github.com/velmie/outbox-dispatch/sink/redisstream"
	"github.com/velmie/outbox-dispatch/sqlite"
	"github.com/velmie/outbox-dispatch/sqlstore"
)

const (
	exitUsage = 2

	driverMySQL    = "mysql"
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

var (
	errDSNRequired     = errors.New("outbox-relay: dsn is required")
	errUnknownDriver   = errors.New("outbox-relay: unknown driver")
	errInvalidSettings = errors.New("outbox-relay: invalid settings")
)

type config struct {
	driver       string
	dsn          string
	table        string
	createSchema bool
	redisAddr    string
	amqpURL      string
	exchange     string
	taskExchange string
	mandatory    bool
	listen       string
	logLevel     string
	batchSize    int
	pollInterval time.Duration
	maxRetries   int
	sinkTimeout  time.Duration
	retention    time.Duration
	schedule     string
	leader       bool
	workers      int
	leaseRenew   time.Duration
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	logger, err := logging.NewZapLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("outbox relay stopped", "err", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func parseConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("outbox-relay", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.driver, "driver", envOr(getenv, "OUTBOX_DRIVER", driverMySQL), "Database driver: mysql, postgres or sqlite")
	fs.StringVar(&cfg.dsn, "dsn", getenv("OUTBOX_DSN"), "Database DSN")
	fs.StringVar(&cfg.table, "table", envOr(getenv, "OUTBOX_TABLE", "outbox"), "Outbox table name")
	fs.BoolVar(&cfg.createSchema, "create-schema", false, "Create the outbox table if missing")
	fs.StringVar(&cfg.redisAddr, "redis", getenv("REDIS_ADDR"), "Redis address for breaker state, leases and stream sink")
	fs.StringVar(&cfg.amqpURL, "amqp", getenv("AMQP_URL"), "AMQP URL; selects the RabbitMQ sink when set")
	fs.StringVar(&cfg.exchange, "exchange", "outbox.events", "Default AMQP exchange for events without a topic")
	fs.StringVar(&cfg.taskExchange, "task-exchange", "outbox.tasks", "AMQP exchange for tasks")
	fs.BoolVar(&cfg.mandatory, "amqp-mandatory", false, "Fail AMQP publishes the broker cannot route")
	fs.StringVar(&cfg.listen, "listen", envOr(getenv, "OUTBOX_LISTEN", ":8080"), "Operations HTTP address (empty disables)")
	fs.StringVar(&cfg.logLevel, "log-level", envOr(getenv, "LOG_LEVEL", "info"), "Log level")
	fs.IntVar(&cfg.batchSize, "batch-size", 100, "Entries per poll")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", time.Second, "Idle poll interval")
	fs.IntVar(&cfg.maxRetries, "max-retries", 10, "Attempts before an entry is dead-lettered")
	fs.DurationVar(&cfg.sinkTimeout, "sink-timeout", 10*time.Second, "Timeout of one sink call")
	fs.DurationVar(&cfg.retention, "retention", 7*24*time.Hour, "How long published entries are kept")
	fs.StringVar(&cfg.schedule, "schedule", "@every 1h", "Sweeper cron schedule")
	fs.BoolVar(&cfg.leader, "leader", true, "Poll only while holding the relay lease")
	fs.IntVar(&cfg.workers, "workers", 1, "Relay workers; above 1 runs one per message type")
	fs.DurationVar(&cfg.leaseRenew, "lease-renew", 10*time.Second, "Lease renewal interval while a batch runs; keep under the lock expiry")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.dsn == "" {
		return config{}, errDSNRequired
	}
	switch cfg.driver {
	case driverMySQL, driverPostgres, driverSQLite:
	default:
		return config{}, fmt.Errorf("%w: %q", errUnknownDriver, cfg.driver)
	}
	if cfg.batchSize <= 0 || cfg.maxRetries <= 0 || cfg.pollInterval <= 0 || cfg.workers <= 0 || cfg.leaseRenew <= 0 {
		return config{}, fmt.Errorf("%w: batch-size, max-retries, poll-interval, workers and lease-renew must be positive", errInvalidSettings)
	}

	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}

	return fallback
}

// backend is the database side of the relay.
type backend struct {
	db     *sql.DB
	store  *sqlstore.Store
	locker outbox.Locker
}

func openBackend(ctx context.Context, cfg config) (*backend, error) {
	var (
		db     *sql.DB
		schema func(string) ([]string, error)
		store  func(*sql.DB, ...sqlstore.Option) (*sqlstore.Store, error)
		err    error
	)
	switch cfg.driver {
	case driverPostgres:
		db, err = postgres.Open(cfg.dsn)
		schema, store = postgres.Schema, postgres.NewStore
	case driverSQLite:
		db, err = sqlite.Open(cfg.dsn)
		schema, store = sqlite.Schema, sqlite.NewStore
	default:
		db, err = mysql.Open(cfg.dsn)
		schema, store = mysql.Schema, mysql.NewStore
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.driver, err)
	}

	b := &backend{db: db}
	if cfg.createSchema {
		stmts, err := schema(cfg.table)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := sqlstore.EnsureSchema(ctx, db, stmts); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	b.store, err = store(db, sqlstore.WithTable(cfg.table))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	switch cfg.driver {
	case driverPostgres:
		b.locker, err = postgres.NewLocker(db)
	case driverMySQL:
		b.locker, err = mysql.NewLocker(db)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

type sinks struct {
	events outbox.EventSink
	tasks  outbox.TaskSink
	close  func() error
	// eventsOnly leaves TASK entries pending; nothing could execute them.
	eventsOnly bool
}

func openSinks(cfg config, client redis.UniversalClient, logger logging.Logger) (*sinks, error) {
	switch {
	case cfg.amqpURL != "":
		conn, err := amqp.Dial(cfg.amqpURL)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open amqp channel: %w", err)
		}
		s, err := amqpsink.New(ch, amqpsink.Config{
			EventExchange: cfg.exchange,
			TaskExchange:  cfg.taskExchange,
			Mandatory:     cfg.mandatory,
			AppID:         "outbox-relay",
		})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("outbox sink selected", "sink", "amqp")

		return &sinks{events: s, tasks: s, close: conn.Close}, nil
	case client != nil:
		s, err := redisstream.New(client, redisstream.Config{})
		if err != nil {
			return nil, err
		}
		logger.Info("outbox sink selected", "sink", "redis-stream")

		return &sinks{events: s, tasks: s, close: func() error { return nil }}, nil
	default:
		bus := memory.NewBus()
		bus.SubscribeAll(func(_ context.Context, event outbox.Event) error {
			logger.Info("outbox event", "id", event.ID, "type", event.Type, "sequence", event.Sequence)
			return nil
		})
		logger.Warn("no broker configured, events are logged and tasks stay pending")

		return &sinks{events: bus, tasks: bus, close: func() error { return nil }, eventsOnly: true}, nil
	}
}

func run(ctx context.Context, cfg config, logger logging.Logger) error {
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.db.Close()

	var client redis.UniversalClient
	if cfg.redisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		defer rc.Close()
		client = rc
	}

	// Leases shared through Redis cover every driver; otherwise the database lock is used.
	locker := be.locker
	if client != nil {
		if locker, err = redislock.New(client, redislock.Config{}); err != nil {
			return err
		}
	}

	recorder, err := otelmetrics.New(nil)
	if err != nil {
		return err
	}
	defer recorder.Close()

	br, err := breaker.New(breaker.NewStorage(ctx, client, logger), breaker.WithLogger(logger))
	if err != nil {
		return err
	}
	br.RegisterStateChangeListener(recorder)

	out, err := openSinks(cfg, client, logger)
	if err != nil {
		return err
	}
	defer out.close()

	publisher, err := outbox.NewPublisher(be.store, dispatch.New(br, dispatch.WithLogger(logger)), out.events, out.tasks, outbox.PublisherConfig{
		SinkTimeout: cfg.sinkTimeout,
		MaxRetries:  cfg.maxRetries,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	relayOpts := []outbox.RelayOption{
		outbox.WithBatchSize(cfg.batchSize),
		outbox.WithPollInterval(cfg.pollInterval),
		outbox.WithMaxRetries(cfg.maxRetries),
		outbox.WithLogger(logger),
		outbox.WithMetrics(recorder),
		outbox.WithMetricsReader(be.store),
		outbox.WithWorkers(cfg.workers),
		outbox.WithLeaseRenewal(cfg.leaseRenew),
	}
	if out.eventsOnly {
		relayOpts = append(relayOpts, outbox.WithMessageType(outbox.MessageTypeEvent))
	}
	if cfg.leader && locker != nil {
		relayOpts = append(relayOpts, outbox.WithLeaderLock(locker, "outbox-relay:"+cfg.table))
	}
	relay := outbox.NewRelay(be.store, publisher, relayOpts...)

	sweeper, err := outbox.NewSweeper(be.store, outbox.SweeperConfig{
		Retention:  cfg.retention,
		MaxRetries: cfg.maxRetries,
		Schedule:   cfg.schedule,
		Locker:     locker,
		LockName:   "outbox-sweeper:" + cfg.table,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(relay.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(sweeper.Run(ctx)) })

	if cfg.listen != "" {
		app, err := opsapi.New(opsapi.Config{
			Store:    be.store,
			Breakers: br,
			Services: []string{dispatch.ServiceEventSink, dispatch.ServiceTaskSink},
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("outbox ops server listening", "addr", cfg.listen)
			return app.Listen(cfg.listen)
		})
		g.Go(func() error {
			<-ctx.Done()
			return app.ShutdownWithTimeout(5 * time.Second)
		})
	}

	logger.Info("outbox relay started", "driver", cfg.driver, "table", cfg.table)

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
