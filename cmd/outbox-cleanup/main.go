// Command outbox-cleanup removes published entries past retention and
// dead-lettered entries from an outbox table.
//
// It wraps outbox.Sweeper for use in cron/CronJobs when the application
// itself should not run DELETE statements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/logging"
	"github.com/velmie/outbox-dispatch/mysql"
	"github.com/velmie/outbox-dispatch/postgres"
	"github.com/velmie/outbox-dispatch/sqlite"
	"github.com/velmie/outbox-dispatch/sqlstore"
)

const exitUsage = 2

type options struct {
	driver     string
	dsn        string
	table      string
	retention  time.Duration
	maxRetries int
	batchSize  int
	maxBatches int
	schedule   string
	lockName   string
	dryRun     bool
	once       bool
	verbose    bool
}

func main() {
	var opts options

	flag.StringVar(&opts.driver, "driver", "mysql", "Database driver: mysql, postgres or sqlite")
	flag.StringVar(&opts.dsn, "dsn", os.Getenv("OUTBOX_DSN"), "Database DSN")
	flag.StringVar(&opts.table, "table", "outbox", "Outbox table name")
	flag.DurationVar(&opts.retention, "retention", 7*24*time.Hour, "Delete published rows older than this duration")
	flag.IntVar(&opts.maxRetries, "max-retries", 10, "Delete rows whose retry count reached this value")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "Rows deleted per statement")
	flag.IntVar(&opts.maxBatches, "max-batches", 100, "Statements per category and run")
	flag.StringVar(&opts.schedule, "schedule", "@every 1h", "Cron schedule when not running once")
	flag.StringVar(&opts.lockName, "lock-name", "", "Advisory lock name (mysql and postgres)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Report counts without deleting")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if opts.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.NewZapLevel(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("outbox cleanup failed", "err", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger logging.Logger) error {
	db, store, locker, err := open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	sweeper, err := outbox.NewSweeper(store, outbox.SweeperConfig{
		Retention:  opts.retention,
		MaxRetries: opts.maxRetries,
		BatchSize:  opts.batchSize,
		MaxBatches: opts.maxBatches,
		DryRun:     opts.dryRun,
		Schedule:   opts.schedule,
		Locker:     locker,
		LockName:   opts.lockName,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}

	if opts.once {
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		if result.Locked {
			logger.Info("cleanup skipped, another instance holds the lock")
		}

		return nil
	}

	logger.Info("cleanup scheduled", "schedule", opts.schedule, "next", sweeper.Next(time.Now().UTC()))
	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run sweeper: %w", err)
	}

	return nil
}

func open(opts options) (*sql.DB, *sqlstore.Store, outbox.Locker, error) {
	var (
		db     *sql.DB
		store  *sqlstore.Store
		locker outbox.Locker
		err    error
	)
	switch opts.driver {
	case "mysql":
		if db, err = mysql.Open(opts.dsn); err == nil {
			store, err = mysql.NewStore(db, sqlstore.WithTable(opts.table))
		}
		if err == nil && opts.lockName != "" {
			locker, err = mysql.NewLocker(db)
		}
	case "postgres":
		if db, err = postgres.Open(opts.dsn); err == nil {
			store, err = postgres.NewStore(db, sqlstore.WithTable(opts.table))
		}
		if err == nil && opts.lockName != "" {
			locker, err = postgres.NewLocker(db)
		}
	case "sqlite":
		if db, err = sqlite.Open(opts.dsn); err == nil {
			store, err = sqlite.NewStore(db, sqlstore.WithTable(opts.table))
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown driver %q", opts.driver)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}

		return nil, nil, nil, fmt.Errorf("open %s: %w", opts.driver, err)
	}

	return db, store, locker, nil
}
