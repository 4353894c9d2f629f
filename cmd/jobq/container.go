// Composition root. Owns infrastructure (DB, Redis, archive storage, alert
// delivery) and wires the queue, worker, janitor and HTTP handlers on top.
package main

import (
	"context"
	"fmt"

	"github.com/Abraxas-365/jobq/pkg/config"
	"github.com/Abraxas-365/jobq/pkg/fsx"
	"github.com/Abraxas-365/jobq/pkg/fsx/fsxlocal"
	"github.com/Abraxas-365/jobq/pkg/fsx/fsxs3"
	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxalert"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxarchive"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxhttp"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxmem"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/Abraxas-365/jobq/pkg/notifx"
	"github.com/Abraxas-365/jobq/pkg/notifx/notifxconsole"
	"github.com/Abraxas-365/jobq/pkg/notifx/notifxses"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Container holds shared infrastructure and the composed queue.
type Container struct {
	Config *config.Config

	// Infrastructure
	DB         *sqlx.DB
	Redis      *redis.Client
	FileSystem fsx.FileSystem
	Archive    *jobxarchive.FSArchiver
	Notifier   *jobxpg.Notifier
	Alerter    *jobxalert.EmailAlerter

	// Queue
	Queue    *jobx.Queue
	Registry *jobx.Registry
	Worker   *jobx.Worker
	Janitor  *jobx.Janitor
	Handlers *jobxhttp.Handlers
}

// NewContainer connects to the configured backend and builds the queue.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logx.Info("🔧 Initializing application container...")

	c := &Container{Config: cfg}

	ledger, bus, err := c.initBackend(ctx)
	if err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initArchive(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initAlerts(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}
	c.initQueue(ledger, bus)

	logx.Info("✅ Application container initialized")
	return c, nil
}

// ---------------------------------------------------------------------------
// Infrastructure
// ---------------------------------------------------------------------------

func (c *Container) initBackend(ctx context.Context) (jobx.Ledger, jobx.EventBus, error) {
	queue := c.Config.Jobq.Queue

	switch c.Config.Jobq.Backend {
	case config.BackendRedis:
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Config.Redis.Address(),
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		if _, err := c.Redis.Ping(ctx).Result(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logx.Infof("  ✅ Redis connected (%s)", c.Config.Redis.Address())
		return jobxredis.NewLedger(c.Redis, queue), jobxredis.NewPubSub(c.Redis, queue), nil

	case config.BackendPostgres:
		dsn := c.Config.Database.DSN()
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
		db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
		db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
		c.DB = db
		logx.Info("  ✅ Database connected")

		if err := jobxpg.Migrate(ctx, db); err != nil {
			return nil, nil, err
		}
		ledger := jobxpg.NewLedger(db, queue)
		c.Notifier = jobxpg.NewNotifier(db, dsn, ledger)
		return ledger, c.Notifier, nil

	default:
		logx.Info("  ✅ In-memory ledger configured")
		return jobxmem.NewLedger(), jobx.NewLocalBus(), nil
	}
}

func (c *Container) initArchive(ctx context.Context) error {
	ac := c.Config.Archive

	switch ac.Mode {
	case config.ArchiveS3:
		awsCfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(ac.Region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		c.FileSystem = fsxs3.NewS3FileSystem(s3.NewFromConfig(awsCfg), ac.Bucket, "")
		logx.Infof("  ✅ S3 archive configured (bucket: %s, region: %s)", ac.Bucket, ac.Region)

	case config.ArchiveLocal:
		localFS, err := fsxlocal.NewLocalFileSystem(ac.Dir)
		if err != nil {
			return err
		}
		c.FileSystem = localFS
		logx.Infof("  ✅ Local archive configured (path: %s)", localFS.GetBasePath())
	}
	return nil
}

func (c *Container) initAlerts(ctx context.Context) error {
	al := c.Config.Alert

	var provider notifx.EmailSender
	switch al.Provider {
	case config.AlertSES:
		awsCfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(al.Region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		provider = notifxses.NewSESProvider(ses.NewFromConfig(awsCfg), al.From)
	case config.AlertConsole:
		provider = notifxconsole.NewConsoleProvider()
	default:
		return nil
	}

	alerter, err := jobxalert.NewEmailAlerter(notifx.NewClient(provider), al.To,
		jobxalert.WithFrom(al.From),
		jobxalert.WithLimit(al.Every, al.Burst),
		jobxalert.WithConfigID(al.ConfigID),
	)
	if err != nil {
		return err
	}
	c.Alerter = alerter
	logx.Infof("  ✅ Alerts configured (provider: %s, to: %v)", al.Provider, al.To)
	return nil
}

// ---------------------------------------------------------------------------
// Queue composition
// ---------------------------------------------------------------------------

func (c *Container) initQueue(ledger jobx.Ledger, bus jobx.EventBus) {
	jc := c.Config.Jobq

	opts := []jobx.QueueOption{
		jobx.WithDefaultAttempts(jc.DefaultAttempts),
		jobx.WithDefaultBackoff(jobx.BackoffPolicy{Type: jobx.BackoffType(jc.BackoffType), Delay: jc.BackoffDelay}),
		jobx.WithRetention(jc.KeepCompleted, jc.KeepFailed),
		jobx.WithEventBus(bus),
	}
	if c.FileSystem != nil {
		c.Archive = jobxarchive.NewFSArchiver(c.FileSystem, c.Config.Archive.Prefix)
		opts = append(opts, jobx.WithArchiver(c.Archive))
	}
	opts = append(opts, jobOptions()...)
	c.Queue = jobx.NewQueue(jc.Queue, ledger, opts...)

	c.Registry = jobx.NewRegistry()
	registerJobs(c.Registry)

	workerOpts := []jobx.WorkerOption{
		jobx.WithConcurrency(jc.Concurrency),
		jobx.WithPollInterval(jc.PollInterval),
		jobx.WithShutdownTimeout(jc.ShutdownTimeout),
	}
	janitorOpts := []jobx.JanitorOption{
		jobx.WithSchedule(jc.SweepSchedule),
		jobx.WithStalledTimeout(jc.StalledTimeout),
	}
	if c.Alerter != nil {
		workerOpts = append(workerOpts, jobx.WithAlerter(c.Alerter))
		janitorOpts = append(janitorOpts, jobx.WithJanitorAlerter(c.Alerter))
	}
	c.Worker = jobx.NewWorker(c.Queue, c.Registry, workerOpts...)
	c.Janitor = jobx.NewJanitor(c.Queue, janitorOpts...)
	var httpOpts []jobxhttp.Option
	if c.Archive != nil {
		httpOpts = append(httpOpts, jobxhttp.WithArchive(c.Archive))
	}
	c.Handlers = jobxhttp.NewHandlers(c.Queue, httpOpts...)

	logx.Infof("  ✅ Queue %q ready (backend: %s, processors: %v)", jc.Queue, jc.Backend, c.Registry.Names())
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// StartBackgroundServices runs the worker, the janitor and, on Postgres, the
// notification listener until ctx is cancelled.
func (c *Container) StartBackgroundServices(ctx context.Context, g *errgroup.Group) {
	logx.Info("🔄 Starting background services...")

	if c.Notifier != nil {
		g.Go(func() error { return c.Notifier.Run(ctx) })
	}
	g.Go(func() error { return c.Worker.Start(ctx) })
	g.Go(func() error { return c.Janitor.Start(ctx) })
}

// Ping checks the backend the ledger lives in.
func (c *Container) Ping(ctx context.Context) error {
	switch {
	case c.DB != nil:
		return c.DB.PingContext(ctx)
	case c.Redis != nil:
		return c.Redis.Ping(ctx).Err()
	}
	return nil
}

// Cleanup releases infrastructure. Background services must be stopped first.
func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up resources...")

	if c.Alerter != nil {
		c.Alerter.Close()
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("Error closing database: %v", err)
		} else {
			logx.Info("  ✅ Database connection closed")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("Error closing Redis: %v", err)
		} else {
			logx.Info("  ✅ Redis connection closed")
		}
	}

	logx.Info("✅ Cleanup complete")
}
