// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the serve, worker and all commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/api"
	"github.com/JakeFAU/slotwatch/internal/booking"
	chromedpbrowser "github.com/JakeFAU/slotwatch/internal/browser/chromedp"
	staticbrowser "github.com/JakeFAU/slotwatch/internal/browser/static"
	"github.com/JakeFAU/slotwatch/internal/browser/throttle"
	"github.com/JakeFAU/slotwatch/internal/bus"
	"github.com/JakeFAU/slotwatch/internal/clock/system"
	"github.com/JakeFAU/slotwatch/internal/config"
	"github.com/JakeFAU/slotwatch/internal/dispatcher"
	"github.com/JakeFAU/slotwatch/internal/hash/md5"
	"github.com/JakeFAU/slotwatch/internal/id/uuid"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/notify/webhook"
	"github.com/JakeFAU/slotwatch/internal/obstruction"
	"github.com/JakeFAU/slotwatch/internal/progress"
	"github.com/JakeFAU/slotwatch/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/slotwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/slotwatch/internal/queue"
	queueMemory "github.com/JakeFAU/slotwatch/internal/queue/memory"
	queueRedis "github.com/JakeFAU/slotwatch/internal/queue/redis"
	"github.com/JakeFAU/slotwatch/internal/registry"
	"github.com/JakeFAU/slotwatch/internal/storage/gcs"
	"github.com/JakeFAU/slotwatch/internal/storage/local"
	storageMemory "github.com/JakeFAU/slotwatch/internal/storage/memory"
	"github.com/JakeFAU/slotwatch/internal/storage/postgres"
	"github.com/JakeFAU/slotwatch/internal/telemetry"
	"github.com/JakeFAU/slotwatch/internal/worker"
)

// Store is the persistence surface shared by the registry and the event
// history sink.
type Store interface {
	monitor.Store
	monitor.EventStore
}

// App holds the shared, long-lived services. Role-specific components (the
// API server, the worker) are built on demand so a worker-only process never
// opens the event hub and a server-only process never launches a browser.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	store  Store
	queue  queue.Queue
	checks []api.ReadyCheck

	registerer prometheus.Registerer
	bus        *bus.Bus
	registry   *registry.Registry
	hub        *progress.Hub
	closers    []closer
}

// Option customises an App.
type Option func(*App)

// WithRegisterer registers event metrics against reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		if reg != nil {
			a.registerer = reg
		}
	}
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New creates the App from cfg. It fails fast if any backing service cannot
// be reached; services opened before the failure are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger, clock: system.New(), registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	logger.Info("Initializing application services...")
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "slotwatch",
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		return nil, err
	}
	logger.Info("Application services initialized successfully.",
		zap.String("db", cfg.DB.Driver), zap.String("queue", cfg.Queue.Driver))
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "postgres":
		a.logger.Info("Connecting to PostgreSQL...")
		store, err := postgres.Connect(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if a.cfg.DB.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		a.store = store
		a.checks = append(a.checks, api.ReadyCheck{Name: "postgres", Check: store.Ping})
	default:
		a.logger.Info("Using in-memory store. Records are lost on restart.")
		a.store = storageMemory.NewStore()
	}
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case "redis":
		a.logger.Info("Connecting to Redis queue...")
		q, err := queueRedis.Connect(ctx, a.cfg.Redis.URL, queueRedis.Config{
			Prefix:       a.cfg.Redis.Prefix,
			TombstoneTTL: time.Duration(a.cfg.Redis.TombstoneTTLSeconds) * time.Second,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("init queue: %w", err)
		}
		a.queue = q
		a.checks = append(a.checks, api.ReadyCheck{Name: "redis", Check: q.Ping})
	default:
		a.queue = queueMemory.NewQueue(a.cfg.Queue.Capacity)
	}
	a.onClose("queue", func(context.Context) error { return a.queue.Close() })
	return nil
}

// Bus returns the event bus, creating it and its progress hub on first use.
func (a *App) Bus(ctx context.Context) (*bus.Bus, error) {
	if a.bus != nil {
		return a.bus, nil
	}
	hubSinks, err := a.progressSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:    a.cfg.Events.HubBuffer,
		FlushInterval: time.Duration(a.cfg.Events.FlushIntervalMs) * time.Millisecond,
		Logger:        a.logger.Named("progress"),
	}, hubSinks...)
	a.onClose("progress hub", a.hub.Close)
	a.bus = bus.New(bus.WithTap(a.hub), bus.WithLogger(a.logger.Named("bus")))
	return a.bus, nil
}

func (a *App) progressSinks(ctx context.Context) ([]progress.Sink, error) {
	out := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		sinks.NewStoreSink(a.store, a.cfg.Events.KeepHeartbeats, a.logger),
	}
	prom, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out = append(out, prom)

	if a.cfg.PubSub.Enabled {
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.TopicName))
		pub, err := pubsubpublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		out = append(out, sinks.NewPubSubSink(pub, a.cfg.PubSub.Events, pub.Close))
	}
	if a.cfg.Telegram.Enabled {
		bot, err := sinks.NewTelegramBot(a.cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("init telegram: %w", err)
		}
		out = append(out, sinks.NewTelegramSink(bot, a.cfg.Telegram.ChatID, a.cfg.Telegram.BookingURL, a.logger))
	}
	return out, nil
}

// Registry returns the monitor registry, creating it on first use.
func (a *App) Registry(ctx context.Context) (*registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	b, err := a.Bus(ctx)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(
		a.store,
		dispatcher.New(a.queue, a.clock),
		b,
		uuid.New(),
		a.clock,
		registry.WithLogger(a.logger),
		registry.WithObservers(b),
	)
	return a.registry, nil
}

// Server builds the management API over the shared store, queue and bus.
func (a *App) Server(ctx context.Context) (*api.Server, error) {
	b, err := a.Bus(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewServer(reg, b, a.clock, api.Config{
		RequestTimeout:    time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		RequestsPerMinute: a.cfg.RateLimit.RequestsPerMinute,
		WebhookSecret:     a.cfg.Events.Secret,
		ObserverBuffer:    a.cfg.Events.ObserverBuffer,
	}, a.logger, a.checks...), nil
}

// LocalNotifier is the in-process counterpart of the ingestion webhook: it
// persists booking status carried by an event, then delivers it on the bus.
func (a *App) LocalNotifier(ctx context.Context) (monitor.Notifier, error) {
	b, err := a.Bus(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return &localNotifier{registry: reg, bus: b, logger: a.logger.Named("events")}, nil
}

type localNotifier struct {
	registry *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

func (n *localNotifier) Notify(ctx context.Context, evt monitor.Event) error {
	if err := n.registry.ApplyBookingEvent(ctx, evt); err != nil {
		n.logger.Error("apply booking event failed",
			zap.Int64("booking_id", evt.BookingID), zap.String("event", string(evt.Kind)), zap.Error(err))
	}
	n.bus.Deliver(ctx, evt)
	return nil
}

// RemoteNotifier delivers events to the ingestion webhook of a serve process.
func (a *App) RemoteNotifier() (monitor.Notifier, error) {
	client, err := webhook.New(webhook.Config{URL: a.cfg.Events.IngestURL, Secret: a.cfg.Events.Secret})
	if err != nil {
		return nil, fmt.Errorf("init event client: %w", err)
	}
	return client, nil
}

// Worker builds a task worker that reports through notifier.
func (a *App) Worker(ctx context.Context, notifier monitor.Notifier) (*worker.Worker, error) {
	browser, err := a.openBrowser()
	if err != nil {
		return nil, err
	}
	var booker worker.BookingRunner
	if a.cfg.Booking.Enabled {
		blobs, err := a.openBlobStore(ctx)
		if err != nil {
			return nil, err
		}
		booker = booking.New(
			a.cfg.BookingFlow(),
			browser,
			obstruction.New(a.cfg.Monitor.CaptchaSelectors, 0, a.logger),
			notifier,
			blobs,
			md5.New(),
			a.clock,
			a.logger,
		)
	}
	sessions := worker.NewSessionFactory(a.cfg.Session(), browser, notifier, a.clock, a.logger)
	return worker.New(a.queue, sessions, booker, worker.Config{MaxBookings: a.cfg.Booking.MaxParallel}, a.logger), nil
}

func (a *App) openBrowser() (monitor.Browser, error) {
	b := a.cfg.Browser
	budget := throttle.New(throttle.Config{PerMinute: b.NavigationsPerMinute, Burst: b.NavigationBurst})
	if b.Driver == "static" {
		a.logger.Info("Using static browser driver; pages are not scripted.")
		return throttle.Wrap(staticbrowser.New(staticbrowser.Config{UserAgent: b.UserAgent}), budget), nil
	}
	browser, err := chromedpbrowser.New(chromedpbrowser.Config{
		MaxParallel: b.MaxParallel,
		UserAgent:   b.UserAgent,
		Headless:    b.Headless,
		Width:       b.Width,
		Height:      b.Height,
		ExecPath:    b.ExecPath,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	a.onClose("browser", func(context.Context) error {
		browser.Close()
		return nil
	})
	return throttle.Wrap(browser, budget), nil
}

func (a *App) openBlobStore(ctx context.Context) (monitor.BlobStore, error) {
	s := a.cfg.Storage
	switch s.Driver {
	case "gcs":
		a.logger.Info("Using GCS blob store", zap.String("bucket", s.GCSBucket))
		store, err := gcs.Connect(ctx, gcs.Config{Bucket: s.GCSBucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: s.LocalDir, PublicBaseURL: s.PublicBaseURL})
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("Using in-memory blob store. Confirmations are lost on restart.")
		return storageMemory.NewBlobStore(), nil
	}
}

// Close shuts down services in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("Shutting down application services...")
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
