package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"helmguard/internal/alerts"
	"helmguard/internal/api"
	"helmguard/internal/attendance"
	"helmguard/internal/config"
	"helmguard/internal/engine"
	"helmguard/internal/events"
	"helmguard/internal/ingest"
	"helmguard/internal/logging"
	"helmguard/internal/metrics"
	"helmguard/internal/registry"
	"helmguard/internal/storage"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "helmguardd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("helmguardd", version)
		return nil
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "env file load:", err)
	}

	var manager *config.Manager
	if path := config.ResolvePath(*configPath); path != "" {
		m, err := config.NewManager(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		manager = m
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config_path", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, live state mirror disabled", "addr", cfg.Redis.Addr, "err", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var nc *nats.Conn
	if cfg.Ingest.NATS.Enabled || cfg.Events.Enabled {
		nc, err = nats.Connect(cfg.Ingest.NATS.URL, nats.Name("helmguardd"))
		if err != nil {
			logger.Warn("nats unreachable, broker transport disabled", "url", cfg.Ingest.NATS.URL, "err", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	var publisher events.Publisher
	if cfg.Events.Enabled && nc != nil {
		publisher = events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix, cfg.Events.MaxRetries)
	}

	m := metrics.New()
	reg := registry.New(store, rdb, publisher, logging.Component(logger, "registry"))
	alertSvc := alerts.NewService(store, alerts.NewRecent(512), publisher, logging.Component(logger, "alerts"))
	attSvc := attendance.NewService(store, manager, publisher, m, logging.Component(logger, "attendance"))

	in := make(chan ingest.Message, cfg.Ingest.ChannelBuffer)
	scans := make(chan ingest.Message, cfg.Ingest.ScanBuffer)

	eng := engine.New(engine.Options{
		Config:     manager,
		Store:      store,
		Registry:   reg,
		Alerts:     alertSvc,
		Attendance: attSvc,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logging.Component(logger, "engine"),
		In:         in,
		Scans:      scans,
	})

	ingestLogger := logging.Component(logger, "ingest")
	if err := ingest.StartNATS(ctx, nc, manager, in, scans, ingestLogger, m.Dropped); err != nil {
		return fmt.Errorf("nats ingest: %w", err)
	}
	ingest.StartSerial(ctx, manager, in, ingestLogger, m.Dropped)
	ingest.StartUDP(ctx, manager, in, ingestLogger, m.Dropped)
	ingest.StartKafka(ctx, manager, in, ingestLogger, m.Dropped)

	server := api.NewServer(manager, eng, reg, alertSvc, attSvc, m, logging.Component(logger, "api"))
	server.Start(ctx)

	if manager.Path() != "" {
		go manager.Watch(5*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded", "path", manager.Path(), "log_level", next.LogLevel)
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			ctx.Done())
	}

	eng.Run(ctx)

	logger.Info("shutting down")
	// Give the buffer drain and http shutdown a moment before exit.
	time.Sleep(200 * time.Millisecond)
	return nil
}
