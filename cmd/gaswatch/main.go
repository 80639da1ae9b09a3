package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/minor-industries/gaswatch"
	"github.com/minor-industries/gaswatch/config"
	"github.com/minor-industries/gaswatch/database"
	"github.com/minor-industries/gaswatch/database/inmem"
	"github.com/minor-industries/gaswatch/mirror"
	"github.com/minor-industries/gaswatch/storage"
	"github.com/pkg/errors"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(path string) (storage.StorageBackend, error) {
	if path == ":memory:" {
		return inmem.NewBackend(), nil
	}
	db, err := database.Get(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

type flags struct {
	config string
	listen string
	db     string
}

func run(logger *slog.Logger, f flags) error {
	cfg, err := loadConfig(f.config)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.db != "" {
		cfg.Database = f.db
	}

	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("opening store", "path", cfg.Database)
	store, err := openStore(cfg.Database)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", "err", err)
		}
	}()

	errCh := make(chan error, 1)

	opts := gaswatch.OptionsFromConfig(cfg)
	opts.Logger = logger

	monitor, err := gaswatch.New(store, opts)
	if err != nil {
		return errors.Wrap(err, "new monitor")
	}
	defer monitor.Close()

	if len(cfg.Kafka.Brokers) > 0 {
		m := mirror.New(mirror.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		monitor.Go(func(ctx context.Context) {
			defer func() { _ = m.Close() }()
			m.Run(ctx, monitor.Broker())
		})
		logger.Info("kafka mirror ready", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := monitor.Tick(ctx); err != nil {
		logger.Error("initial tick failed", "err", err)
	}
	monitor.Start()
	defer monitor.Stop()

	go func() {
		errCh <- monitor.RunServer(ctx, cfg.Listen)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML config file (defaults built in)")
	flag.StringVar(&f.listen, "listen", "", "listen address (overrides config)")
	flag.StringVar(&f.db, "db", "", "sqlite database path or :memory: (overrides config)")
	jsonLogs := flag.Bool("log-json", false, "log as JSON")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if *debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(logger, f); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
}
