package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"tradefeed/internal/config"
	"tradefeed/internal/database"
	"tradefeed/internal/forward"
	"tradefeed/internal/pipeline"
	"tradefeed/internal/router"
	"tradefeed/internal/server"
	"tradefeed/internal/sink"
)

var (
	configPath  = flag.String("config", ".", "directory containing config.yaml")
	interactive = flag.Bool("commands", true, "read operator commands from stdin")
)

func main() {
	flag.Parse()
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("tradefeed exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(logger *slog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, logger, cfg)
	if err != nil {
		return err
	}

	trades := sink.New(logger.With("component", "sink"), repo, sink.Options{
		BufferSize:   cfg.Sink.BufferSize,
		WriteTimeout: cfg.Sink.WriteTimeout,
	})
	topics := router.New(logger.With("component", "router"))
	supervisor := pipeline.New(logger.With("component", "pipeline"), topics, trades,
		pipeline.WithFlushTimeout(cfg.Sink.FlushTimeout))

	forwarders := startForwarders(ctx, logger, cfg, topics)

	srv := server.New(logger.With("component", "server"), topics, supervisor, trades, repo, server.Options{
		Address:      cfg.Server.Address,
		WriteBuffer:  cfg.Server.WriteBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	requests := make(chan string, 1)
	request := func(trigger string) {
		select {
		case requests <- trigger:
		default:
		}
	}
	if *interactive {
		go readCommands(os.Stdin, os.Stdout, request)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	// Start may wait on slow exchanges; commands and signals are served meanwhile and
	// Shutdown cancels it.
	g.Go(func() error {
		if err := supervisor.Start(gctx, cfg.Exchanges); err != nil {
			logger.Error("Pipeline did not start", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		trigger := "signal"
		select {
		case <-gctx.Done():
		case trigger = <-requests:
		case <-supervisor.Done():
			trigger = "pipeline stopped"
		}
		logger.Info("Shut down initiated.", "trigger", trigger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()

		if err := supervisor.Shutdown(shutdownCtx); err != nil {
			logger.Error("Pipeline shutdown reported errors", "error", err)
		}
		for _, f := range forwarders {
			if err := f.Close(); err != nil {
				logger.Warn("Failed to close forwarder", "error", err)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Server shutdown reported errors", "error", err)
		}

		logger.Info("Shutdown complete, process terminating.")
		return nil
	})
	return g.Wait()
}

// openStore creates the trade repository. A database that cannot be reached yet is only
// logged: the schema is created before the first write and failed writes are counted by the sink.
func openStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (*database.PostgresRepository, error) {
	repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	migrateCtx, cancel := context.WithTimeout(ctx, cfg.Sink.WriteTimeout)
	defer cancel()
	if err := repo.Migrate(migrateCtx); err != nil {
		logger.Warn("Trade store unavailable, trades will be written once it is reachable",
			"host", cfg.Database.Host, "port", cfg.Database.Port, "error", err)
	}
	return repo, nil
}

func startForwarders(ctx context.Context, logger *slog.Logger, cfg config.Config, topics *router.Router) []io.Closer {
	var closers []io.Closer

	if rc := cfg.Forward.Redis; rc.Enabled {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, forwarding will retry per trade", "addr", rc.Addr, "error", err)
		}
		f := forward.NewRedisStream(logger, client, rc.StreamPrefix, rc.MaxLen, 0)
		attach(logger, topics, f, cfg)
		closers = append(closers, f)
	}

	if kc := cfg.Forward.Kafka; kc.Enabled {
		f := forward.NewKafka(logger, kc.Brokers, kc.Topic)
		attach(logger, topics, f, cfg)
		closers = append(closers, f)
	}

	return closers
}

func attach(logger *slog.Logger, topics *router.Router, sub router.Subscriber, cfg config.Config) {
	attached, err := forward.AttachConfigured(topics, sub, cfg.Exchanges)
	if err != nil {
		logger.Warn("Forwarder not attached to every topic", "forwarder", sub.ID(), "error", err)
	}
	logger.Info("Forwarder attached", "forwarder", sub.ID(), "topics", attached)
}
