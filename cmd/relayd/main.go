package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedotovmax/relay"
	"github.com/fedotovmax/relay/gormstore"
	"github.com/fedotovmax/relay/internal/adminhttp"
	"github.com/fedotovmax/relay/internal/config"
	"github.com/fedotovmax/relay/kafka"
	"github.com/fedotovmax/relay/postgres"
	"github.com/fedotovmax/relay/redisstream"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// store is what every ledger backend provides to the relay.
type store interface {
	relay.Ledger
	relay.Inspector
	relay.DeadLetterStore
	Ping(ctx context.Context) error
}

type ledgerBackend struct {
	store    store
	listener *postgres.Listener
	close    func()
}

type brokerBackend struct {
	broker relay.Broker
	close  func() error
}

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("relayd stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, log *slog.Logger) error {
	const op = "relayd.run"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics("relay", registry)

	lb, err := openLedger(ctx, cfg.Ledger, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer lb.close()

	bb, err := openBroker(cfg.Broker, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := bb.close(); err != nil {
			log.Warn("broker close failed", slog.String("error", err.Error()))
		}
	}()

	broker := bb.broker
	if cfg.Guard.Enabled {
		broker = relay.Guard(log, broker, cfg.Guard.ToGuardConfig())
	}

	opts := []relay.Option{relay.WithMetrics(metrics)}
	if lb.listener != nil {
		opts = append(opts, relay.WithWakeup(lb.listener.C()))
	}

	dispatcher, err := relay.New(log, lb.store, broker, cfg.Dispatcher.ToRelayConfig(), opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sink := relay.NewDeadLetterSink(log, lb.store, metrics)
	handler := adminhttp.NewHandler(log, sink, lb.store, registry)
	srv := adminhttp.NewServer(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout(), adminhttp.NewRouter(log, handler))

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("relay started", slog.String("owner", dispatcher.Owner()))

	g, gctx := errgroup.WithContext(ctx)

	if lb.listener != nil {
		g.Go(func() error {
			return lb.listener.Run(gctx)
		})
	}

	g.Go(func() error {
		log.Info("admin server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownTimeout())
		defer cancel()

		var errs []error
		if err := dispatcher.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher stop: %w", err))
		}

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout())
		defer cancelHTTP()

		if err := srv.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}

		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("relay stopped")
	return nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (*ledgerBackend, error) {
	const op = "relayd.openLedger"

	switch cfg.Driver {
	case "mysql":
		db, err := gormstore.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}

		ledger := gormstore.NewLedger(log, db)

		if cfg.AutoMigrate {
			if err := ledger.AutoMigrate(ctx); err != nil {
				closeDB()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}

		if err := ledger.Ping(ctx); err != nil {
			closeDB()
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		return &ledgerBackend{store: ledger, close: closeDB}, nil

	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if cfg.AutoMigrate {
			if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s: apply schema: %w", op, err)
			}
		}

		ledger := postgres.NewLedger(log, pool)
		if err := ledger.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		backend := &ledgerBackend{store: ledger, close: pool.Close}
		if cfg.Listen {
			backend.listener = postgres.NewListener(log, pool, postgres.NotifyChannel)
		}

		return backend, nil
	}
}

func openBroker(cfg config.BrokerConfig, log *slog.Logger) (*brokerBackend, error) {
	const op = "relayd.openBroker"

	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		return &brokerBackend{
			broker: redisstream.New(log, client, cfg.Redis.ToStreamConfig()),
			close:  client.Close,
		}, nil

	default:
		producer, err := kafka.NewAsyncProducer(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		b := kafka.New(log, producer, kafka.WithTopicPrefix(cfg.Kafka.TopicPrefix))

		return &brokerBackend{broker: b, close: b.Close}, nil
	}
}
