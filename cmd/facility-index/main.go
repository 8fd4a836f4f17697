package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/mohammed-shakir/facility-index/internal/cache/redisstore"
	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/core/config"
	"github.com/mohammed-shakir/facility-index/internal/core/httpclient"
	"github.com/mohammed-shakir/facility-index/internal/core/router"
	"github.com/mohammed-shakir/facility-index/internal/core/server"
	"github.com/mohammed-shakir/facility-index/internal/events"
	"github.com/mohammed-shakir/facility-index/internal/index"
	"github.com/mohammed-shakir/facility-index/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/facility-index/internal/leafstore"
	"github.com/mohammed-shakir/facility-index/internal/logger"
	"github.com/mohammed-shakir/facility-index/internal/metrics"
	"github.com/mohammed-shakir/facility-index/internal/offline"
	"github.com/mohammed-shakir/facility-index/internal/report"
	"github.com/mohammed-shakir/facility-index/internal/snapshot"
	"github.com/mohammed-shakir/facility-index/internal/syncer"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type stores struct {
	leaves    leafstore.Store
	snapshots snapshot.Store
	queue     offline.Queue
	close     func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.StoreDriver == "memory" {
		return stores{
			leaves:    leafstore.NewMemoryStore(),
			snapshots: snapshot.NewMemoryStore(),
			queue:     offline.NewMemoryQueue(),
			close:     func() {},
		}, nil
	}
	cli, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		return stores{}, err
	}
	return stores{
		leaves:    leafstore.NewRedisStore(cli),
		snapshots: snapshot.NewRedisStore(cli),
		queue:     offline.NewRedisQueue(cli, cfg.IndexID),
		close:     func() { _ = cli.Close() },
	}, nil
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file to load")
	printTree := flag.Bool("print", false, "print the index tree once it is ready and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		IndexID:   cfg.IndexID,
		Component: "facility-index",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := report.Setup(cfg.SentryDSN, cfg.Env, Version); err != nil {
		appLog.Warn("sentry disabled", "err", err)
	}
	defer report.Flush()

	appLog.Info("starting facility index",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.Catalog.URL,
		"index_id", cfg.IndexID,
		"bounds", cfg.IndexBounds.String(),
		"store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		appLog.Error("store setup failed", "err", err)
		return 1
	}
	defer st.close()

	remote, err := catalog.New(appLog, httpclient.NewOutbound(cfg.Catalog.Timeout),
		cfg.Catalog.URL, cfg.Catalog.User, cfg.Catalog.Password)
	if err != nil {
		appLog.Error("catalog client setup failed", "err", err)
		return 1
	}

	ix, err := index.Open(ctx, index.Config{
		ID:               cfg.IndexID,
		Bounds:           cfg.IndexBounds,
		LeafReadWorkers:  cfg.LeafReadWorkers,
		LeafWriteWorkers: cfg.LeafWriteWorkers,
	}, index.Deps{
		Leaves:    st.leaves,
		Snapshots: st.snapshots,
		Catalog:   remote,
		Logger:    appLog,
	})
	if err != nil {
		appLog.Error("index setup failed", "err", err)
		return 1
	}

	if *printTree {
		if err := ix.Wait(ctx); err != nil {
			appLog.Error("index not ready", "err", err)
			return 1
		}
		if err := ix.Print(os.Stdout); err != nil {
			appLog.Error("print failed", "err", err)
			return 1
		}
		return 0
	}

	opts := syncer.Options{
		IndexID:   cfg.IndexID,
		BatchSize: cfg.SyncBatch,
		Refresher: ix,
		Logger:    appLog,
	}
	if cfg.EventsEnabled {
		pub, err := events.NewPublisher(kafkaconsumer.SplitCSV(cfg.Kafka.Brokers),
			cfg.Kafka.EventsTopic, cfg.Kafka.EventsQueue, appLog)
		if err != nil {
			appLog.Warn("event publisher disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			opts.Publisher = pub
		}
	}
	sy := syncer.New(st.queue, ix, opts)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sy.Run(ctx, cfg.SyncInterval)
	}()

	if cfg.InvalidationEnabled {
		kcfg := kafkaconsumer.NewConfig(cfg.Kafka.Brokers, cfg.Kafka.ChangesTopic, cfg.Kafka.GroupID)
		kcfg.DedupeSize = cfg.Kafka.DedupeEntries
		cons := kafkaconsumer.New(kcfg, appLog, &zl, ix)
		go func() {
			if err := cons.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("catalog change consumer stopped", "err", err)
			}
		}()
	}

	metricsHandler := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		IndexID: cfg.IndexID,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	}).Handler()

	api := router.NewAPI(appLog, ix, st.queue, sy)
	h := server.NewHandler(cfg, appLog, api, ix, metricsHandler)

	err = server.Run(ctx, cfg, appLog, h)
	stop()
	wg.Wait()
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
