package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/firstline-io/firstline/internal/alerts"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/kvstore"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/worker"
	"github.com/firstline-io/firstline/pkg/log"
	"github.com/google/uuid"
)

func main() {
	cfgFile := flag.String("config", config.ConfigFile(), "path to the configuration file")
	flag.Parse()

	logger := log.InitLogs()
	cfg, err := config.LoadOrGenerate(*cfgFile)
	if err != nil {
		logger.Fatalf("reading configuration: %v", err)
	}
	log.SetLevel(logger, cfg.Service.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.InitDB(cfg, logger)
	if err != nil {
		logger.Fatalf("initializing database: %v", err)
	}
	st := store.NewStore(db, logger.WithField("pkg", "store"))
	defer st.Close()

	kv, err := kvstore.NewKVStore(cfg.Redis.Hostname, cfg.Redis.Port, cfg.Redis.Password)
	if err != nil {
		logger.Fatalf("connecting to kvstore: %v", err)
	}
	defer kv.Close()

	redisClient, err := queues.NewRedisClient(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("connecting to redis: %v", err)
	}
	defer redisClient.Close()

	metrics := instrumentation.NewMetrics()
	emitter := realtime.NewRemoteEmitter(redisClient, logger.WithField("pkg", "realtime"))
	evaluator := alerts.NewEvaluator(st, kv, emitter, metrics, logger.WithField("pkg", "alerts"))

	instanceID := "firstline-" + uuid.NewString()
	pool := worker.NewPool(redisClient, st, evaluator, emitter, metrics, cfg, logger.WithField("pkg", "worker"))

	reclaimer, err := worker.NewReclaimer(ctx, redisClient, pool, instanceID, logger.WithField("pkg", "worker"))
	if err != nil {
		logger.Fatalf("starting reclaimer: %v", err)
	}
	// The reclaimer thread exits with the context.
	reclaimer.Start()

	logger.Infof("starting %d telemetry workers as %s", cfg.Worker.Count, instanceID)
	if err := pool.Run(ctx, instanceID); err != nil {
		logger.Fatalf("worker pool error: %v", err)
	}
	logger.Info("worker shut down cleanly")
}
