package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/monitors"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/pkg/log"
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

	redisClient, err := queues.NewRedisClient(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("connecting to redis: %v", err)
	}
	defer redisClient.Close()

	metrics := instrumentation.NewMetrics()
	emitter := realtime.NewRemoteEmitter(redisClient, logger.WithField("pkg", "realtime"))

	monitor := monitors.NewHealthMonitor(ctx, st, emitter, metrics, cfg, logger.WithField("pkg", "monitors"))
	monitor.Start()

	// The monitor thread exits with the context.
	<-ctx.Done()
	logger.Info("periodic tasks shut down cleanly")
}
