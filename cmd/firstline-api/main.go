package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/crypto"
	"github.com/firstline-io/firstline/internal/ingest"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/kvstore"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/server"
	"github.com/firstline-io/firstline/internal/service"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/transport"
	"github.com/firstline-io/firstline/internal/twin"
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
	logger.Infof("Using config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.InitDB(cfg, logger)
	if err != nil {
		logger.Fatalf("initializing database: %v", err)
	}
	st := store.NewStore(db, logger.WithField("pkg", "store"))
	defer st.Close()
	if err := st.InitialMigration(); err != nil {
		logger.Fatalf("running migrations: %v", err)
	}

	ca, generated, err := crypto.EnsureCA(cfg.CA.CertFile, cfg.CA.KeyFile)
	if err != nil {
		logger.Fatalf("loading CA: %v", err)
	}
	if generated {
		logger.Warnf("generated self-signed CA at %s", cfg.CA.CertFile)
	}

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
	publisher := queues.NewPublisher(redisClient, queues.TelemetryStream, cfg.Ingest.StreamMaxLen, logger)

	mqttClient, err := mqtt.NewClient(cfg, "firstline-api-"+uuid.NewString(), logger.WithField("pkg", "mqtt"))
	if err != nil {
		logger.Fatalf("connecting to mqtt broker: %v", err)
	}
	defer mqttClient.Close()

	metrics := instrumentation.NewMetrics()
	hub := realtime.NewHub(cfg.Service.RealtimeToken, logger.WithField("pkg", "realtime"))
	bridge := realtime.NewBridge(redisClient, hub, logger.WithField("pkg", "realtime"))
	bridge.Start(ctx)
	defer bridge.Stop()

	profileSvc := service.NewProfileService(st, logger.WithField("pkg", "service"))
	if err := profileSvc.SeedDefaults(ctx); err != nil {
		logger.Fatalf("seeding default profiles: %v", err)
	}
	provisioningSvc := service.NewProvisioningService(st, ca, cfg, logger.WithField("pkg", "service"))
	brokerAuthSvc := service.NewBrokerAuthService(st, cfg, logger.WithField("pkg", "service"))
	twinSvc := twin.NewService(st, mqttClient, hub, logger.WithField("pkg", "twin"))

	gateway := ingest.NewGateway(st, kv, publisher, hub, metrics, cfg, logger.WithField("pkg", "ingest"))
	defer gateway.Stop()
	registrar := ingest.NewRegistrar(st, hub, logger.WithField("pkg", "ingest"))

	if err := gateway.SubscribeTelemetry(mqttClient); err != nil {
		logger.Fatalf("subscribing to telemetry: %v", err)
	}
	if err := registrar.Subscribe(mqttClient); err != nil {
		logger.Fatalf("subscribing to registrations: %v", err)
	}
	if err := twinSvc.Subscribe(mqttClient); err != nil {
		logger.Fatalf("subscribing to reported configs: %v", err)
	}

	handlers := server.Handlers{
		Provisioning: transport.NewProvisioningHandler(provisioningSvc, logger),
		Telemetry:    transport.NewTelemetryHandler(gateway, st, logger),
		Twin:         transport.NewTwinHandler(twinSvc, logger),
		Profiles:     transport.NewProfileHandler(profileSvc, logger),
		Alerts:       transport.NewAlertsHandler(st, logger),
		MQTTAuth:     transport.NewMQTTAuthHandler(brokerAuthSvc, logger),
	}
	srv := server.New(cfg, st, kv, hub, metrics, handlers, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("server error: %v", err)
	}
	logger.Info("api shut down cleanly")
}
