// Package server assembles the HTTP surface: the REST API, the broker
// auth callbacks, the websocket bus, and the operational endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/kvstore"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const gracefulShutdownTimeout = 10 * time.Second

// Handlers bundles the transport handlers the router mounts.
type Handlers struct {
	Provisioning *transport.ProvisioningHandler
	Telemetry    *transport.TelemetryHandler
	Twin         *transport.TwinHandler
	Profiles     *transport.ProfileHandler
	Alerts       *transport.AlertsHandler
	MQTTAuth     *transport.MQTTAuthHandler
}

type Server struct {
	cfg     *config.Config
	store   store.Store
	kv      kvstore.KVStore
	hub     *realtime.Hub
	metrics *instrumentation.Metrics
	httpSrv *http.Server
	log     logrus.FieldLogger
}

func New(cfg *config.Config, st store.Store, kv kvstore.KVStore, hub *realtime.Hub, metrics *instrumentation.Metrics, handlers Handlers, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		kv:      kv,
		hub:     hub,
		metrics: metrics,
		log:     log,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/device-provisioning", handlers.Provisioning.Provision)
		r.Get("/device-provisioning/{deviceId}", handlers.Provisioning.Status)
		r.Delete("/device-provisioning/{deviceId}", handlers.Provisioning.Deprovision)

		r.Post("/devices/{deviceId}/telemetry", handlers.Telemetry.Ingest)
		r.Get("/devices/{deviceId}/telemetry", handlers.Telemetry.Query)
		r.Get("/devices/{deviceId}/telemetry/metrics", handlers.Telemetry.Metrics)

		r.Get("/devices/{deviceId}/twin", handlers.Twin.Get)
		r.Patch("/devices/{deviceId}/twin", handlers.Twin.Patch)

		r.Get("/devices/{deviceId}/alert-rules", handlers.Alerts.Rules)
		r.Get("/alerts/recent", handlers.Alerts.Recent)

		r.Get("/device-profiles", handlers.Profiles.List)
		r.Post("/device-profiles", handlers.Profiles.Create)
		r.Get("/device-profiles/{profileId}", handlers.Profiles.Get)
		r.Put("/device-profiles/{profileId}", handlers.Profiles.Update)
		r.Delete("/device-profiles/{profileId}", handlers.Profiles.Delete)
	})

	router.Route("/mqtt", func(r chi.Router) {
		r.Post("/auth", handlers.MQTTAuth.Auth)
		r.Post("/superuser", handlers.MQTTAuth.Superuser)
		r.Post("/acl", handlers.MQTTAuth.ACL)
	})

	router.Get("/ws", hub.HandleWebSocket)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/healthz", s.healthz)

	s.httpSrv = &http.Server{
		Addr:         cfg.Service.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Service.Address)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"database": "ok", "kvstore": "ok"}
	if err := s.store.CheckHealth(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["database"] = err.Error()
	}
	if err := s.kv.CheckHealth(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["kvstore"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body["database"] == "ok" && body["kvstore"] == "ok" {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"degraded"}`))
}
