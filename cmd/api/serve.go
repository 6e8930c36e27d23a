package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/handler"
	"github.com/clinicflow/agent-gateway/internal/middleware"
	natsclient "github.com/clinicflow/agent-gateway/internal/nats"
	"github.com/clinicflow/agent-gateway/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the queue worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				log.Error("failed to start", zap.Error(err))
				return err
			}
			defer a.Close(ctx)

			var trigger *natsclient.QueueTrigger
			if a.nats != nil {
				trigger = natsclient.NewQueueTrigger(a.nats, cfg.NATSQueueSubject, cfg.ProcessingTimeout, log)
				if err := trigger.Subscribe(a.queue, service.ErrQueueEntryClaimed); err != nil {
					return err
				}
			}

			server := &http.Server{
				Addr:         ":" + cfg.ServerPort,
				Handler:      newRouter(a),
				ReadTimeout:  cfg.ServerReadTimeout,
				WriteTimeout: cfg.ServerWriteTimeout,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("server listening", zap.String("port", cfg.ServerPort))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				log.Error("server error", zap.Error(err))
				return err
			}

			log.Info("shutting down server")
			if trigger != nil {
				if err := trigger.Unsubscribe(); err != nil {
					log.Warn("failed to drain queue subscription", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("server forced to shutdown", zap.Error(err))
			}

			log.Info("server stopped")
			return nil
		},
	}
}

func newRouter(a *app) http.Handler {
	checks := map[string]handler.Pinger{"postgres": a.pool}
	if a.nats != nil {
		checks["nats"] = a.nats
	}
	healthHandler := handler.NewHealthHandler(checks)
	webhookHandler := handler.NewWebhookHandler(a.inbound, a.log)
	queueHandler := handler.NewQueueHandler(a.queue, a.log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(a.log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(a.cfg.WebhookRateLimit, a.cfg.WebhookRateWindow))
		r.Use(middleware.LimitBody(middleware.MaxWebhookBody))

		r.Get("/whatsapp", webhookHandler.Verify)
		r.Post("/whatsapp", webhookHandler.Receive)
		r.Post("/twilio", webhookHandler.Receive)
	})

	// Internal routes for schedulers
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Auth(a.cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopeQueueProcess))
		r.Use(middleware.CallerRateLimit(120, time.Minute))

		r.Post("/queue/{id}/process", queueHandler.Process)
	})

	return r
}
