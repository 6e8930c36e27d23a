package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/agent"
	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/internal/config"
	"github.com/clinicflow/agent-gateway/internal/llm"
	natsclient "github.com/clinicflow/agent-gateway/internal/nats"
	"github.com/clinicflow/agent-gateway/internal/service"
	"github.com/clinicflow/agent-gateway/internal/store"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/tracing"
)

// app holds the wired dependencies of one process.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	pool      *pgxpool.Pool
	nats      *natsclient.Client
	publisher *natsclient.TurnPublisher
	tp        *sdktrace.TracerProvider

	inbound *service.InboundService
	queue   *service.QueueProcessor
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg := config.Load()
	log, err := logger.FromEnv(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			a.tp = tp
		}
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if cfg.DBAutoMigrate {
		if err := store.Migrate(ctx, pool); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		log.Info("schema migrated")
	}
	db := store.New(pool)

	if cfg.NATSURL != "" {
		if err := a.connectNATS(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	} else {
		log.Info("NATS_URL not set, turn stream and queue triggers disabled")
	}

	completion, err := newCompletionClient(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	registry, err := agent.NewDefaultRegistry(db)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	assembler := agent.NewContextAssembler(db, db, cfg.HistoryWindow, log)
	orchestrator := agent.NewOrchestrator(completion, registry, agent.OrchestratorConfig{
		MaxIterations: cfg.MaxToolIterations,
		MaxTokens:     cfg.LLMMaxTokens,
		Temperature:   cfg.LLMTemperature,
		DefaultModel:  cfg.DefaultModel,
	}, log)

	settings := channel.Settings{
		TwilioAPIBaseURL: cfg.TwilioAPIBaseURL,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		GraphURL:         cfg.WhatsAppGraphURL,
		APIVersion:       cfg.WhatsAppAPIVersion,
		WhatsAppToken:    cfg.WhatsAppToken,
		MediaMaxBytes:    cfg.MediaMaxBytes,
	}

	var events service.EventPublisher
	if a.publisher != nil {
		events = a.publisher
	}
	pipeline := service.NewPipeline(service.PipelineDeps{
		Turns:     db,
		Assembler: assembler,
		Runner:    orchestrator,
		Sender:    channel.NewDispatcher(&http.Client{Timeout: 15 * time.Second}, settings),
		Media:     channel.NewMediaFetcher(&http.Client{Timeout: 30 * time.Second}, settings),
		Events:    events,
	}, log)

	resolver := service.NewResolver(db, cfg.WhatsAppVerifyToken, log)
	normalizer := channel.NewNormalizer(channel.TwilioParser{}, channel.WhatsAppParser{})

	a.inbound = service.NewInboundService(normalizer, resolver, pipeline, db, service.InboundConfig{
		Debounce: cfg.DebounceEnabled,
		Timeout:  cfg.ProcessingTimeout,
	}, log)
	a.queue = service.NewQueueProcessor(db, resolver, pipeline, cfg.ProcessingTimeout, log)

	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := natsclient.Connect(connectCtx, natsConfig(a.cfg), a.log)
	if err != nil {
		return err
	}
	a.nats = client

	publisher := natsclient.NewTurnPublisher(client)
	if err := publisher.EnsureStream(connectCtx); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	a.publisher = publisher
	return nil
}

func natsConfig(cfg *config.Config) natsclient.Config {
	return natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}
}

// newCompletionClient routes each tenant's model to the matching provider,
// falling back to the provider of the default model.
func newCompletionClient(cfg *config.Config) (llm.Client, error) {
	clients := map[llm.Provider]llm.Client{}
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, err
		}
		clients[llm.ProviderOpenAI] = c
	}
	if cfg.AnthropicAPIKey != "" {
		c, err := llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey, "")
		if err != nil {
			return nil, err
		}
		clients[llm.ProviderAnthropic] = c
	}

	return llm.NewRouter(llm.ProviderForModel(cfg.DefaultModel), clients)
}

// Close releases everything newApp acquired.
func (a *app) Close(ctx context.Context) {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tp != nil {
		if err := tracing.Shutdown(ctx, a.tp); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
