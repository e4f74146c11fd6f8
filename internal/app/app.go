// Package app wires the relay's components from configuration. The server,
// Lambda and CLI entry points all build through here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wpp-relay/handler"
	"wpp-relay/internal/buffer"
	"wpp-relay/internal/config"
	"wpp-relay/internal/dedupe"
	"wpp-relay/internal/integrations/openai"
	"wpp-relay/internal/integrations/paramstore"
	"wpp-relay/internal/integrations/pdf"
	"wpp-relay/internal/integrations/zapi"
	"wpp-relay/internal/metrics"
	"wpp-relay/internal/repository"
	"wpp-relay/internal/usecase"
)

// App holds the wired component graph.
type App struct {
	Config        config.Config
	Logger        *slog.Logger
	Store         repository.Store
	Conversations *repository.ConversationStore
	Metrics       *metrics.Metrics
	Machine       *usecase.Machine
	Ingestor      *usecase.Ingestor
	Handler       *handler.Handler
	// Buffer is nil when debouncing is disabled.
	Buffer *buffer.Buffer
}

// NewLogger returns a JSON slog logger at the configured level.
func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

// LoadAWS loads the default AWS SDK configuration.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewStore returns the key-value backend selected by STORE_BACKEND.
func NewStore(awsCfg aws.Config, cfg config.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return repository.NewMemoryStore(), nil
	case config.StoreDynamoDB:
		kv, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}

// Build wires every component. ctx bounds the lifetime of buffered batch runs.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	awsCfg, err := LoadAWS(ctx)
	if err != nil {
		return nil, err
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	kv, err := NewStore(awsCfg, cfg)
	if err != nil {
		return nil, err
	}
	conversations, err := repository.NewConversationStore(kv, cfg.ConversationTTL, logger)
	if err != nil {
		return nil, err
	}
	guard, err := dedupe.New(kv, cfg.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	llm, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithModel(cfg.OpenAIModel),
		openai.WithTranscriptionModel(cfg.OpenAITranscriptionModel),
	)
	if err != nil {
		return nil, err
	}
	wpp, err := zapi.NewClient(params, cfg.ParamPrefix,
		zapi.WithBaseURL(cfg.ZAPIBaseURL),
		zapi.WithRateLimit(cfg.SendRatePerSecond),
	)
	if err != nil {
		return nil, err
	}

	outbox, err := usecase.NewOutbox(wpp, logger, m)
	if err != nil {
		return nil, err
	}
	machine, err := usecase.NewMachine(llm, conversations, outbox, usecase.MachineConfig{
		CounterpartyPhone: cfg.CounterpartyPhone,
		OpeningMessage:    cfg.CounterpartyOpeningMessage,
		RequiredFields:    cfg.RequiredFields,
		MaxPDFPages:       cfg.MaxPDFPages,
		ParamPrefix:       cfg.ParamPrefix,
	},
		usecase.WithParams(params),
		usecase.WithMedia(wpp, llm, pdf.New(cfg.PDFToPPMPath)),
		usecase.WithLogger(logger),
		usecase.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Store:         kv,
		Conversations: conversations,
		Metrics:       m,
		Machine:       machine,
	}

	ingestOpts := []usecase.IngestorOption{
		usecase.WithIngestLogger(logger),
		usecase.WithIngestMetrics(m),
	}
	if cfg.BufferEnabled {
		proc, err := usecase.NewCombinedProcessor(machine, outbox, logger)
		if err != nil {
			return nil, err
		}
		a.Buffer, err = buffer.New(kv, proc, outbox, buffer.Config{
			Delay:   cfg.DebounceDelay,
			Grace:   cfg.BufferGrace,
			LockTTL: cfg.ProcessingLockTTL,
		},
			buffer.WithLogger(logger),
			buffer.WithMetrics(m),
			buffer.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		ingestOpts = append(ingestOpts, usecase.WithBuffer(a.Buffer))
	}

	a.Ingestor, err = usecase.NewIngestor(guard, machine, outbox, ingestOpts...)
	if err != nil {
		return nil, err
	}
	a.Handler, err = handler.NewHandler(a.Ingestor, wpp, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Router mounts the webhook, health check and metrics endpoints.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	a.Handler.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	return r
}

// Close flushes pending buffered batches.
func (a *App) Close(ctx context.Context) error {
	if a.Buffer == nil {
		return nil
	}
	if err := a.Buffer.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
