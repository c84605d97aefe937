package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/choraleia/concierge/pkg/config"
	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/service"
	"github.com/choraleia/concierge/pkg/utils"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App holds the wired services of one process.
type App struct {
	Config *config.AppConfig
	Logger *slog.Logger
	DB     *gorm.DB

	Redis *redis.Client
	Relay *event.RedisRelay

	Vectors    *service.VectorStore
	Store      *service.ConversationStore
	Delivery   *service.DeliveryService
	Domain     *service.DomainService
	Identity   *service.IdentityService
	Retrieval  *service.RetrievalService
	Indexer    *service.KnowledgeIndexer
	Completion *service.CompletionService
	Compactor  *service.Compactor
	Assistant  *service.AssistantService
	Scheduler  *service.Scheduler

	closers []func() error
}

// loadConfig reads .env and then the YAML config. An empty path means
// ~/.concierge/config.yaml, created with defaults when missing.
func loadConfig(path, envFile string) (*config.AppConfig, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	if path != "" {
		return config.LoadFrom(path)
	}
	if _, err := config.EnsureDefaultConfig(); err != nil {
		utils.GetLogger().Warn("Failed to write default config", "error", err)
	}
	cfg, _, err := config.Load()
	return cfg, err
}

func openDatabase(cfg *config.AppConfig) (*gorm.DB, error) {
	gdb, err := db.Open(cfg.DatabaseDriver(), cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// newApp builds the service graph. Nothing is started.
func newApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	logger := utils.InitLogger(utils.LogOptions{Level: cfg.Log.Level, Format: cfg.Log.Format})
	app := &App{Config: cfg, Logger: logger}

	gdb, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	app.DB = gdb
	app.closers = append(app.closers, func() error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	modelService := service.NewModelService()
	var chatModel einoModel.ToolCallingChatModel
	if cfg.Model.Enabled() {
		chatModel, err = modelService.CreateChatModel(ctx, &cfg.Model)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create chat model: %w", err)
		}
	} else {
		logger.Warn("No chat model configured, assistant turns will report unavailable")
	}

	app.Vectors, err = service.NewVectorStore(&service.VectorStoreConfig{
		Enabled: cfg.VectorStoreEnabled(),
		Path:    cfg.VectorStorePath(),
	}, modelService.CreateEmbeddingFunc(ctx, &cfg.Embedding))
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Store = service.NewConversationStore(gdb)
	app.Delivery = service.NewDeliveryService(app.Store)
	app.Domain = service.NewDomainService(gdb)
	app.Identity = service.NewIdentityService(gdb)

	retrievalCfg := service.DefaultRetrievalConfig()
	retrievalCfg.DefaultTokenBudget = cfg.RetrievalTokenBudget()
	app.Retrieval = service.NewRetrievalService(gdb, app.Vectors, retrievalCfg)
	app.Indexer = service.NewKnowledgeIndexer(gdb, app.Vectors, nil)

	app.Completion = service.NewCompletionService(app.Store, app.Retrieval, app.Delivery,
		service.NewActionExecutor(app.Domain, cfg.ActionsEnabled()), chatModel, &service.CompletionConfig{
			SenderID:             cfg.SenderID(),
			SystemPrompt:         cfg.SystemPrompt(),
			RecentTurns:          cfg.RecentTurns(),
			HistoryTokenBudget:   cfg.HistoryTokenBudget(),
			RetrievalTokenBudget: cfg.RetrievalTokenBudget(),
			ModelTimeout:         cfg.ModelTimeout(),
		})

	mode := cfg.CompactionMode()
	if mode == service.CompactionModeLLM && chatModel == nil {
		mode = service.CompactionModeConcat
	}
	app.Compactor = service.NewCompactor(app.Store, chatModel, &service.CompactorConfig{
		MaxUnsummarizedMessages: cfg.MaxUnsummarizedMessages(),
		MaxUnsummarizedTokens:   cfg.MaxUnsummarizedTokens(),
		KeepRecent:              cfg.KeepRecent(),
		MaxSummaryChars:         cfg.MaxSummaryChars(),
		Mode:                    mode,
		ModelTimeout:            cfg.ModelTimeout(),
	})

	app.Assistant = service.NewAssistantService(app.Store, app.Delivery, app.Completion, app.Compactor, app.Identity,
		&service.AssistantConfig{Lookback: cfg.LookbackMessages()})

	var sources []service.KnowledgeSource
	for _, sc := range cfg.Sources {
		src, err := service.NewSQLKnowledgeSource(service.SQLSourceConfig{
			Name:       sc.Name,
			Driver:     sc.Driver,
			DSN:        sc.DSN,
			TenantID:   sc.TenantID,
			SourceType: sc.SourceType,
			Query:      sc.Query,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		sources = append(sources, src)
		app.closers = append(app.closers, src.Close)
	}
	schedCfg := service.DefaultSchedulerConfig()
	schedCfg.CompactionSweep = cfg.CompactionSweepSchedule()
	schedCfg.Reindex = cfg.ReindexSchedule()
	app.Scheduler = service.NewScheduler(app.Store, app.Compactor, app.Indexer, sources, schedCfg)

	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.Relay = event.NewRedisRelay(app.Redis, cfg.RedisChannel(), event.Global())
		app.closers = append(app.closers, app.Redis.Close)
	}
	return app, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
