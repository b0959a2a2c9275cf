package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/coach"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/config"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/credits"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/embedding"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/engine"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/gdrive"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/kb"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/notify"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/profile"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/tasks"
)

// kbUser is the engine-level owner of all coach-managed datasets.
const kbUser = "system"

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger at the binary edge; category file loggers live in
	// internal/logging.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coachd",
	Short: "GymAI coach knowledge-base and task pipeline daemon",
	Long: `coachd runs the AI fitness coach backend core: the per-profile
knowledge base (content store, dedup, projection, search) and the
async task pipeline (plan / diet / ask flows with credit handling).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app holds the wired service graph shared by every subcommand.
type app struct {
	cfg    *config.Config
	redis  *redis.Client
	kb     *kb.KnowledgeBase
	queue  *tasks.Queue
	orch   *tasks.Orchestrator
	signer *notify.Signer
	loader *gdrive.Loader // nil when gdrive is not configured
}

// newApp loads config and wires the full component graph.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	dir, debug, categories, level, jsonFormat := cfg.LoggingOptions()
	if err := logging.Initialize(dir, logging.Options{
		DebugMode:  debug,
		Categories: categories,
		Level:      level,
		JSONFormat: jsonFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize file logging: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("bad redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		return nil, err
	}

	engineOpts := []engine.SQLiteOption{engine.WithStorageRoot(cfg.Knowledge.StoragePath)}
	if embedder != nil {
		engineOpts = append(engineOpts, engine.WithEmbedder(embedder))
	}
	eng, err := engine.NewSQLiteEngine(cfg.Engine.DatabasePath, engineOpts...)
	if err != nil {
		return nil, err
	}
	if err := eng.Setup(ctx); err != nil {
		return nil, fmt.Errorf("engine setup: %w", err)
	}

	kbase, err := kb.New(kb.Options{
		Engine:            eng,
		Redis:             client,
		StoragePath:       cfg.Knowledge.StoragePath,
		GlobalAlias:       cfg.Knowledge.GlobalDataset,
		User:              kbUser,
		RetentionDays:     cfg.Knowledge.RetentionDays,
		ChatDebounce:      time.Duration(cfg.Knowledge.ChatDebounceMin) * time.Minute,
		AggressiveRebuild: cfg.Knowledge.AggressiveRebuild,
		MemifyEnabled:     cfg.Tasks.MemifyEnabled,
	})
	if err != nil {
		return nil, err
	}

	ledger := credits.NewLedger(
		cfg.Integrations.Profile.BaseURL,
		config.MustDuration(cfg.Integrations.Profile.Timeout, 10*time.Second),
	)
	signer := notify.NewSigner(cfg.Integrations.Bot.KeyID, cfg.Integrations.Bot.APIKey)
	notifier := notify.NewClient(cfg.Integrations.Bot.InternalURL, signer, 10*time.Second)
	queue := tasks.NewQueue(client, "")
	syncer := profile.NewSyncer(
		cfg.Integrations.Profile.BaseURL,
		config.MustDuration(cfg.Integrations.Profile.Timeout, 10*time.Second),
		kbase, kbUser,
	)

	orch := tasks.NewOrchestrator(tasks.OrchestratorOptions{
		Redis:      client,
		Ledger:     ledger,
		Notifier:   notifier,
		Queue:      queue,
		DedupTTL:   config.MustDuration(cfg.Tasks.DedupTTL, 24*time.Hour),
		PlanTTL:    config.MustDuration(cfg.Tasks.PlanDedupTTL, 24*time.Hour),
		MaxRetries: cfg.Tasks.MaxRetries,
		Syncer:     syncer,
		Memifier:   kbase,
	})
	kbase.SearchService().SetScheduler(orch)

	upstream := coach.NewUpstream(
		cfg.Integrations.PlanEngine.BaseURL,
		config.MustDuration(cfg.Integrations.PlanEngine.Timeout, 120*time.Second),
	)
	orch.RegisterExecutor(tasks.FlowPlan, coach.NewPlanExecutor(upstream))
	orch.RegisterExecutor(tasks.FlowDiet, coach.NewDietExecutor(upstream))

	if cfg.Model.GenAIAPIKey != "" {
		model, err := coach.NewGenAIModel(cfg.Model.GenAIAPIKey, cfg.Model.GenAIModel)
		if err != nil {
			return nil, err
		}
		orch.RegisterExecutor(tasks.FlowAsk, coach.NewAskExecutor(kbase, kbase.ChatCache(), model))
	} else {
		logger.Warn("GENAI_API_KEY not set, ask flow disabled")
	}

	a := &app{
		cfg:    cfg,
		redis:  client,
		kb:     kbase,
		queue:  queue,
		orch:   orch,
		signer: signer,
	}

	gd := cfg.Integrations.GDrive
	if gd.FolderID != "" && gd.CredentialsFile != "" {
		drv, err := gdrive.NewDrive(ctx, gd.CredentialsFile)
		if err != nil {
			return nil, err
		}
		a.loader = gdrive.NewLoader(drv, kbase, client, gdrive.Options{
			FolderID:      gd.FolderID,
			GlobalAlias:   cfg.Knowledge.GlobalDataset,
			User:          kbUser,
			MaxRetries:    gd.MaxRetries,
			InitialDelay:  config.MustDuration(gd.InitialDelay, time.Second),
			BackoffFactor: gd.BackoffFactor,
			MaxDelay:      config.MustDuration(gd.MaxDelay, 30*time.Second),
			MaxFileSizeMB: gd.MaxFileSizeMB,
		})
	}

	return a, nil
}

// close releases the graph in reverse wiring order.
func (a *app) close() {
	a.kb.Close()
	_ = a.redis.Close()
	logging.CloseAll()
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "coach.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadGDriveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(sanitizeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
