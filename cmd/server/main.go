package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/cluster"
	"github.com/crosslogic/finetune-control-plane/internal/config"
	"github.com/crosslogic/finetune-control-plane/internal/credentials"
	"github.com/crosslogic/finetune-control-plane/internal/gateway"
	"github.com/crosslogic/finetune-control-plane/internal/handlers"
	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	"github.com/crosslogic/finetune-control-plane/internal/llm"
	"github.com/crosslogic/finetune-control-plane/internal/orchestrator"
	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/internal/store"
	"github.com/crosslogic/finetune-control-plane/pkg/cache"
	"github.com/crosslogic/finetune-control-plane/pkg/database"
	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting finetune control plane")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	dataStore := store.New(db)

	credentialService, err := credentials.NewService(db, cfg.Credentials.MasterKey, cfg.Credentials.KeyID, logger)
	if err != nil {
		logger.Fatal("failed to initialize credential service", zap.Error(err))
	}
	logger.Info("initialized credential service")

	if cfg.Credentials.RotateFromKeyID != "" {
		rotated, err := credentialService.RotateMasterKey(context.Background(), dataStore, cfg.Credentials.RotateFromMasterKey, cfg.Credentials.RotateFromKeyID)
		if err != nil {
			logger.Fatal("failed to rotate machine credentials to new master key", zap.Error(err))
		}
		logger.Info("rotated machine credentials to new master key", zap.Int("rotated", rotated))
	}

	modelProvider := &defaultModelProvider{store: dataStore, fallback: cfg.LLM.DefaultModel, logger: logger}
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.RequestTimeout, modelProvider)
	logger.Info("initialized LLM client facade")

	jobManager := jobmanager.NewManager(dataStore, eventBus, logger, cfg.JobManager.Concurrency)
	jobManager.RegisterHandler(models.JobTypeFilePairGenerator, handlers.NewFilePairGenerator(dataStore, llmClient, logger))
	jobManager.RegisterHandler(models.JobTypeFileDeleteGenerator, handlers.NewFileDeleteGenerator(dataStore, llmClient, logger))
	jobManager.RegisterHandler(models.JobTypeGaPairGenerator, handlers.NewGaPairGenerator(dataStore, llmClient, logger))
	jobManager.RegisterHandler(models.JobTypeQuestionGenerator, handlers.NewQuestionGenerator(dataStore, llmClient, logger))
	jobManager.RegisterHandler(models.JobTypeDatasetGenerator, handlers.NewDatasetGenerator(dataStore, llmClient, logger))
	jobManager.RegisterHandler(models.JobTypeTagGenerator, handlers.NewTagGenerator(dataStore, llmClient, logger))
	logger.Info("initialized background job manager", zap.Int("concurrency", cfg.JobManager.Concurrency))

	// finetuneGatewayFor builds a Remote Host Gateway from a FinetuneJob's
	// embedded Machine snapshot (§4.4: the orchestrator never re-reads a
	// Machine row mid-job, so the snapshot's own credentials are decrypted
	// here rather than looked up fresh).
	finetuneGatewayFor := func(machine models.Machine) (orchestrator.Gateway, error) {
		creds, err := credentialService.DecryptForMachine(context.Background(), machine.ID, machine.Credentials)
		if err != nil {
			return nil, fmt.Errorf("decrypt machine credentials: %w", err)
		}
		return remotehost.NewGateway(machine, creds, cfg.SSH, logger), nil
	}

	runLogCache := orchestrator.NewRunLogCache(redisCache, logger)

	finetuneOrchestrator := orchestrator.New(dataStore, finetuneGatewayFor, runLogCache, eventBus, logger, orchestrator.Config{
		LocalFileDir:           cfg.Storage.FinetuneFileLocalDir,
		PollInterval:           cfg.Watcher.PollInterval,
		MaxConsecutiveFailures: cfg.Watcher.MaxConsecutiveFailures,
		StagingTimeout:         cfg.SSH.StagingTimeout,
		ExecTimeout:            cfg.SSH.ExecTimeout,
	})
	logger.Info("initialized fine-tune orchestrator")

	// clusterGatewayFor re-reads the Machine by id, since the Inference
	// Cluster Controller drives live clusters long after creation and must
	// observe credential rotation.
	clusterGatewayFor := func(ctx context.Context, machineID uuid.UUID) (cluster.Gateway, error) {
		machine, err := dataStore.GetMachine(ctx, machineID)
		if err != nil {
			return nil, fmt.Errorf("get machine: %w", err)
		}
		creds, err := credentialService.DecryptForMachine(ctx, machine.ID, machine.Credentials)
		if err != nil {
			return nil, fmt.Errorf("decrypt machine credentials: %w", err)
		}
		return remotehost.NewGateway(machine, creds, cfg.SSH, logger), nil
	}

	clusterController := cluster.New(dataStore, clusterGatewayFor, cluster.NewHTTPClient(), eventBus, logger, cluster.Config{
		LocalFileDir: cfg.Storage.FinetuneFileLocalDir,
		PollInterval: cfg.Watcher.PollInterval,
		ExecTimeout:  cfg.SSH.ExecTimeout,
	})
	logger.Info("initialized inference cluster controller")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := jobManager.Recover(ctx); err != nil {
		logger.Error("job manager recovery failed", zap.Error(err))
	}
	go jobManager.Run(ctx)
	logger.Info("started background job manager")

	if err := finetuneOrchestrator.Recover(ctx); err != nil {
		logger.Error("fine-tune orchestrator recovery failed", zap.Error(err))
	}
	logger.Info("recovered fine-tune orchestrator watchers")

	if err := clusterController.Recover(ctx); err != nil {
		logger.Error("cluster controller recovery failed", zap.Error(err))
	}
	go clusterController.RunSyncLoop(ctx)
	logger.Info("started inference cluster sync loop")

	gw := gateway.NewGateway(db, redisCache, logger, nil)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// defaultModelProvider implements llm.ModelProvider against the settings
// table, falling back to the configured LLM_DEFAULT_MODEL when no operator
// override has been saved yet.
type defaultModelProvider struct {
	store    *store.Store
	fallback string
	logger   *zap.Logger
}

func (p *defaultModelProvider) DefaultModel(ctx context.Context) (string, error) {
	model, err := p.store.GetDefaultModel(ctx)
	if err != nil {
		if p.fallback == "" {
			return "", err
		}
		p.logger.Warn("falling back to configured default model", zap.Error(err))
		return p.fallback, nil
	}
	return model, nil
}
