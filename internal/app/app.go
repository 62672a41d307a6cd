// Package app wires the control plane's long-lived components. There are
// no package-level singletons; everything hangs off the App.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/clients/ollama"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/services/llmqueue"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/services/modelcatalog"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/services/residency"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/storage"
)

// App holds all initialized services and clients. It is the shared core
// behind cmd/arasuld.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Storage interfaces.StorageManager

	Runtime      interfaces.RuntimeClient
	Residency    *residency.Manager
	Supervisor   *residency.Supervisor
	ModelService *modelcatalog.Service
	Queue        *llmqueue.Service
	Hub          *llmqueue.Hub
	Reaper       *llmqueue.Reaper

	StartupTime time.Time

	cancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, clients, and services. configPath may be
// empty, in which case ARASUL_CONFIG and the binary directory are tried.
func NewApp(configPath string) (*App, error) {
	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("ARASUL_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "arasul.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/arasul.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if config.Storage.Path != "" && !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	runtime := ollama.NewClient(
		ollama.WithBaseURL(config.Runtime.BaseURL),
		ollama.WithLogger(logger),
		ollama.WithRateLimit(config.Runtime.RateLimitPerSec),
	)

	residencyManager := residency.NewManager(runtime, storageManager, config, logger)
	supervisor := residency.NewSupervisor(runtime, storageManager, residencyManager, config, logger)
	modelService := modelcatalog.NewService(runtime, storageManager, residencyManager, config, logger)
	supervisor.SetDownloadProbe(modelService.ActiveDownload)

	hub := llmqueue.NewHub(logger)
	bus := llmqueue.NewBus(logger)
	queue := llmqueue.NewService(storageManager, runtime, residencyManager, modelService, bus, hub, config, logger)
	hub.BindQueue(queue.Subscribe)
	reaper := llmqueue.NewReaper(queue)

	return &App{
		Config:       config,
		Logger:       logger,
		Storage:      storageManager,
		Runtime:      runtime,
		Residency:    residencyManager,
		Supervisor:   supervisor,
		ModelService: modelService,
		Queue:        queue,
		Hub:          hub,
		Reaper:       reaper,
		StartupTime:  time.Now(),
	}, nil
}

// Start seeds the catalog, waits for the runtime, recovers orphaned jobs,
// and launches the background loops. The runtime wait failing is not
// fatal: the appliance comes up degraded and the supervisor keeps trying
// on its sync interval.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.ModelService.SeedCatalog(ctx, modelcatalog.DefaultCatalog()); err != nil {
		return err
	}

	if err := a.Supervisor.WaitForRuntime(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Starting without a ready runtime")
	}

	if err := a.Reaper.RecoverOrphans(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Orphan recovery failed")
	}

	go a.Hub.Run()
	a.Supervisor.Start(ctx)
	a.Reaper.Start(ctx)
	a.Queue.Start(ctx)

	a.Logger.Info().Msg("Control plane started")
	return nil
}

// Close shuts down background loops and storage in dependency order.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}

	a.Queue.Stop()
	a.Reaper.Stop()
	a.Supervisor.Stop()
	a.Hub.Stop()

	if err := a.Storage.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Control plane stopped")
}
