// Package app wires configuration, storage, clients, and services into a
// single initialized application core.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/centryhq/centry/internal/clients/connector"
	"github.com/centryhq/centry/internal/clients/fxrates"
	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/services/aggregation"
	"github.com/centryhq/centry/internal/storage"
)

// App holds all initialized services, clients, and storage.
type App struct {
	Config             *common.Config
	Logger             *common.Logger
	Storage            interfaces.StorageManager
	SourceClients      []interfaces.SourceClient
	RateProvider       interfaces.RateProvider
	AggregationService interfaces.AggregationService
	StartupTime        time.Time

	aggregation *aggregation.Service
	scheduler   *Scheduler
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, clients, and services from configuration.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	binDir := getBinaryDir()

	// Load configuration - check provided path, CENTRY_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("CENTRY_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "centry.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/centry.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative storage path to binary directory
	if config.Storage.Path != "" && !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// One HTTP client per configured source
	sourceClients := make([]interfaces.SourceClient, 0, len(config.Sources))
	for _, sc := range config.Sources {
		client := connector.NewClient(sc.ID, sc.BaseURL, sc.APIKey,
			connector.WithLogger(logger),
			connector.WithRateLimit(sc.RateLimit),
			connector.WithTimeout(sc.GetTimeout()),
		)
		sourceClients = append(sourceClients, client)
		logger.Info().Str("source", sc.ID).Str("name", sc.Name).Msg("Registered holdings source")
	}
	if len(sourceClients) == 0 {
		logger.Warn().Msg("No holdings sources configured - aggregation runs will produce empty results")
	}

	ratesClient := fxrates.NewClient(config.Rates.BaseURL, config.Rates.APIKey,
		fxrates.WithLogger(logger),
		fxrates.WithRateLimit(config.Rates.RateLimit),
		fxrates.WithTimeout(config.Rates.GetTimeout()),
	)

	aggService := aggregation.NewService(storageManager, sourceClients, ratesClient, config.Aggregation, config.BaseCurrency, logger)
	aggService.Start()

	a := &App{
		Config:             config,
		Logger:             logger,
		Storage:            storageManager,
		SourceClients:      sourceClients,
		RateProvider:       ratesClient,
		AggregationService: aggService,
		StartupTime:        startupStart,
		aggregation:        aggService,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// AggregationHub returns the run-event WebSocket hub.
func (a *App) AggregationHub() *aggregation.RunWSHub {
	return a.aggregation.Hub()
}

// StartScheduler launches the background refresh scheduler when a cron
// schedule is configured.
func (a *App) StartScheduler() error {
	if a.Config.Aggregation.RefreshSchedule == "" {
		a.Logger.Debug().Msg("No refresh schedule configured - scheduler disabled")
		return nil
	}
	sched := NewScheduler(a.AggregationService, a.Storage.KeyValueStore(), a.Logger)
	if err := sched.AddRefreshJob(a.Config.Aggregation.RefreshSchedule, a.Config.Aggregation.RefreshUsers); err != nil {
		return fmt.Errorf("failed to register refresh job: %w", err)
	}
	sched.Start()
	a.scheduler = sched
	return nil
}

// Close releases all resources held by the App.
// Shutdown order: stop scheduler, stop aggregation service, close storage.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
	if a.aggregation != nil {
		a.aggregation.Stop()
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
