package main

import (
	"log/slog"

	"github.com/google/go-github/v66/github"

	"github.com/artpar/fusion/internal/shell/artifact"
	"github.com/artpar/fusion/internal/shell/dispatch"
	"github.com/artpar/fusion/internal/shell/metrics"
	"github.com/artpar/fusion/internal/shell/optimizer"
	"github.com/artpar/fusion/internal/shell/source"
	"github.com/artpar/fusion/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitRunFailed       = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// App
// =============================================================================

// App holds the wired components shared by the run and serve commands.
type App struct {
	config  *Config
	store   store.Store
	service *optimizer.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// OpenStore opens the history database.
func OpenStore(cfg *Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "OpenStore",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}
	return s, nil
}

// NewApp connects every adapter named by cfg and builds the optimizer service.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	if err := cfg.ValidateForRun(); err != nil {
		return nil, &ServerError{Op: "ValidateConfig", Err: err, ExitCode: ExitConfigError}
	}

	s, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	app, err := wire(cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewApp", Err: err, ExitCode: ExitConfigError}
	}
	return app, nil
}

func wire(cfg *Config, s store.Store, logger *slog.Logger) (*App, error) {
	client := source.NewRetryableClient(source.RetryConfig{
		Timeout:      cfg.Source.Timeout,
		RetryMax:     cfg.Source.RetryMax,
		RetryWaitMin: cfg.Source.RetryWaitMin,
		RetryWaitMax: cfg.Source.RetryWaitMax,
	}, logger)

	deps := optimizer.Deps{
		Configurations: source.NewConfigurationSource(cfg.Source.ConfigurationURL, client, logger),
		Store:          s,
		Metrics:        metrics.New(),
	}

	var gh *github.Client
	if cfg.GitHub.Enabled() {
		var err error
		gh, err = source.NewGitHubClient(source.GitHubClientConfig{
			Token:   cfg.GitHub.Token,
			BaseURL: cfg.GitHub.BaseURL,
		}, client)
		if err != nil {
			return nil, err
		}
		deps.Graph = source.NewGraphSource(gh, source.GitHubConfig{
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
			Path:  cfg.GitHub.GraphPath,
			Ref:   cfg.GitHub.Ref,
		}, logger)
	} else {
		logger.Warn("no github repository configured, dependency graph disabled")
	}

	publisher, err := artifact.NewPublisher(artifact.Config{
		Bucket:          cfg.Artifact.Bucket,
		Key:             cfg.Artifact.Key,
		BackupKey:       cfg.Artifact.BackupKey,
		Region:          cfg.Artifact.Region,
		AccessKeyID:     cfg.Artifact.AccessKeyID,
		SecretAccessKey: cfg.Artifact.SecretAccessKey,
		Endpoint:        cfg.Artifact.Endpoint,
		UsePathStyle:    cfg.Artifact.UsePathStyle,
		Public:          cfg.Artifact.Public,
	}, logger)
	if err != nil {
		return nil, err
	}
	deps.Publisher = publisher

	trigger, err := dispatch.New(dispatch.Config{
		Kind:         cfg.Dispatch.Kind,
		EventType:    cfg.Dispatch.EventType,
		Owner:        cfg.GitHub.Owner,
		Repo:         cfg.GitHub.Repo,
		WebhookURL:   cfg.Dispatch.WebhookURL,
		WebhookToken: cfg.Dispatch.WebhookToken,
	}, gh, client, logger)
	if err != nil {
		return nil, err
	}
	deps.Trigger = trigger

	service, err := optimizer.NewService(deps, optimizer.Options{
		MetricsWindow:     cfg.Search.MetricsWindow,
		MaxRandomAttempts: cfg.Search.MaxRandomAttempts,
		RequireValid:      cfg.Search.RequireValid,
		Operators:         cfg.Search.Operators,
		Seed:              cfg.Search.Seed,
		StagingStage:      cfg.Dispatch.StagingStage,
		StableStage:       cfg.Dispatch.StableStage,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		config:  cfg,
		store:   s,
		service: service,
		metrics: deps.Metrics,
		logger:  logger,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.store.Close()
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during command execution.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
