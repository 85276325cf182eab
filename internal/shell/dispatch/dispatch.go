// Package dispatch triggers redeployment of a published configuration.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v66/github"
	"github.com/hashicorp/go-retryablehttp"
)

// Trigger kinds accepted by New.
const (
	KindGitHub  = "github"
	KindWebhook = "webhook"
	KindLog     = "log"
)

// DefaultEventType is the repository dispatch event the pipeline listens for.
const DefaultEventType = "deploy"

// ErrUnknownKind is returned for an unsupported trigger kind.
var ErrUnknownKind = errors.New("unknown dispatch kind")

// Trigger starts a deployment of the given stage. Dispatch is
// fire-and-forget: a nil error means the request was accepted, not that the
// deployment finished.
type Trigger interface {
	Dispatch(ctx context.Context, stage string) error
}

// Payload is the client payload sent with every dispatch.
type Payload struct {
	Stage string `json:"stage"`
}

func (p Payload) raw() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch payload: %w", err)
	}
	return data, nil
}

// Config selects and configures a trigger.
type Config struct {
	Kind      string
	EventType string

	// GitHub repository receiving repository_dispatch events.
	Owner string
	Repo  string

	WebhookURL   string
	WebhookToken string
}

// New builds the trigger named by cfg.Kind. gh is required for the github
// kind; client is used by the webhook kind.
func New(cfg Config, gh *github.Client, client *retryablehttp.Client, logger *slog.Logger) (Trigger, error) {
	switch cfg.Kind {
	case KindGitHub:
		if gh == nil || cfg.Owner == "" || cfg.Repo == "" {
			return nil, fmt.Errorf("%s trigger requires a client, owner and repo", KindGitHub)
		}
		return NewGitHubTrigger(gh, cfg.Owner, cfg.Repo, cfg.EventType, logger), nil
	case KindWebhook:
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("%s trigger requires a url", KindWebhook)
		}
		return NewWebhookTrigger(cfg.WebhookURL, cfg.WebhookToken, cfg.EventType, client, logger), nil
	case KindLog, "":
		return NewLogTrigger(cfg.EventType, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// =============================================================================
// Log Trigger
// =============================================================================

// LogTrigger only logs dispatches. It stands in when no pipeline is wired up.
type LogTrigger struct {
	eventType string
	logger    *slog.Logger
}

// NewLogTrigger creates a trigger that logs instead of dispatching.
func NewLogTrigger(eventType string, logger *slog.Logger) *LogTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if eventType == "" {
		eventType = DefaultEventType
	}
	return &LogTrigger{eventType: eventType, logger: logger.With("component", "dispatch")}
}

func (t *LogTrigger) Dispatch(ctx context.Context, stage string) error {
	t.logger.Info("dispatch", "event_type", t.eventType, "stage", stage)
	return nil
}
