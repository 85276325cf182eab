package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v66/github"
)

// GitHubTrigger sends repository_dispatch events.
type GitHubTrigger struct {
	client    *github.Client
	owner     string
	repo      string
	eventType string
	logger    *slog.Logger
}

// NewGitHubTrigger creates a trigger dispatching eventType to owner/repo.
func NewGitHubTrigger(client *github.Client, owner, repo, eventType string, logger *slog.Logger) *GitHubTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if eventType == "" {
		eventType = DefaultEventType
	}
	return &GitHubTrigger{
		client:    client,
		owner:     owner,
		repo:      repo,
		eventType: eventType,
		logger:    logger.With("component", "dispatch"),
	}
}

func (t *GitHubTrigger) Dispatch(ctx context.Context, stage string) error {
	payload, err := Payload{Stage: stage}.raw()
	if err != nil {
		return err
	}

	_, _, err = t.client.Repositories.Dispatch(ctx, t.owner, t.repo, github.DispatchRequestOptions{
		EventType:     t.eventType,
		ClientPayload: &payload,
	})
	if err != nil {
		return fmt.Errorf("repository dispatch %s/%s: %w", t.owner, t.repo, err)
	}

	t.logger.Info("dispatched", "repo", t.owner+"/"+t.repo, "event_type", t.eventType, "stage", stage)
	return nil
}
