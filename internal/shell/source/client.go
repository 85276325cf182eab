// Package source fetches the live configuration and the dependency graph the
// optimizer works from.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnexpectedStatus is returned when an upstream answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// RetryConfig controls retrying of upstream HTTP calls.
type RetryConfig struct {
	Timeout time.Duration

	// RetryMax is the number of retries after the first attempt.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewRetryableClient builds the HTTP client shared by the upstream adapters.
// Connection errors and 5xx responses are retried with backoff.
func NewRetryableClient(cfg RetryConfig, logger *slog.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.Logger = logger
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	} else {
		client.HTTPClient.Timeout = 10 * time.Second
	}
	client.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	return client
}

// GitHubClientConfig holds GitHub API access settings.
type GitHubClientConfig struct {
	Token   string
	BaseURL string // empty for api.github.com; set for GitHub Enterprise or tests
}

// NewGitHubClient builds a GitHub API client on top of the retrying transport.
func NewGitHubClient(cfg GitHubClientConfig, client *retryablehttp.Client) (*github.Client, error) {
	var httpClient *http.Client
	if client != nil {
		httpClient = client.StandardClient()
	}

	gh := github.NewClient(httpClient)
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return gh, nil
}
