package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/hashicorp/go-retryablehttp"
)

// maxConfigurationBytes caps the size of a fetched configuration document.
const maxConfigurationBytes = 4 << 20

// ConfigurationSource reads the currently deployed configuration from a URL.
type ConfigurationSource struct {
	url    string
	client *retryablehttp.Client
	logger *slog.Logger
}

// NewConfigurationSource creates a source reading from url.
func NewConfigurationSource(url string, client *retryablehttp.Client, logger *slog.Logger) *ConfigurationSource {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = NewRetryableClient(RetryConfig{}, logger)
	}
	return &ConfigurationSource{
		url:    url,
		client: client,
		logger: logger.With("component", "configuration_source"),
	}
}

// Fetch downloads and decodes the live configuration.
func (s *ConfigurationSource) Fetch(ctx context.Context) (domain.Configuration, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch configuration: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigurationBytes))
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	config, err := DecodeConfiguration(data)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetched configuration", "url", s.url, "units", len(config))
	return config, nil
}

// DecodeConfiguration parses a JSON array of {lambdas:[...]} units and checks
// the partition invariant.
func DecodeConfiguration(data []byte) (domain.Configuration, error) {
	var config domain.Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
