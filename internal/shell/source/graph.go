package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/artpar/fusion/internal/core/graph"
	"github.com/google/go-github/v66/github"
	"gopkg.in/yaml.v3"
)

// GitHubConfig locates the dependency graph file in a repository.
type GitHubConfig struct {
	Owner string
	Repo  string
	Path  string // defaults to dag.json
	Ref   string // branch, tag or SHA; empty uses the default branch
}

// GraphSource reads the dependency graph from a repository file.
type GraphSource struct {
	client *github.Client
	cfg    GitHubConfig
	logger *slog.Logger
}

// NewGraphSource creates a graph source backed by client.
func NewGraphSource(client *github.Client, cfg GitHubConfig, logger *slog.Logger) *GraphSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "dag.json"
	}
	return &GraphSource{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "graph_source"),
	}
}

// Fetch returns the dependency graph, or nil when the file does not exist or
// is empty.
func (s *GraphSource) Fetch(ctx context.Context) (graph.Graph, error) {
	var opts *github.RepositoryContentGetOptions
	if s.cfg.Ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: s.cfg.Ref}
	}

	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.Path, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			s.logger.Info("dependency graph not found", "path", s.cfg.Path)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch dependency graph: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("fetch dependency graph: %s is a directory", s.cfg.Path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode dependency graph content: %w", err)
	}
	if content == "" {
		s.logger.Info("dependency graph is empty", "path", s.cfg.Path)
		return nil, nil
	}

	g, err := DecodeGraph([]byte(content))
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetched dependency graph", "path", s.cfg.Path, "functions", len(g))
	return g, nil
}

// DecodeGraph parses a function-to-children map written as JSON or YAML.
func DecodeGraph(data []byte) (graph.Graph, error) {
	var g graph.Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode dependency graph: %w", err)
	}
	if len(g) == 0 {
		return nil, nil
	}
	return g, nil
}
