package api

import (
	"time"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/shell/optimizer"
)

// =============================================================================
// Request Types
// =============================================================================

// ExecutionRequest is one observed execution in a metrics batch.
type ExecutionRequest struct {
	Duration  *float64  `json:"duration"` // milliseconds
	Error     bool      `json:"error"`
	StartTime time.Time `json:"starttime"`
}

// =============================================================================
// Response Types
// =============================================================================

// RecordExecutionsResponse is the response for an ingested metrics batch.
type RecordExecutionsResponse struct {
	Recorded int      `json:"recorded"`
	IDs      []string `json:"ids"`
}

// ConfigurationResponse is one history record.
type ConfigurationResponse struct {
	ID              string               `json:"id"`
	Kind            string               `json:"kind"`
	Canonical       [][]string           `json:"canonical"`
	Original        domain.Configuration `json:"original,omitempty"`
	AverageDuration *float64             `json:"average_duration"`
	Errored         bool                 `json:"errored"`
	Stage           string               `json:"stage,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ListConfigurationsResponse is the response for listing history records.
type ListConfigurationsResponse struct {
	Configurations []ConfigurationResponse `json:"configurations"`
	Total          int                     `json:"total"`
	Limit          int                     `json:"limit"`
	Offset         int                     `json:"offset"`
}

// RunResponse is the response for a triggered run. Run is present even when
// the run failed, showing how far it got.
type RunResponse struct {
	Run   *optimizer.RunResult `json:"run,omitempty"`
	Error string               `json:"error,omitempty"`
	Code  string               `json:"code,omitempty"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
