package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// seedStore creates a database file holding the given execution durations.
func seedStore(t *testing.T, durations ...float64) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "fusion.db")
	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().Add(-time.Hour)
	for i, d := range durations {
		rec := domain.ExecutionRecord{Duration: d, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.RecordExecution(context.Background(), &rec))
	}
	return dsn
}

// =============================================================================
// Exit Code Tests
// =============================================================================

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitConfigError, exitCode(errors.New("bad flag")))
	assert.Equal(t, ExitRunFailed, exitCode(&ServerError{Op: "Run", Err: errors.New("boom"), ExitCode: ExitRunFailed}))

	wrapped := fmt.Errorf("outer: %w", &ServerError{Op: "OpenStore", Err: errors.New("boom"), ExitCode: ExitDatabaseError})
	assert.Equal(t, ExitDatabaseError, exitCode(wrapped))
}

func TestServerError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ServerError{Op: "Start", Err: inner, ExitCode: ExitHTTPServerError}

	assert.Equal(t, "Start: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestRun_UnknownCommand(t *testing.T) {
	clearEnv(t)

	code, _, stderr := execute(t, "bogus")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "unknown command")
}

// =============================================================================
// validate Tests
// =============================================================================

func TestValidateCommand_Valid(t *testing.T) {
	clearEnv(t)
	config := writeFile(t, "config.json", `[{"lambdas":["A","B","C"]}]`)
	dag := writeFile(t, "dag.json", `{"A":["B"],"C":["B"]}`)

	code, stdout, _ := execute(t, "validate", "--configuration", config, "--graph", dag)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "1 units, 3 functions")
	assert.Contains(t, stdout, "ok")
}

func TestValidateCommand_Violation(t *testing.T) {
	clearEnv(t)
	config := writeFile(t, "config.json", `[{"lambdas":["A","B"]},{"lambdas":["C"]}]`)
	dag := writeFile(t, "dag.yaml", "A: [B]\nC: [B]\n")

	code, stdout, stderr := execute(t, "validate", "--configuration", config, "--graph", dag)

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stdout, "violation: unit 0 bundles B (reachable from A) without parents [C]")
	assert.Contains(t, stderr, "1 violations")
}

func TestValidateCommand_WithoutGraph(t *testing.T) {
	clearEnv(t)
	config := writeFile(t, "config.json", `[{"lambdas":["A","B"]},{"lambdas":["C"]}]`)

	code, stdout, _ := execute(t, "validate", "--configuration", config)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "ok")
}

func TestValidateCommand_BrokenPartition(t *testing.T) {
	clearEnv(t)
	config := writeFile(t, "config.json", `[{"lambdas":["A"]},{"lambdas":["A","B"]}]`)

	code, _, stderr := execute(t, "validate", "--configuration", config)

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "invalid configuration")
}

func TestValidateCommand_RequiresConfiguration(t *testing.T) {
	clearEnv(t)

	code, _, stderr := execute(t, "validate")

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "configuration")
}

// =============================================================================
// history Tests
// =============================================================================

func TestHistoryCommand(t *testing.T) {
	clearEnv(t)
	dsn := seedStore(t)

	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	rec := domain.NewObservation(domain.NewConfiguration([]string{"B", "A"}, []string{"C"}), domain.RunScore{Average: 120, Samples: 5}, time.Now())
	require.NoError(t, s.InsertConfiguration(context.Background(), &rec))
	require.NoError(t, s.Close())

	t.Setenv("FUSION_DATABASE_DSN", dsn)

	code, stdout, _ := execute(t, "history")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "KIND")
	assert.Contains(t, stdout, "observed")
	assert.Contains(t, stdout, "120.0")
	assert.Contains(t, stdout, "[A B] [C]")

	code, stdout, _ = execute(t, "history", "--json")
	require.Equal(t, ExitSuccess, code)
	var records []domain.ScoredConfiguration
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)

	code, stdout, _ = execute(t, "history", "--kind", "proposed", "--json")
	require.Equal(t, ExitSuccess, code)
	assert.JSONEq(t, "[]", stdout)
}

func TestHistoryCommand_UnknownKind(t *testing.T) {
	clearEnv(t)
	t.Setenv("FUSION_DATABASE_DSN", seedStore(t))

	code, _, stderr := execute(t, "history", "--kind", "pending")

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "unknown kind")
}

// =============================================================================
// record Tests
// =============================================================================

func TestRecordCommand(t *testing.T) {
	clearEnv(t)
	dsn := seedStore(t, 90)
	t.Setenv("FUSION_DATABASE_DSN", dsn)
	batch := writeFile(t, "executions.json", `[
		{"duration": 100, "error": false, "starttime": "2026-10-18T10:00:00Z"},
		{"duration": 130, "error": true, "starttime": "2026-10-18T10:05:00Z"}
	]`)

	code, stdout, stderr := execute(t, "record", "--file", batch)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "recorded 2 executions")

	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer s.Close()
	recent, err := s.RecentExecutions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 130.0, recent[0].Duration)
	assert.True(t, recent[0].Errored)
}

func TestRecordCommand_InvalidBatchWritesNothing(t *testing.T) {
	clearEnv(t)
	dsn := seedStore(t)
	t.Setenv("FUSION_DATABASE_DSN", dsn)
	batch := writeFile(t, "executions.json", `[{"duration": 100}, {"duration": -1}]`)

	code, _, stderr := execute(t, "record", "--file", batch)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "invalid execution record")

	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer s.Close()
	recent, err := s.RecentExecutions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

// =============================================================================
// run Tests
// =============================================================================

func TestRunCommand_MissingSettings(t *testing.T) {
	clearEnv(t)

	code, _, stderr := execute(t, "run")

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "source.configuration_url is required")
	assert.Contains(t, stderr, "artifact.bucket is required")
}

// fakeS3 accepts object writes and remembers them by path.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.objects[r.URL.Path] = body
	f.mu.Unlock()
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func TestRunCommand_EndToEnd(t *testing.T) {
	clearEnv(t)

	configSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"lambdas":["A"]},{"lambdas":["B"]}]`)
	}))
	defer configSrv.Close()

	s3 := &fakeS3{objects: map[string][]byte{}}
	s3Srv := httptest.NewServer(s3)
	defer s3Srv.Close()

	dsn := seedStore(t, 100, 110, 120)
	configFile := writeFile(t, "fusion.yaml", fmt.Sprintf(`
database:
  dsn: %q
log:
  level: error
source:
  configuration_url: %q
  retry_max: 0
artifact:
  bucket: fusion-artifacts
  endpoint: %q
  use_path_style: true
  access_key_id: test
  secret_access_key: test
dispatch:
  kind: log
search:
  seed: 7
`, dsn, configSrv.URL, s3Srv.URL))

	code, stdout, stderr := execute(t, "run", "--config", configFile)
	require.Equal(t, ExitSuccess, code, stderr)

	var result struct {
		Path         []string          `json:"path"`
		CurrentScore *float64          `json:"current_score"`
		Operator     string            `json:"operator"`
		Next         []json.RawMessage `json:"next"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	require.NotNil(t, result.CurrentScore)
	assert.Equal(t, 110.0, *result.CurrentScore)
	assert.Equal(t, "random", result.Operator)
	assert.NotEmpty(t, result.Next)
	assert.Contains(t, result.Path, "dispatch")

	s3.mu.Lock()
	published, ok := s3.objects["/fusion-artifacts/fusionConfiguration.json"]
	s3.mu.Unlock()
	require.True(t, ok)
	assert.Contains(t, string(published), "lambdas")

	// The observation and the proposal are both in history.
	code, stdout, _ = execute(t, "history", "--config", configFile, "--json")
	require.Equal(t, ExitSuccess, code)
	var records []domain.ScoredConfiguration
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	require.Len(t, records, 2)
	assert.Equal(t, domain.RecordProposed, records[0].Kind)
	assert.Equal(t, domain.RecordObserved, records[1].Kind)
}

func TestRunCommand_UpstreamFailure(t *testing.T) {
	clearEnv(t)

	configSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer configSrv.Close()

	configFile := writeFile(t, "fusion.yaml", fmt.Sprintf(`
database:
  dsn: %q
log:
  level: error
source:
  configuration_url: %q
  retry_max: 0
artifact:
  bucket: fusion-artifacts
  endpoint: "http://127.0.0.1:1"
  use_path_style: true
  access_key_id: test
  secret_access_key: test
`, seedStore(t, 100), configSrv.URL))

	code, stdout, stderr := execute(t, "run", "--config", configFile)

	assert.Equal(t, ExitRunFailed, code)
	assert.Contains(t, stderr, "upstream fetch failed")
	assert.Contains(t, stdout, "score_current")
}
