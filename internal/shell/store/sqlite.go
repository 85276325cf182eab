package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite allows a single writer, and an in-memory database exists per
	// connection, so the pool is pinned to one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Configuration Operations
// =============================================================================

// configurationRow represents a configuration history row in the database.
type configurationRow struct {
	Seq             int64    `db:"seq"`
	ID              string   `db:"id"`
	Kind            string   `db:"kind"`
	Canonical       string   `db:"canonical"`
	CanonicalHash   string   `db:"canonical_hash"`
	Original        *string  `db:"original"`
	AverageDuration *float64 `db:"average_duration"`
	Errored         bool     `db:"errored"`
	Stage           string   `db:"stage"`
	CreatedAt       string   `db:"created_at"`
}

func (s *SQLiteStore) InsertConfiguration(ctx context.Context, rec *domain.ScoredConfiguration) error {
	return insertConfiguration(ctx, s.db, rec)
}

func (s *SQLiteStore) FindByCanonical(ctx context.Context, config domain.Configuration) (*domain.ScoredConfiguration, error) {
	return findByCanonical(ctx, s.db, config)
}

func (s *SQLiteStore) FindLatest(ctx context.Context) (*domain.ScoredConfiguration, error) {
	return findLatest(ctx, s.db)
}

func (s *SQLiteStore) ListConfigurations(ctx context.Context, opts ListOptions) ([]domain.ScoredConfiguration, error) {
	return listConfigurations(ctx, s.db, opts)
}

// =============================================================================
// Execution Operations
// =============================================================================

// executionRow represents an execution metrics row in the database.
type executionRow struct {
	Seq        int64   `db:"seq"`
	ID         string  `db:"id"`
	DurationMS float64 `db:"duration_ms"`
	Errored    bool    `db:"errored"`
	StartedAt  string  `db:"started_at"`
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	return recordExecution(ctx, s.db, rec)
}

func (s *SQLiteStore) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	return recentExecutions(ctx, s.db, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) InsertConfiguration(ctx context.Context, rec *domain.ScoredConfiguration) error {
	return insertConfiguration(ctx, s.tx, rec)
}

func (s *txSQLiteStore) FindByCanonical(ctx context.Context, config domain.Configuration) (*domain.ScoredConfiguration, error) {
	return findByCanonical(ctx, s.tx, config)
}

func (s *txSQLiteStore) FindLatest(ctx context.Context) (*domain.ScoredConfiguration, error) {
	return findLatest(ctx, s.tx)
}

func (s *txSQLiteStore) ListConfigurations(ctx context.Context, opts ListOptions) ([]domain.ScoredConfiguration, error) {
	return listConfigurations(ctx, s.tx, opts)
}

func (s *txSQLiteStore) RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	return recordExecution(ctx, s.tx, rec)
}

func (s *txSQLiteStore) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	return recentExecutions(ctx, s.tx, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func insertConfiguration(ctx context.Context, exec executor, rec *domain.ScoredConfiguration) error {
	if rec.ID == "" {
		rec.ID = "cfg_" + uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = domain.RecordObserved
	}

	canonical := rec.Canonical.Canonical()
	canonicalJSON, err := json.Marshal(canonical.Groups())
	if err != nil {
		return NewStoreError("InsertConfiguration", "configuration", rec.ID, "failed to serialize canonical form", ErrInvalidData)
	}

	var original *string
	if rec.HasOriginal() {
		data, err := json.Marshal(rec.Original)
		if err != nil {
			return NewStoreError("InsertConfiguration", "configuration", rec.ID, "failed to serialize original configuration", ErrInvalidData)
		}
		s := string(data)
		original = &s
	}

	var avg *float64
	if !rec.Errored && rec.AverageDuration != nil {
		v := *rec.AverageDuration
		avg = &v
	}

	query := `
		INSERT INTO configurations (
			id, kind, canonical, canonical_hash, original,
			average_duration, errored, stage, created_at
		) VALUES (
			:id, :kind, :canonical, :canonical_hash, :original,
			:average_duration, :errored, :stage, :created_at
		)`

	row := map[string]any{
		"id":               rec.ID,
		"kind":             string(rec.Kind),
		"canonical":        string(canonicalJSON),
		"canonical_hash":   canonical.Hash(),
		"original":         original,
		"average_duration": avg,
		"errored":          rec.Errored,
		"stage":            rec.Stage,
		"created_at":       rec.CreatedAt.UTC().Format(timeLayout),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: configurations.id") {
			return NewStoreError("InsertConfiguration", "configuration", rec.ID, "configuration with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("InsertConfiguration", "configuration", rec.ID, err.Error(), err)
	}

	return nil
}

func findByCanonical(ctx context.Context, exec executor, config domain.Configuration) (*domain.ScoredConfiguration, error) {
	query := `
		SELECT * FROM configurations
		WHERE canonical_hash = ? AND kind = ?
		ORDER BY seq DESC
		LIMIT 1`

	hash := config.Hash()
	var row configurationRow
	err := exec.GetContext(ctx, &row, query, hash, string(domain.RecordObserved))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("FindByCanonical", "configuration", hash, "configuration not found", ErrNotFound)
		}
		return nil, NewStoreError("FindByCanonical", "configuration", hash, err.Error(), err)
	}

	return rowToConfiguration(&row)
}

func findLatest(ctx context.Context, exec executor) (*domain.ScoredConfiguration, error) {
	query := `SELECT * FROM configurations WHERE kind = ? ORDER BY seq DESC LIMIT 1`

	var row configurationRow
	err := exec.GetContext(ctx, &row, query, string(domain.RecordObserved))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("FindLatest", "configuration", "", "no configuration recorded", ErrNotFound)
		}
		return nil, NewStoreError("FindLatest", "configuration", "", err.Error(), err)
	}

	return rowToConfiguration(&row)
}

func listConfigurations(ctx context.Context, exec executor, opts ListOptions) ([]domain.ScoredConfiguration, error) {
	opts = opts.Normalize()

	var rows []configurationRow
	var err error
	if opts.Kind != "" {
		query := `SELECT * FROM configurations WHERE kind = ? ORDER BY seq DESC LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, string(opts.Kind), opts.Limit, opts.Offset)
	} else {
		query := `SELECT * FROM configurations ORDER BY seq DESC LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListConfigurations", "configuration", "", err.Error(), err)
	}

	records := make([]domain.ScoredConfiguration, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToConfiguration(&row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

func recordExecution(ctx context.Context, exec executor, rec *domain.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = "exe_" + uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO executions (id, duration_ms, errored, started_at)
		VALUES (:id, :duration_ms, :errored, :started_at)`

	row := map[string]any{
		"id":          rec.ID,
		"duration_ms": rec.Duration,
		"errored":     rec.Errored,
		"started_at":  rec.StartedAt.UTC().Format(timeLayout),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: executions.id") {
			return NewStoreError("RecordExecution", "execution", rec.ID, "execution with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("RecordExecution", "execution", rec.ID, err.Error(), err)
	}

	return nil
}

func recentExecutions(ctx context.Context, exec executor, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `SELECT * FROM executions ORDER BY started_at DESC, seq DESC LIMIT ?`

	var rows []executionRow
	if err := exec.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, NewStoreError("RecentExecutions", "execution", "", err.Error(), err)
	}

	records := make([]domain.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		startedAt, _ := time.Parse(timeLayout, row.StartedAt)
		records = append(records, domain.ExecutionRecord{
			ID:        row.ID,
			Duration:  row.DurationMS,
			Errored:   row.Errored,
			StartedAt: startedAt,
		})
	}

	return records, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToConfiguration(row *configurationRow) (*domain.ScoredConfiguration, error) {
	createdAt, _ := time.Parse(timeLayout, row.CreatedAt)

	var groups [][]string
	if err := json.Unmarshal([]byte(row.Canonical), &groups); err != nil {
		return nil, NewStoreError("rowToConfiguration", "configuration", row.ID, "failed to parse canonical form", ErrInvalidData)
	}

	var original domain.Configuration
	if row.Original != nil && *row.Original != "" && *row.Original != "null" {
		if err := json.Unmarshal([]byte(*row.Original), &original); err != nil {
			return nil, NewStoreError("rowToConfiguration", "configuration", row.ID, "failed to parse original configuration", ErrInvalidData)
		}
	}

	return &domain.ScoredConfiguration{
		ID:              row.ID,
		Kind:            domain.RecordKind(row.Kind),
		Canonical:       domain.NewConfiguration(groups...),
		Original:        original,
		AverageDuration: row.AverageDuration,
		Errored:         row.Errored,
		Stage:           row.Stage,
		CreatedAt:       createdAt,
	}, nil
}
