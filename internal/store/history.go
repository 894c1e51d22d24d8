// Package store persists deployment and invocation history in SQLite.
//
// The history answers "which program did I deploy last on this network", so
// `invoke` without a program ID targets the most recent deployment.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"soldeploy/internal/logging"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("no matching history record")

// Deployment is a successful program deployment.
type Deployment struct {
	ID          string        `json:"id"`
	ProgramID   string        `json:"programId"`
	ProgramName string        `json:"programName"`
	ProgramPath string        `json:"programPath"`
	Network     string        `json:"network"`
	Duration    time.Duration `json:"duration"`
	DeployedAt  time.Time     `json:"deployedAt"`
}

// Invocation is a program call, on a cluster or simulated locally.
type Invocation struct {
	ID          string    `json:"id"`
	ProgramID   string    `json:"programId"`
	Network     string    `json:"network"`
	Signature   string    `json:"signature,omitempty"`
	Logs        []string  `json:"logs"`
	Success     bool      `json:"success"`
	ExplorerURL string    `json:"explorerUrl,omitempty"`
	Simulated   bool      `json:"simulated"`
	InvokedAt   time.Time `json:"invokedAt"`
}

// HistoryStore is a SQLite-backed history. Safe for concurrent use.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	now    func() time.Time
}

// Open opens (creating if needed) the history database at path. ":memory:"
// gives a private in-memory database.
func Open(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	s := &HistoryStore{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("History store ready at %s", path)
	return s, nil
}

func (s *HistoryStore) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			program_name TEXT NOT NULL DEFAULT '',
			program_path TEXT NOT NULL DEFAULT '',
			network TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			deployed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_network ON deployments(network, deployed_at)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			network TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			logs TEXT NOT NULL DEFAULT '[]',
			success INTEGER NOT NULL DEFAULT 0,
			explorer_url TEXT NOT NULL DEFAULT '',
			simulated INTEGER DEFAULT 0,
			invoked_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_program ON invocations(program_id, invoked_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *HistoryStore) Path() string { return s.dbPath }

// RecordDeployment stores d, assigning its ID and timestamp when unset.
func (s *HistoryStore) RecordDeployment(ctx context.Context, d *Deployment) error {
	if d.ProgramID == "" || d.Network == "" {
		return fmt.Errorf("deployment requires program id and network")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DeployedAt.IsZero() {
		d.DeployedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, program_id, program_name, program_path, network, duration_ms, deployed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProgramID, d.ProgramName, d.ProgramPath, d.Network, d.Duration.Milliseconds(), d.DeployedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	logging.StoreDebug("Recorded deployment %s of %s on %s", d.ID, d.ProgramID, d.Network)
	return nil
}

// LatestDeployment returns the most recent deployment on network, or
// ErrNotFound.
func (s *HistoryStore) LatestDeployment(ctx context.Context, network string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, program_id, program_name, program_path, network, duration_ms, deployed_at
		 FROM deployments WHERE network = ? ORDER BY deployed_at DESC, rowid DESC LIMIT 1`, network)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDeployments returns up to limit deployments, newest first. A
// non-positive limit returns all.
func (s *HistoryStore) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, program_id, program_name, program_path, network, duration_ms, deployed_at
		 FROM deployments ORDER BY deployed_at DESC, rowid DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecordInvocation stores inv, assigning its ID and timestamp when unset.
func (s *HistoryStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.ProgramID == "" {
		return fmt.Errorf("invocation requires program id")
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.InvokedAt.IsZero() {
		inv.InvokedAt = s.now()
	}
	logs := inv.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("failed to encode logs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, program_id, network, signature, logs, success, explorer_url, simulated, invoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ProgramID, inv.Network, inv.Signature, string(logsJSON),
		boolInt(inv.Success), inv.ExplorerURL, boolInt(inv.Simulated), inv.InvokedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	logging.StoreDebug("Recorded invocation %s of %s", inv.ID, inv.ProgramID)
	return nil
}

// ListInvocations returns up to limit invocations of programID, newest
// first. An empty programID lists every program.
func (s *HistoryStore) ListInvocations(ctx context.Context, programID string, limit int) ([]Invocation, error) {
	query := `SELECT id, program_id, network, signature, logs, success, explorer_url, simulated, invoked_at
		FROM invocations`
	args := []interface{}{}
	if programID != "" {
		query += ` WHERE program_id = ?`
		args = append(args, programID)
	}
	query += ` ORDER BY invoked_at DESC, rowid DESC LIMIT ?`
	args = append(args, sqlLimit(limit))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			inv                Invocation
			logsJSON           string
			success, simulated int
			invokedAt          int64
		)
		if err := rows.Scan(&inv.ID, &inv.ProgramID, &inv.Network, &inv.Signature, &logsJSON,
			&success, &inv.ExplorerURL, &simulated, &invokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		if err := json.Unmarshal([]byte(logsJSON), &inv.Logs); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt logs for invocation %s: %v", inv.ID, err)
		}
		inv.Success = success != 0
		inv.Simulated = simulated != 0
		inv.InvokedAt = time.Unix(0, invokedAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (*Deployment, error) {
	var (
		d          Deployment
		durationMS int64
		deployedAt int64
	)
	if err := row.Scan(&d.ID, &d.ProgramID, &d.ProgramName, &d.ProgramPath, &d.Network, &durationMS, &deployedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	d.Duration = time.Duration(durationMS) * time.Millisecond
	d.DeployedAt = time.Unix(0, deployedAt)
	return &d, nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
