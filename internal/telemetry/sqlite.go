package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// DB persists runs and their series in SQLite.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// DBOptions configures the SQLite store.
type DBOptions struct {
	// Path to the SQLite database file.
	// If empty, uses an in-memory database.
	Path string

	Logger *slog.Logger
}

// Open opens the database and applies pending migrations.
func Open(ctx context.Context, opts DBOptions) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var dsn string
	if opts.Path == "" {
		dsn = "file::memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.Path == "" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: opts.Path, logger: opts.Logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path, empty when in memory.
func (d *DB) Path() string {
	return d.path
}

// Run is one recorded training or evaluation run.
type Run struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Stamp      string    `json:"stamp"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome,omitempty"`
	Epochs     int       `json:"epochs"`
	BestF1     float64   `json:"best_f1"`
	BestLoss   float64   `json:"best_loss"`
}

// Result is the terminal state written by RunSink.Finish.
type Result struct {
	Outcome  string
	Epochs   int
	BestF1   float64
	BestLoss float64
	Err      error
}

// StartRun inserts a run row and returns a sink writing to it.
func (d *DB) StartRun(ctx context.Context, name, stamp string) (*RunSink, error) {
	id := uuid.New().String()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, stamp, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		id, name, stamp, time.Now().UnixMilli(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	d.logger.Debug("telemetry run started", "run_id", id, "name", name)
	return &RunSink{db: d, id: id}, nil
}

// Runs lists runs, most recent first. A limit of zero or less returns all.
func (d *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, name, stamp, started_at, finished_at, status, outcome, epochs, best_f1, best_loss
		FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			outcome  sql.NullString
			bestF1   sql.NullFloat64
			bestLoss sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Stamp, &started, &finished, &r.Status, &outcome, &r.Epochs, &bestF1, &bestLoss); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		r.Outcome = outcome.String
		r.BestF1 = bestF1.Float64
		r.BestLoss = bestLoss.Float64
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Scalars returns the scalar series of a run for key, ordered by step.
func (d *DB) Scalars(ctx context.Context, runID, key string) ([]Point, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT step, value FROM scalars WHERE run_id = ? AND key = ? ORDER BY step, rowid`,
		runID, key)
	if err != nil {
		return nil, fmt.Errorf("query scalars: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, fmt.Errorf("scan scalar: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Distributions returns the distribution summaries of a run for key.
func (d *DB) Distributions(ctx context.Context, runID, key string) ([]DistributionPoint, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT step, summary FROM distributions WHERE run_id = ? AND key = ? ORDER BY step, rowid`,
		runID, key)
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", err)
	}
	defer rows.Close()

	var points []DistributionPoint
	for rows.Next() {
		var (
			p   DistributionPoint
			raw string
		)
		if err := rows.Scan(&p.Step, &raw); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &p.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal distribution: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// RunSink is a Sink bound to one run row.
type RunSink struct {
	db *DB
	id string
}

// ID returns the run id.
func (s *RunSink) ID() string {
	return s.id
}

func (s *RunSink) Scalar(key string, value float64, step int) error {
	_, err := s.db.db.ExecContext(context.Background(),
		`INSERT INTO scalars (run_id, key, step, value) VALUES (?, ?, ?, ?)`,
		s.id, key, step, value)
	if err != nil {
		return fmt.Errorf("insert scalar %s: %w", key, err)
	}
	return nil
}

func (s *RunSink) Distribution(key string, values []float64, step int) error {
	data, err := json.Marshal(Summarize(values))
	if err != nil {
		return fmt.Errorf("marshal distribution: %w", err)
	}
	_, err = s.db.db.ExecContext(context.Background(),
		`INSERT INTO distributions (run_id, key, step, summary) VALUES (?, ?, ?, ?)`,
		s.id, key, step, string(data))
	if err != nil {
		return fmt.Errorf("insert distribution %s: %w", key, err)
	}
	return nil
}

// Finish records the terminal state of the run.
func (s *RunSink) Finish(ctx context.Context, res Result) error {
	status := StatusFinished
	outcome := res.Outcome
	if res.Err != nil {
		status = StatusFailed
		outcome = res.Err.Error()
	}
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, outcome = ?, epochs = ?, best_f1 = ?, best_loss = ? WHERE id = ?`,
		time.Now().UnixMilli(), status, outcome, res.Epochs, res.BestF1, res.BestLoss, s.id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.db.logger.Debug("telemetry run finished", "run_id", s.id, "status", status)
	return nil
}
