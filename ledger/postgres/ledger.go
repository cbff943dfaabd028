// Package postgres stores run records in PostgreSQL through database/sql and
// the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	state       TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	disposition TEXT NOT NULL,
	deliveries  INTEGER NOT NULL,
	response    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	secondary   TEXT NOT NULL DEFAULT '',
	history     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_runs_finished_at ON pipeline_runs (finished_at DESC);
CREATE INDEX IF NOT EXISTS pipeline_runs_message_id ON pipeline_runs (message_id);
`

// Config describes the connection pool
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings for a single consumer process
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Validate checks the pool settings
func (c Config) Validate() error {
	if c.URL == "" {
		return stderrors.New("ledger url is required")
	}
	if c.PingTimeout <= 0 {
		return stderrors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return stderrors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return stderrors.New("max idle conns must be between 0 and max open conns")
	}
	if c.ConnMaxLifetime < 0 {
		return stderrors.New("conn max lifetime must be >= 0")
	}
	return nil
}

// Ledger is a ledger.Ledger backed by a pipeline_runs table
type Ledger struct {
	db *sql.DB
}

// Open connects, pings and creates the schema if missing
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "PostgresLedger", "Open", "validate config")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "PostgresLedger", "Open", "open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "PostgresLedger", "Open", "ping database")
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "PostgresLedger", "Open", "create schema")
	}
	return &Ledger{db: db}, nil
}

// New wraps an existing handle. The schema must already exist.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record implements ledger.Ledger. Recording the same run twice keeps the first.
func (l *Ledger) Record(ctx context.Context, r ledger.Record) error {
	if r.RunID == "" {
		return errors.WrapInvalid(fmt.Errorf("run id is required"), "PostgresLedger", "Record", "validate record")
	}
	history, err := json.Marshal(r.History)
	if err != nil {
		return errors.WrapInvalid(err, "PostgresLedger", "Record", "encode history")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs
		 (run_id, message_id, state, kind, disposition, deliveries, response, error, secondary,
		  history, started_at, finished_at, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.MessageID, r.State, r.Kind, r.Disposition, r.Deliveries, r.Response, r.Error, r.Secondary,
		history, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Duration.Milliseconds(),
	)
	if err != nil {
		return classify(err, "Record", "insert run")
	}
	return nil
}

// Recent implements ledger.Ledger
func (l *Ledger) Recent(ctx context.Context, limit int) ([]ledger.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, message_id, state, kind, disposition, deliveries, response, error, secondary,
		        history, started_at, finished_at, duration_ms
		 FROM pipeline_runs ORDER BY finished_at DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err, "Recent", "query runs")
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			r          ledger.Record
			history    []byte
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &r.MessageID, &r.State, &r.Kind, &r.Disposition, &r.Deliveries,
			&r.Response, &r.Error, &r.Secondary, &history, &r.StartedAt, &r.FinishedAt, &durationMs); err != nil {
			return nil, classify(err, "Recent", "scan run")
		}
		if err := json.Unmarshal(history, &r.History); err != nil {
			return nil, errors.WrapInvalid(err, "PostgresLedger", "Recent", "decode history")
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "Recent", "iterate runs")
	}
	return out, nil
}

// Close closes the pool
func (l *Ledger) Close() error {
	return l.db.Close()
}

// classify maps SQLSTATE classes: 08 connection, 53 resources and 57 operator
// intervention and 40 rollback are transient; 22 data and 23 constraint
// errors are invalid.
func classify(err error, method, action string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40":
			return errors.WrapTransient(err, "PostgresLedger", method, action)
		case "22", "23":
			return errors.WrapInvalid(err, "PostgresLedger", method, action)
		default:
			return errors.WrapFatal(err, "PostgresLedger", method, action)
		}
	}
	return errors.WrapTransient(err, "PostgresLedger", method, action)
}
