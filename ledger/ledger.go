// Package ledger records every terminal pipeline run for later inspection.
//
// Backends live in subpackages: postgres (database/sql over pgx) and pebble
// (embedded key-value store). Nop discards records.
package ledger

import (
	"context"
	"time"
)

// Record is one retired pipeline run
type Record struct {
	RunID       string        `json:"run_id"`
	MessageID   string        `json:"message_id"`
	State       string        `json:"state"`
	Kind        string        `json:"kind,omitempty"`
	Disposition string        `json:"disposition"`
	Deliveries  int           `json:"deliveries"`
	Response    string        `json:"response,omitempty"`
	Error       string        `json:"error,omitempty"`
	Secondary   string        `json:"secondary,omitempty"`
	History     []string      `json:"history"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Ledger stores Records. Implementations must be safe for concurrent use.
type Ledger interface {
	Record(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Nop discards records
type Nop struct{}

// Record implements Ledger
func (Nop) Record(context.Context, Record) error { return nil }

// Recent implements Ledger
func (Nop) Recent(context.Context, int) ([]Record, error) { return nil, nil }

// Close implements Ledger
func (Nop) Close() error { return nil }
