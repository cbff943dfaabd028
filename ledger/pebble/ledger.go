// Package pebble stores run records in an embedded Pebble database.
//
// Keys are "run/{finished_at}/{run_id}" with a fixed-width UTC timestamp, so
// iteration order is completion order.
package pebble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/ledger"
)

const (
	keyPrefix = "run/"
	keyLayout = "20060102T150405.000000000Z"
)

// Options configures the ledger
type Options struct {
	Dir string
	// Sync forces a WAL fsync on every record.
	Sync bool
	// PebbleOptions allows tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Ledger is a ledger.Ledger backed by Pebble
type Ledger struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the database at opts.Dir
func Open(opts Options) (*Ledger, error) {
	if opts.Dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PebbleLedger", "Open", "directory is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if !opts.Sync {
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.WrapFatal(err, "PebbleLedger", "Open", "open database")
	}

	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Ledger{db: db, writeOpts: wo}, nil
}

func recordKey(r ledger.Record) []byte {
	return []byte(keyPrefix + r.FinishedAt.UTC().Format(keyLayout) + "/" + r.RunID)
}

// Record implements ledger.Ledger
func (l *Ledger) Record(_ context.Context, r ledger.Record) error {
	if r.RunID == "" {
		return errors.WrapInvalid(fmt.Errorf("run id is required"), "PebbleLedger", "Record", "validate record")
	}
	value, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "PebbleLedger", "Record", "encode record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.WrapFatal(pebble.ErrClosed, "PebbleLedger", "Record", "write record")
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(r), value, nil); err != nil {
		return errors.WrapTransient(err, "PebbleLedger", "Record", "stage write")
	}
	if err := b.Commit(l.writeOpts); err != nil {
		return errors.WrapTransient(err, "PebbleLedger", "Record", "commit write")
	}
	return nil
}

// Recent implements ledger.Ledger
func (l *Ledger) Recent(_ context.Context, limit int) ([]ledger.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.WrapFatal(pebble.ErrClosed, "PebbleLedger", "Recent", "read records")
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixEnd([]byte(keyPrefix)),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "PebbleLedger", "Recent", "open iterator")
	}
	defer iter.Close()

	var out []ledger.Record
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		var r ledger.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, errors.WrapInvalid(err, "PebbleLedger", "Recent",
				fmt.Sprintf("decode record %s", iter.Key()))
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "PebbleLedger", "Recent", "iterate records")
	}
	return out, nil
}

// Close flushes and closes the database. Safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
