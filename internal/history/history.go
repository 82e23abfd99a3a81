// Package history persists one record per delivered test job. The log
// is append-only: the engine writes each record exactly once and
// nothing updates or deletes it afterwards.
package history

import (
	"context"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

// Store is the capability the delivery engine needs from a history
// backend. Append assigns the record's ID and Timestamp on success;
// until then both are zero.
type Store interface {
	// Append adds one record to the log. The backend owns ID
	// assignment, so two appends never share an ID.
	Append(ctx context.Context, rec *testjob.HistoryRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]testjob.HistoryRecord, error)

	Close() error
}
