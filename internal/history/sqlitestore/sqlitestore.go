// Package sqlitestore keeps delivery history in a local SQLite file.
// A single connection with WAL journaling is enough here: the courier
// writes one row per job and the history CLI only reads.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juno-kyojin/testcase-app/internal/history"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

const schema = `
CREATE TABLE IF NOT EXISTS test_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         TEXT NOT NULL,
	test_id           TEXT NOT NULL UNIQUE,
	file_name         TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN ('success','failure','timeout','connection_error')),
	result            TEXT,
	details           TEXT,
	connection_status TEXT
);
CREATE INDEX IF NOT EXISTS idx_test_history_timestamp ON test_history (timestamp);
`

// Store implements history.Store on top of a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ history.Store = (*Store)(nil)

// Open creates or opens the database at path and ensures the schema
// exists. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}
	// One connection serializes writers; WAL lets readers in alongside.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring history database: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts one record and fills in its ID and Timestamp. Records
// with a status outside the closed set are refused before they reach
// the database.
func (s *Store) Append(ctx context.Context, rec *testjob.HistoryRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("refusing to append record with status %q", rec.Status)
	}

	var result sql.NullString
	if rec.Result != nil {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("encoding result summary: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO test_history (timestamp, test_id, file_name, status, result, details, connection_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		rec.TestID.String(),
		rec.FileName,
		rec.Status.String(),
		result,
		nullable(rec.Details),
		nullable(rec.ConnStatus.String()),
	)
	if err != nil {
		return fmt.Errorf("appending history record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading appended record id: %w", err)
	}
	rec.ID = strconv.FormatInt(id, 10)
	rec.Timestamp = now
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]testjob.HistoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, test_id, file_name, status, result, details, connection_status
		 FROM test_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var recs []testjob.HistoryRecord
	for rows.Next() {
		var (
			id                        int64
			stamp, testID, status     string
			rec                       testjob.HistoryRecord
			result, details, connStat sql.NullString
		)
		if err := rows.Scan(&id, &stamp, &testID, &rec.FileName, &status, &result, &details, &connStat); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}

		rec.ID = strconv.FormatInt(id, 10)
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("row %d: parsing timestamp: %w", id, err)
		}
		if rec.TestID, err = uuid.Parse(testID); err != nil {
			return nil, fmt.Errorf("row %d: parsing test id: %w", id, err)
		}
		if rec.Status, err = testjob.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("row %d: %w", id, err)
		}
		if result.Valid {
			var sum testjob.ResultSummary
			if err := json.Unmarshal([]byte(result.String), &sum); err != nil {
				return nil, fmt.Errorf("row %d: decoding result summary: %w", id, err)
			}
			rec.Result = &sum
		}
		rec.Details = details.String
		rec.ConnStatus = testjob.ConnStatus(connStat.String)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
