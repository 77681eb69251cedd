package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Relay resolution statuses recorded per event.
const (
	StatusRelayed      = "relayed"
	StatusDecodeFailed = "decode_failed"
	StatusExhausted    = "exhausted"
)

// Journal wraps SQLite-backed audit records of relay attempts. It is an
// operational log, not the source of truth: the persisted state document
// owns the cursor and dedup record.
type Journal struct {
	db *sql.DB
}

// Entry is one event's latest resolution.
type Entry struct {
	Key       string
	SourceTx  string
	LogIndex  uint
	Block     uint64
	Status    string
	Attempts  int
	DestTx    string
	Detail    string
	UpdatedAt time.Time
}

// Open initializes the SQLite database and runs minimal schema setup.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Ping checks database connectivity.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS relays (
  key         TEXT PRIMARY KEY,
  source_tx   TEXT NOT NULL,
  log_index   INTEGER NOT NULL,
  block       INTEGER NOT NULL,
  status      TEXT NOT NULL,
  attempts    INTEGER NOT NULL DEFAULT 0,
  dest_tx     TEXT,
  detail      TEXT,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS relays_block ON relays(block);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Record upserts an event's latest resolution, keyed by its dedup key.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Key == "" || e.Status == "" {
		return errors.New("key and status required")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO relays (key, source_tx, log_index, block, status, attempts, dest_tx, detail, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET
  status=excluded.status,
  attempts=excluded.attempts,
  dest_tx=excluded.dest_tx,
  detail=excluded.detail,
  updated_at=CURRENT_TIMESTAMP;
`, e.Key, e.SourceTx, e.LogIndex, e.Block, e.Status, e.Attempts, e.DestTx, e.Detail)
	if err != nil {
		return fmt.Errorf("record relay: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest block first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT key, source_tx, log_index, block, status, attempts,
       COALESCE(dest_tx, ''), COALESCE(detail, ''), updated_at
FROM relays ORDER BY block DESC, log_index DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.SourceTx, &e.LogIndex, &e.Block, &e.Status,
			&e.Attempts, &e.DestTx, &e.Detail, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns how many entries sit in each status.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM relays GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count relays: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
