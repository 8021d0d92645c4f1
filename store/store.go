// Package store keeps the lifetime usage ledger in a SQLite database so
// totals survive restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/axon/errors"
	"github.com/m4xw311/axon/session"
	_ "modernc.org/sqlite"
)

// FileName is the ledger file inside the user's .axon directory.
const FileName = "usage.db"

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	cached_input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	priced INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_bucket ON requests(provider, model);`

// Ledger records every priced provider call.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "prepare ledger dir")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "init ledger schema")
	}
	return &Ledger{db: db, path: path}, nil
}

func (l *Ledger) Path() string { return l.path }

// Record appends one provider call.
func (l *Ledger) Record(ctx context.Context, sessionID string, r session.Request, priced bool) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO requests (session_id, provider, model, input_tokens, cached_input_tokens, output_tokens, cost, priced, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.Provider, r.Model, r.InputTokens, r.CachedInputTokens, r.OutputTokens, r.Cost, priced, at.UTC())
	return errors.Wrapf(err, "record usage")
}

// Totals returns the lifetime buckets, ordered by provider and model.
func (l *Ledger) Totals(ctx context.Context) ([]session.Bucket, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT provider, model, SUM(input_tokens), SUM(cached_input_tokens), SUM(output_tokens), COUNT(*), SUM(cost), MAX(priced)
FROM requests
GROUP BY provider, model
ORDER BY provider, model`)
	if err != nil {
		return nil, errors.Wrapf(err, "query usage totals")
	}
	defer rows.Close()

	var out []session.Bucket
	for rows.Next() {
		var b session.Bucket
		var priced int
		if err := rows.Scan(&b.Provider, &b.Model, &b.InputTokens, &b.CachedInputTokens, &b.OutputTokens, &b.Requests, &b.Cost, &priced); err != nil {
			return nil, errors.Wrapf(err, "scan usage totals")
		}
		b.Priced = priced != 0
		out = append(out, b)
	}
	return out, errors.Wrapf(rows.Err(), "iterate usage totals")
}

func (l *Ledger) Close() error { return l.db.Close() }
