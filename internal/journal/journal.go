// Package journal records command outcomes to postgres for auditing. The
// journal is optional: a nil *Journal is a no-op, so running without a
// database disables auditing without touching the dispatch path. Rows carry
// identities and outcomes, never credentials or media payloads.
package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Pool struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Verify connectivity early.
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return &Pool{pool: p}, nil
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Entry is one journaled command outcome.
type Entry struct {
	CommandID string        `json:"command_id"`
	Device    string        `json:"device"`
	Kind      string        `json:"kind"`
	Outcome   string        `json:"outcome"` // "ok" | error class
	Attempts  int           `json:"attempts"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

type Journal struct {
	log  zerolog.Logger
	pool *Pool
}

// Ping reports database readiness. Nil-safe: no journal means nothing to
// be ready.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil {
		return nil
	}
	return j.pool.Ping(ctx)
}

func New(log zerolog.Logger, pool *Pool) *Journal {
	if pool == nil {
		return nil
	}
	return &Journal{log: log, pool: pool}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS command_journal (
    id           BIGSERIAL PRIMARY KEY,
    command_id   TEXT        NOT NULL,
    device       TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    outcome      TEXT        NOT NULL,
    attempts     INT         NOT NULL,
    retries      INT         NOT NULL,
    duration_ms  BIGINT      NOT NULL,
    error        TEXT,
    recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS command_journal_device_idx ON command_journal (device, recorded_at);
`

// EnsureSchema creates the journal table if it does not exist yet.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j == nil {
		return nil
	}
	_, err := j.pool.pool.Exec(ctx, schemaSQL)
	return err
}

// RecordCommand inserts one journal row. Journal failures are logged and
// swallowed: auditing must never fail a command that already succeeded.
func (j *Journal) RecordCommand(ctx context.Context, e Entry) {
	if j == nil {
		return
	}

	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}

	_, err := j.pool.pool.Exec(ctx,
		`INSERT INTO command_journal (command_id, device, kind, outcome, attempts, retries, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.CommandID, e.Device, e.Kind, e.Outcome, e.Attempts, e.Retries, e.Duration.Milliseconds(), errText,
	)
	if err != nil {
		j.log.Warn().Err(err).Str("command_id", e.CommandID).Msg("failed to journal command")
	}
}

// Recent returns the latest journal rows for the observability surface.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.pool.pool.Query(ctx,
		`SELECT command_id, device, kind, outcome, attempts, retries, duration_ms, COALESCE(error, '')
		 FROM command_journal ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(&e.CommandID, &e.Device, &e.Kind, &e.Outcome, &e.Attempts, &e.Retries, &durationMS, &e.Error); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
