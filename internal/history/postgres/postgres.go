// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Records live in a single live_transcripts table keyed by (session_id, seq).
// [Migrate] creates it; [New] runs Migrate on every start.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/pkg/provider/live"
)

var _ history.Store = (*Store)(nil)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS live_transcripts (
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_live_transcripts_at
    ON live_transcripts (at);

CREATE INDEX IF NOT EXISTS idx_live_transcripts_fts
    ON live_transcripts USING GIN (to_tsvector('simple', text));
`

// Migrate creates the transcript table and indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store implements [history.Store] on a pgx connection pool. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [history.Store]. A repeated (session, seq) pair is
// ignored so a retried write cannot duplicate an utterance.
func (s *Store) Append(ctx context.Context, rec history.Record) error {
	if err := history.Validate(rec); err != nil {
		return err
	}
	const q = `
		INSERT INTO live_transcripts (session_id, seq, role, text, at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		ON CONFLICT (session_id, seq) DO NOTHING`

	var at any
	if !rec.At.IsZero() {
		at = rec.At
	}
	if _, err := s.pool.Exec(ctx, q, rec.SessionID, rec.Seq, string(rec.Role), rec.Text, at); err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Session implements [history.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]history.Record, error) {
	const q = `
		SELECT session_id, seq, role, text, at
		FROM   live_transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history store: session: %w", err)
	}
	return collectRecords(rows)
}

// Search implements [history.Store] with PostgreSQL full-text search. The
// 'simple' configuration is used because transcripts are not limited to one
// language.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]history.Record, error) {
	if strings.TrimSpace(query) == "" {
		return []history.Record{}, nil
	}
	args := []any{query}
	q := "SELECT session_id, seq, role, text, at\n" +
		"FROM   live_transcripts\n" +
		"WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)\n" +
		"ORDER  BY at, session_id, seq"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return collectRecords(rows)
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectRecords(rows pgx.Rows) ([]history.Record, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var (
			r    history.Record
			role string
		)
		if err := row.Scan(&r.SessionID, &r.Seq, &role, &r.Text, &r.At); err != nil {
			return history.Record{}, err
		}
		r.Role = live.Speaker(role)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return recs, nil
}
