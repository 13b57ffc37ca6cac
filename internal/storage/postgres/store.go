package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ensure PGStore implements storage.Store.
var _ storage.Store = (*PGStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS casts (
  id             BIGSERIAL PRIMARY KEY,
  channel        TEXT NOT NULL,
  cast_hash      TEXT NOT NULL,
  username       TEXT NOT NULL,
  text           TEXT NOT NULL,
  media          JSONB NOT NULL,
  link           TEXT NOT NULL,
  likes          INT NOT NULL DEFAULT 0,
  cast_timestamp TIMESTAMPTZ,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (channel, cast_hash)
);
CREATE TABLE IF NOT EXISTS channel_state (
  id          BIGSERIAL PRIMARY KEY,
  channel     TEXT NOT NULL UNIQUE,
  last_cursor TEXT NOT NULL DEFAULT '',
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PGStore struct {
	db             DB
	commandTimeout time.Duration
	logger         *observability.Logger
}

func New(ctx context.Context, dsn string, commandTimeoutMS int, logger *observability.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return NewWithDB(pool, commandTimeoutMS, logger), nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db DB, commandTimeoutMS int, logger *observability.Logger) *PGStore {
	return &PGStore{
		db:             db,
		commandTimeout: time.Duration(commandTimeoutMS) * time.Millisecond,
		logger:         logger,
	}
}

func (s *PGStore) ListHashes(ctx context.Context, channel string, pageSize int, pageToken string) ([]string, string, error) {
	var after int64
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", &storage.QueryError{Op: "list hashes", Err: fmt.Errorf("bad page token %q: %w", pageToken, err)}
		}
		after = v
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	rows, err := s.db.Query(ctx,
		`SELECT id, cast_hash FROM casts WHERE channel = $1 AND id > $2 ORDER BY id LIMIT $3`,
		channel, after, pageSize)
	if err != nil {
		return nil, "", &storage.QueryError{Op: "list hashes", Err: err}
	}
	defer rows.Close()

	var (
		hashes []string
		lastID int64
	)
	for rows.Next() {
		var h string
		if err := rows.Scan(&lastID, &h); err != nil {
			return nil, "", &storage.QueryError{Op: "list hashes", Err: err}
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, "", &storage.QueryError{Op: "list hashes", Err: err}
	}

	next := ""
	if len(hashes) == pageSize {
		next = strconv.FormatInt(lastID, 10)
	}
	return hashes, next, nil
}

// InsertBatch issues one multi-row INSERT, so the batch commits or fails as
// a unit.
func (s *PGStore) InsertBatch(ctx context.Context, posts []storage.Post) error {
	if len(posts) == 0 {
		return nil
	}
	if len(posts) > storage.MaxBatchSize {
		return &storage.WriteError{Op: "insert casts", Err: fmt.Errorf("batch of %d exceeds %d", len(posts), storage.MaxBatchSize)}
	}

	sql, args := insertCastsSQL(posts)

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}
	if int(tag.RowsAffected()) < len(posts) {
		s.logger.Warn("Skipped casts already stored",
			"channel", posts[0].Channel,
			"batch_size", len(posts),
			"inserted", tag.RowsAffected(),
		)
	}
	return nil
}

func insertCastsSQL(posts []storage.Post) (string, []any) {
	const cols = 8
	var sb strings.Builder
	args := make([]any, 0, len(posts)*cols)

	sb.WriteString(`INSERT INTO casts (channel, cast_hash, username, text, media, link, likes, cast_timestamp) VALUES `)
	for i, p := range posts {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d::jsonb, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)

		var ts *time.Time
		if !p.Timestamp.IsZero() {
			t := p.Timestamp
			ts = &t
		}
		args = append(args, p.Channel, p.Hash, p.Username, p.Text, storage.EncodeMedia(p.Media), p.Permalink, p.Likes, ts)
	}
	sb.WriteString(` ON CONFLICT (channel, cast_hash) DO NOTHING`)
	return sb.String(), args
}

func (s *PGStore) GetState(ctx context.Context, channel string) (storage.CursorState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	var (
		id     int64
		cursor string
	)
	err := s.db.QueryRow(ctx, `SELECT id, last_cursor FROM channel_state WHERE channel = $1`, channel).Scan(&id, &cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.CursorState{}, false, nil
	}
	if err != nil {
		return storage.CursorState{}, false, &storage.QueryError{Op: "get state", Err: err}
	}
	return storage.CursorState{Channel: channel, Cursor: cursor, RecordID: strconv.FormatInt(id, 10)}, true, nil
}

func (s *PGStore) UpdateState(ctx context.Context, recordID, cursor string) error {
	id, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("bad record id %q: %w", recordID, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, `UPDATE channel_state SET last_cursor = $1, updated_at = now() WHERE id = $2`, cursor, id)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("no state row with id %d", id)}
	}
	return nil
}

func (s *PGStore) CreateState(ctx context.Context, channel, cursor string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO channel_state (channel, last_cursor) VALUES ($1, $2) RETURNING id`,
		channel, cursor).Scan(&id)
	if err != nil {
		return "", &storage.WriteError{Op: "create state", Err: err}
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *PGStore) ListChannels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	rows, err := s.db.Query(ctx, `SELECT channel FROM channel_state ORDER BY channel`)
	if err != nil {
		return nil, &storage.QueryError{Op: "list channels", Err: err}
	}
	chs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &storage.QueryError{Op: "list channels", Err: err}
	}
	return chs, nil
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}
