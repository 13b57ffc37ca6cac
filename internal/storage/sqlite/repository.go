// Package sqlite is a single-file store for local runs and tests.
//
// Writes are serialized through one connection, which also keeps ":memory:"
// databases alive for the lifetime of the Repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver

	"castsync/internal/observability"
	"castsync/internal/storage"
)

var _ storage.Store = (*Repository)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS casts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	channel        TEXT NOT NULL,
	cast_hash      TEXT NOT NULL,
	username       TEXT NOT NULL,
	text           TEXT NOT NULL,
	media          TEXT NOT NULL,
	link           TEXT NOT NULL,
	likes          INTEGER NOT NULL DEFAULT 0,
	cast_timestamp DATETIME,
	created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (channel, cast_hash)
);

CREATE TABLE IF NOT EXISTS channel_state (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel     TEXT NOT NULL UNIQUE,
	last_cursor TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

type Repository struct {
	db             *sql.DB
	commandTimeout time.Duration
	logger         *observability.Logger
}

func NewRepository(dsn string, commandTimeoutMS int, logger *observability.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Repository{
		db:             db,
		commandTimeout: time.Duration(commandTimeoutMS) * time.Millisecond,
		logger:         logger,
	}, nil
}

// ListHashes pages by row id; the token is the last id of the previous page.
func (r *Repository) ListHashes(ctx context.Context, channel string, pageSize int, pageToken string) ([]string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	var after int64
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", &storage.QueryError{Op: "list hashes", Err: fmt.Errorf("bad page token %q: %w", pageToken, err)}
		}
		after = v
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cast_hash FROM casts WHERE channel = @Channel AND id > @After ORDER BY id LIMIT @Limit`,
		sql.Named("Channel", channel),
		sql.Named("After", after),
		sql.Named("Limit", pageSize),
	)
	if err != nil {
		return nil, "", &storage.QueryError{Op: "list hashes", Err: err}
	}
	defer func() { _ = rows.Close() }()

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

// InsertBatch writes the batch in one transaction. Rows already present for
// (channel, cast_hash) are skipped by the unique constraint.
func (r *Repository) InsertBatch(ctx context.Context, posts []storage.Post) error {
	if len(posts) == 0 {
		return nil
	}
	if len(posts) > storage.MaxBatchSize {
		return &storage.WriteError{Op: "insert casts", Err: fmt.Errorf("batch of %d exceeds %d", len(posts), storage.MaxBatchSize)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO casts (channel, cast_hash, username, text, media, link, likes, cast_timestamp) VALUES `)
	for i, p := range posts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			p.Channel, p.Hash, p.Username, p.Text, storage.EncodeMedia(p.Media), p.Permalink, p.Likes,
			sql.NullTime{Time: p.Timestamp, Valid: !p.Timestamp.IsZero()},
		)
	}
	sb.WriteString(` ON CONFLICT (channel, cast_hash) DO NOTHING`)

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}

	if n, err := res.RowsAffected(); err == nil && int(n) < len(posts) {
		r.logger.Warn("Skipped casts already stored",
			"channel", posts[0].Channel,
			"batch_size", len(posts),
			"inserted", n,
		)
	}
	return nil
}

func (r *Repository) GetState(ctx context.Context, channel string) (storage.CursorState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	var (
		id     int64
		cursor string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, last_cursor FROM channel_state WHERE channel = @Channel`,
		sql.Named("Channel", channel),
	).Scan(&id, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CursorState{}, false, nil
	}
	if err != nil {
		return storage.CursorState{}, false, &storage.QueryError{Op: "get state", Err: err}
	}

	return storage.CursorState{
		Channel:  channel,
		Cursor:   cursor,
		RecordID: strconv.FormatInt(id, 10),
	}, true, nil
}

func (r *Repository) UpdateState(ctx context.Context, recordID, cursor string) error {
	id, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("bad record id %q: %w", recordID, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE channel_state SET last_cursor = @Cursor, updated_at = CURRENT_TIMESTAMP WHERE id = @ID`,
		sql.Named("Cursor", cursor),
		sql.Named("ID", id),
	)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("no state row with id %d", id)}
	}
	return nil
}

func (r *Repository) CreateState(ctx context.Context, channel, cursor string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_state (channel, last_cursor) VALUES (@Channel, @Cursor)`,
		sql.Named("Channel", channel),
		sql.Named("Cursor", cursor),
	)
	if err != nil {
		return "", &storage.WriteError{Op: "create state", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", &storage.WriteError{Op: "create state", Err: err}
	}
	return strconv.FormatInt(id, 10), nil
}

func (r *Repository) ListChannels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT channel FROM channel_state ORDER BY channel`)
	if err != nil {
		return nil, &storage.QueryError{Op: "list channels", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, &storage.QueryError{Op: "list channels", Err: err}
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.QueryError{Op: "list channels", Err: err}
	}
	return out, nil
}

// CountPosts reports how many casts are stored for channel.
func (r *Repository) CountPosts(ctx context.Context, channel string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM casts WHERE channel = @Channel`, sql.Named("Channel", channel)).Scan(&n)
	if err != nil {
		return 0, &storage.QueryError{Op: "count casts", Err: err}
	}
	return n, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
