package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

var _ storage.Store = (*Repository)(nil)

const schema = `
IF OBJECT_ID(N'TblCasts', N'U') IS NULL
CREATE TABLE TblCasts (
	[UID]           BIGINT IDENTITY(1,1) PRIMARY KEY,
	[Channel]       NVARCHAR(128)  NOT NULL,
	[CastHash]      NVARCHAR(128)  NOT NULL,
	[Username]      NVARCHAR(128)  NOT NULL,
	[Text]          NVARCHAR(MAX)  NOT NULL,
	[Media]         NVARCHAR(MAX)  NOT NULL,
	[Link]          NVARCHAR(512)  NOT NULL,
	[Likes]         INT            NOT NULL DEFAULT 0,
	[CastTimestamp] DATETIME2      NULL,
	[CreatedAt]     DATETIME2      NOT NULL DEFAULT SYSUTCDATETIME(),
	CONSTRAINT UQ_TblCasts_Channel_Hash UNIQUE ([Channel], [CastHash])
);

IF OBJECT_ID(N'TblChannelState', N'U') IS NULL
CREATE TABLE TblChannelState (
	[UID]        BIGINT IDENTITY(1,1) PRIMARY KEY,
	[Channel]    NVARCHAR(128) NOT NULL UNIQUE,
	[LastCursor] NVARCHAR(1024) NOT NULL DEFAULT N'',
	[UpdatedAt]  DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
);
`

type Repository struct {
	db             *sql.DB
	commandTimeout time.Duration
	logger         *observability.Logger
}

func NewRepository(dsn string, commandTimeoutMS int, logger *observability.Logger) (*Repository, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Repository{
		db:             db,
		commandTimeout: time.Duration(commandTimeoutMS) * time.Millisecond,
		logger:         logger,
	}, nil
}

// ListHashes pages by UID; the token is the last UID of the previous page.
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

	query := `
		SELECT TOP (@Limit) [UID], [CastHash]
		FROM TblCasts
		WHERE [Channel] = @Channel AND [UID] > @After
		ORDER BY [UID]`

	rows, err := r.db.QueryContext(ctx, query,
		sql.Named("Limit", pageSize),
		sql.Named("Channel", channel),
		sql.Named("After", after),
	)
	if err != nil {
		return nil, "", &storage.QueryError{Op: "list hashes", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("Failed to close rows", "error", err.Error())
		}
	}()

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

// InsertBatch merges the batch inside one transaction so a rejected batch
// leaves nothing behind.
func (r *Repository) InsertBatch(ctx context.Context, posts []storage.Post) error {
	if len(posts) == 0 {
		return nil
	}
	if len(posts) > storage.MaxBatchSize {
		return &storage.WriteError{Op: "insert casts", Err: fmt.Errorf("batch of %d exceeds %d", len(posts), storage.MaxBatchSize)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	// MERGE skips rows already stored for the channel
	query := `
		MERGE INTO TblCasts AS target
		USING (SELECT @Channel AS Channel, @CastHash AS CastHash) AS source
		ON target.[Channel] = source.Channel AND target.[CastHash] = source.CastHash
		WHEN NOT MATCHED THEN
			INSERT ([Channel], [CastHash], [Username], [Text], [Media], [Link], [Likes], [CastTimestamp])
			VALUES (@Channel, @CastHash, @Username, @Text, @Media, @Link, @Likes, @CastTimestamp);
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return &storage.WriteError{Op: "insert casts", Err: fmt.Errorf("failed to prepare statement: %w", err)}
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			r.logger.Error("Failed to close statement", "error", err.Error())
		}
	}()

	inserted := int64(0)
	for _, p := range posts {
		res, err := stmt.ExecContext(ctx,
			sql.Named("Channel", p.Channel),
			sql.Named("CastHash", p.Hash),
			sql.Named("Username", p.Username),
			sql.Named("Text", p.Text),
			sql.Named("Media", storage.EncodeMedia(p.Media)),
			sql.Named("Link", p.Permalink),
			sql.Named("Likes", p.Likes),
			sql.Named("CastTimestamp", sql.NullTime{Time: p.Timestamp, Valid: !p.Timestamp.IsZero()}),
		)
		if err != nil {
			return &storage.WriteError{Op: "insert casts", Err: fmt.Errorf("failed to execute merge for %s: %w", p.Hash, err)}
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return &storage.WriteError{Op: "insert casts", Err: err}
	}

	if int(inserted) < len(posts) {
		r.logger.Warn("Skipped casts already stored",
			"channel", posts[0].Channel,
			"batch_size", len(posts),
			"inserted", inserted,
		)
	}
	return nil
}

func (r *Repository) GetState(ctx context.Context, channel string) (storage.CursorState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	var (
		uid    int64
		cursor string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT [UID], [LastCursor] FROM TblChannelState WHERE [Channel] = @Channel`,
		sql.Named("Channel", channel),
	).Scan(&uid, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CursorState{}, false, nil
	}
	if err != nil {
		return storage.CursorState{}, false, &storage.QueryError{Op: "get state", Err: err}
	}

	return storage.CursorState{
		Channel:  channel,
		Cursor:   cursor,
		RecordID: strconv.FormatInt(uid, 10),
	}, true, nil
}

func (r *Repository) UpdateState(ctx context.Context, recordID, cursor string) error {
	uid, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("bad record id %q: %w", recordID, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx,
		`UPDATE TblChannelState SET [LastCursor] = @Cursor, [UpdatedAt] = SYSUTCDATETIME() WHERE [UID] = @UID`,
		sql.Named("Cursor", cursor),
		sql.Named("UID", uid),
	)
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: err}
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("failed to get rows affected: %w", err)}
	}
	if rowsAffected == 0 {
		return &storage.WriteError{Op: "update state", Err: fmt.Errorf("no state row with UID %d", uid)}
	}
	return nil
}

func (r *Repository) CreateState(ctx context.Context, channel, cursor string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	var uid int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO TblChannelState ([Channel], [LastCursor]) OUTPUT INSERTED.[UID] VALUES (@Channel, @Cursor)`,
		sql.Named("Channel", channel),
		sql.Named("Cursor", cursor),
	).Scan(&uid)
	if err != nil {
		return "", &storage.WriteError{Op: "create state", Err: err}
	}
	return strconv.FormatInt(uid, 10), nil
}

func (r *Repository) ListChannels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT [Channel] FROM TblChannelState ORDER BY [Channel]`)
	if err != nil {
		return nil, &storage.QueryError{Op: "list channels", Err: err}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("Failed to close rows", "error", err.Error())
		}
	}()

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

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
