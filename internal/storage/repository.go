package storage

import (
	"context"
	"time"
)

// EndOfFeedMarker is persisted in place of a cursor once the feed source
// reports no further pages.
const EndOfFeedMarker = "~eof"

// Post is a filtered cast ready to be deduplicated and written.
type Post struct {
	Channel   string
	Hash      string
	Username  string
	Text      string
	Media     []string  // image URLs in embed order, never empty
	Timestamp time.Time // zero when the feed value could not be parsed
	// RawTimestamp is the feed value as received, written as-is by backends
	// without a typed time column.
	RawTimestamp string
	Permalink    string
	Likes        int
}

// CursorState is the per-channel pagination bookmark.
type CursorState struct {
	Channel   string
	Cursor    string
	EndOfFeed bool
	RecordID  string // store handle used for in-place updates
}

// PostRepository stores posts and answers channel-scoped hash lookups.
type PostRepository interface {
	// ListHashes returns one page of cast hashes recorded for the channel.
	// An empty next token means there are no further pages.
	ListHashes(ctx context.Context, channel string, pageSize int, pageToken string) (hashes []string, next string, err error)

	// InsertBatch appends up to MaxBatchSize posts in one store request.
	InsertBatch(ctx context.Context, posts []Post) error
}

// StateRepository persists CursorState rows.
type StateRepository interface {
	// GetState returns the state row for the channel with Cursor holding the
	// persisted value as-is. found is false when no row exists yet.
	GetState(ctx context.Context, channel string) (state CursorState, found bool, err error)

	// UpdateState patches the persisted cursor of the row identified by recordID.
	UpdateState(ctx context.Context, recordID, cursor string) error

	// CreateState inserts a new row and returns its record id.
	CreateState(ctx context.Context, channel, cursor string) (string, error)

	// ListChannels returns every channel with a state row.
	ListChannels(ctx context.Context) ([]string, error)
}

// Store is a backend that holds both collections.
type Store interface {
	PostRepository
	StateRepository
	Close() error
}

// MaxBatchSize is the largest insert batch every backend accepts.
const MaxBatchSize = 10

// EncodeCursor maps a cursor and end-of-feed flag onto the persisted value.
func EncodeCursor(cursor string, endOfFeed bool) string {
	if endOfFeed {
		return EndOfFeedMarker
	}
	return cursor
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(raw string) (cursor string, endOfFeed bool) {
	if raw == EndOfFeedMarker {
		return "", true
	}
	return raw, false
}
