package cursor

import (
	"context"
	"errors"

	"castsync/internal/storage"
)

// Manager reads and updates the per-channel pagination bookmark. An absent
// next cursor is stored as an explicit end-of-feed marker so that a finished
// channel is distinguishable from one that was never synced.
type Manager struct {
	store storage.StateRepository
}

func NewManager(store storage.StateRepository) *Manager {
	return &Manager{store: store}
}

// Read returns the channel's state. found is false when the store has no
// row for the channel yet.
func (m *Manager) Read(ctx context.Context, channel string) (storage.CursorState, bool, error) {
	st, found, err := m.store.GetState(ctx, channel)
	if err != nil {
		return storage.CursorState{}, false, asQueryError("get state", err)
	}
	st.Cursor, st.EndOfFeed = storage.DecodeCursor(st.Cursor)
	return st, found, nil
}

// Write updates the row identified by recordID in place.
func (m *Manager) Write(ctx context.Context, recordID, cursor string, endOfFeed bool) error {
	if recordID == "" {
		return &storage.WriteError{Op: "update state", Err: storage.ErrMissingRecord}
	}
	if err := m.store.UpdateState(ctx, recordID, storage.EncodeCursor(cursor, endOfFeed)); err != nil {
		return asWriteError("update state", err)
	}
	return nil
}

// Create inserts the first state row for a channel and returns its handle.
func (m *Manager) Create(ctx context.Context, channel, cursor string, endOfFeed bool) (string, error) {
	id, err := m.store.CreateState(ctx, channel, storage.EncodeCursor(cursor, endOfFeed))
	if err != nil {
		return "", asWriteError("create state", err)
	}
	return id, nil
}

// Reset clears the bookmark so the next cycle starts from the first page.
// Channels without a row are left alone.
func (m *Manager) Reset(ctx context.Context, channel string) (bool, error) {
	st, found, err := m.Read(ctx, channel)
	if err != nil || !found {
		return false, err
	}
	return true, m.Write(ctx, st.RecordID, "", false)
}

// Channels lists every channel that has a state row.
func (m *Manager) Channels(ctx context.Context) ([]string, error) {
	chs, err := m.store.ListChannels(ctx)
	if err != nil {
		return nil, asQueryError("list channels", err)
	}
	return chs, nil
}

func asQueryError(op string, err error) error {
	var qErr *storage.QueryError
	if errors.As(err, &qErr) {
		return err
	}
	return &storage.QueryError{Op: op, Err: err}
}

func asWriteError(op string, err error) error {
	var wErr *storage.WriteError
	if errors.As(err, &wErr) {
		return err
	}
	return &storage.WriteError{Op: op, Err: err}
}
