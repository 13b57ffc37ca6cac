package writer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

type recordingStore struct {
	batches [][]storage.Post
	failAt  map[int]error
}

func (r *recordingStore) InsertBatch(_ context.Context, posts []storage.Post) error {
	idx := len(r.batches)
	r.batches = append(r.batches, posts)
	if err, ok := r.failAt[idx]; ok {
		return err
	}
	return nil
}

func makePosts(n int) []storage.Post {
	out := make([]storage.Post, n)
	for i := range out {
		out[i] = storage.Post{Channel: "nouns-draws", Hash: fmt.Sprintf("0x%03d", i), Media: []string{"https://img"}}
	}
	return out
}

func TestSplit_CeilAndOrder(t *testing.T) {
	for _, n := range []int{0, 1, 9, 10, 11, 20, 25, 101} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			in := makePosts(n)
			batches := Split(in, 10)

			assert.Len(t, batches, (n+9)/10)

			var flat []storage.Post
			for _, b := range batches {
				assert.LessOrEqual(t, len(b), 10)
				assert.NotEmpty(t, b)
				flat = append(flat, b...)
			}
			assert.Equal(t, len(in), len(flat))
			for i := range flat {
				assert.Equal(t, in[i].Hash, flat[i].Hash)
			}
		})
	}
}

func TestWrite_AllBatchesSucceed(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, 10, observability.Nop())

	res := w.Write(context.Background(), makePosts(23))

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 3, res.SucceededBatches)
	assert.Equal(t, 23, res.Written)
	assert.False(t, res.Failed())
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[2], 3)
}

func TestWrite_SecondBatchRejected(t *testing.T) {
	store := &recordingStore{failAt: map[int]error{
		1: &storage.WriteError{Op: "insert", Status: 422, Body: `{"error":{"type":"INVALID_MULTIPLE_CHOICE_OPTIONS"}}`},
	}}
	w := NewWriter(store, 10, observability.Nop())

	res := w.Write(context.Background(), makePosts(15))

	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1, res.SucceededBatches)
	assert.Equal(t, 10, res.Written)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].BatchIndex)
	assert.Equal(t, 422, res.Errors[0].Status)
	assert.Contains(t, res.Errors[0].Detail, "INVALID_MULTIPLE_CHOICE_OPTIONS")

	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], 10)
	assert.Len(t, store.batches[1], 5)
}

func TestWrite_StopsAfterFirstFailure(t *testing.T) {
	store := &recordingStore{failAt: map[int]error{0: errors.New("dial tcp: connection refused")}}
	w := NewWriter(store, 10, observability.Nop())

	res := w.Write(context.Background(), makePosts(30))

	assert.Equal(t, 0, res.SucceededBatches)
	assert.Len(t, store.batches, 1, "no batch may be submitted after a failure")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 0, res.Errors[0].Status)
	assert.Contains(t, res.Errors[0].Detail, "connection refused")
}

func TestWrite_Empty(t *testing.T) {
	store := &recordingStore{}
	res := NewWriter(store, 10, observability.Nop()).Write(context.Background(), nil)

	assert.Equal(t, WriteResult{}, res)
	assert.Empty(t, store.batches)
}

func TestNewWriter_ClampsBatchSize(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, 50, observability.Nop())

	w.Write(context.Background(), makePosts(12))
	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], storage.MaxBatchSize)
}
