package writer

import (
	"context"
	"errors"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

// BatchInserter is the write side of storage.PostRepository.
type BatchInserter interface {
	InsertBatch(ctx context.Context, posts []storage.Post) error
}

type BatchError struct {
	BatchIndex int    `json:"batch_index"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
}

type WriteResult struct {
	Batches          int          `json:"batches"`
	SucceededBatches int          `json:"succeeded_batches"`
	Written          int          `json:"written"`
	Errors           []BatchError `json:"errors,omitempty"`
}

// Failed reports whether any batch was rejected.
func (r WriteResult) Failed() bool { return len(r.Errors) > 0 }

type Writer struct {
	store     BatchInserter
	batchSize int
	logger    *observability.Logger
}

func NewWriter(store BatchInserter, batchSize int, logger *observability.Logger) *Writer {
	if batchSize <= 0 || batchSize > storage.MaxBatchSize {
		batchSize = storage.MaxBatchSize
	}
	return &Writer{store: store, batchSize: batchSize, logger: logger}
}

// Write submits posts in order, batchSize at a time. It stops at the first
// rejected batch; batches committed before it stay committed.
func (w *Writer) Write(ctx context.Context, posts []storage.Post) WriteResult {
	batches := Split(posts, w.batchSize)
	result := WriteResult{Batches: len(batches)}

	for i, batch := range batches {
		if err := w.store.InsertBatch(ctx, batch); err != nil {
			be := BatchError{BatchIndex: i, Detail: err.Error()}
			var wErr *storage.WriteError
			if errors.As(err, &wErr) {
				be.Status = wErr.Status
				be.Detail = wErr.Detail()
			}
			result.Errors = append(result.Errors, be)

			w.logger.Error("Batch write failed",
				"batch_index", i,
				"batch_size", len(batch),
				"status", be.Status,
				"error", err.Error(),
			)
			break
		}
		result.SucceededBatches++
		result.Written += len(batch)
	}

	return result
}

// Split chunks posts into consecutive slices of at most size elements.
func Split(posts []storage.Post, size int) [][]storage.Post {
	if len(posts) == 0 {
		return nil
	}
	out := make([][]storage.Post, 0, (len(posts)+size-1)/size)
	for start := 0; start < len(posts); start += size {
		end := start + size
		if end > len(posts) {
			end = len(posts)
		}
		out = append(out, posts[start:end])
	}
	return out
}
