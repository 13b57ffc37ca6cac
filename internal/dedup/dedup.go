package dedup

import (
	"context"
	"errors"
	"fmt"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

// HashLister is the read side of storage.PostRepository.
type HashLister interface {
	ListHashes(ctx context.Context, channel string, pageSize int, pageToken string) ([]string, string, error)
}

type Index struct {
	store    HashLister
	pageSize int
	maxPages int // 0 pages through everything
	logger   *observability.Logger
}

func NewIndex(store HashLister, pageSize, maxPages int, logger *observability.Logger) *Index {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &Index{store: store, pageSize: pageSize, maxPages: maxPages, logger: logger}
}

// ExistingHashes collects the hashes already stored for channel. Any store
// failure is returned as *storage.QueryError so callers never write against
// an unknown window.
func (i *Index) ExistingHashes(ctx context.Context, channel string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	token := ""
	for page := 1; ; page++ {
		hashes, next, err := i.store.ListHashes(ctx, channel, i.pageSize, token)
		if err != nil {
			var qErr *storage.QueryError
			if errors.As(err, &qErr) {
				return nil, err
			}
			return nil, &storage.QueryError{Op: "list hashes", Err: err}
		}
		for _, h := range hashes {
			seen[h] = struct{}{}
		}

		if next == "" {
			return seen, nil
		}
		if i.maxPages > 0 && page >= i.maxPages {
			i.logger.Warn("Dedup window truncated",
				"channel", channel,
				"pages", page,
				"hashes", len(seen),
			)
			return seen, nil
		}
		if next == token {
			return nil, &storage.QueryError{Op: "list hashes", Err: fmt.Errorf("store returned the same page token %q twice", next)}
		}
		token = next
	}
}

// Dedupe keeps the candidates whose hash is not in existing, preserving
// order. Repeats within candidates are dropped as well.
func Dedupe(candidates []storage.Post, existing map[string]struct{}) []storage.Post {
	out := make([]storage.Post, 0, len(candidates))
	batch := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := existing[c.Hash]; ok {
			continue
		}
		if _, ok := batch[c.Hash]; ok {
			continue
		}
		batch[c.Hash] = struct{}{}
		out = append(out, c)
	}
	return out
}
