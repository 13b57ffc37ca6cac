package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castsync/internal/observability"
	"castsync/internal/storage"
)

// pagedLister serves hashes in pages keyed by the stringified offset.
type pagedLister struct {
	hashes   map[string][]string
	calls    int
	err      error
	pageSize int
}

func (p *pagedLister) ListHashes(_ context.Context, channel string, pageSize int, token string) ([]string, string, error) {
	p.calls++
	p.pageSize = pageSize
	if p.err != nil {
		return nil, "", p.err
	}
	all := p.hashes[channel]
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + pageSize
	if end >= len(all) {
		return all[start:], "", nil
	}
	return all[start:end], strconv.Itoa(end), nil
}

func posts(hashes ...string) []storage.Post {
	out := make([]storage.Post, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, storage.Post{Channel: "nouns-draws", Hash: h, Media: []string{"https://img/" + h}})
	}
	return out
}

func hashesOf(ps []storage.Post) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Hash)
	}
	return out
}

func TestDedupe_DropsStoredHashes(t *testing.T) {
	lister := &pagedLister{hashes: map[string][]string{"nouns-draws": {"0xabc"}}}
	idx := NewIndex(lister, 100, 0, observability.Nop())

	existing, err := idx.ExistingHashes(context.Background(), "nouns-draws")
	require.NoError(t, err)

	out := Dedupe(posts("0xabc", "0xdef"), existing)
	assert.Equal(t, []string{"0xdef"}, hashesOf(out))
	assert.Equal(t, 100, lister.pageSize)
}

func TestDedupe_Idempotent(t *testing.T) {
	candidates := posts("0x1", "0x2", "0x3")
	existing := map[string]struct{}{"0x1": {}, "0x2": {}, "0x3": {}}

	assert.Empty(t, Dedupe(candidates, existing))
}

func TestDedupe_DropsRepeatsWithinBatch(t *testing.T) {
	out := Dedupe(posts("0x1", "0x2", "0x1", "0x3", "0x2"), nil)
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, hashesOf(out))
}

func TestExistingHashes_PagesThroughWholeWindow(t *testing.T) {
	var all []string
	for i := 0; i < 250; i++ {
		all = append(all, fmt.Sprintf("0x%03d", i))
	}
	lister := &pagedLister{hashes: map[string][]string{"nouns-draws": all}}
	idx := NewIndex(lister, 100, 0, observability.Nop())

	existing, err := idx.ExistingHashes(context.Background(), "nouns-draws")
	require.NoError(t, err)

	assert.Len(t, existing, 250)
	assert.Equal(t, 3, lister.calls)
}

func TestExistingHashes_MaxPagesCapsWindow(t *testing.T) {
	var all []string
	for i := 0; i < 250; i++ {
		all = append(all, fmt.Sprintf("0x%03d", i))
	}
	lister := &pagedLister{hashes: map[string][]string{"nouns-draws": all}}
	idx := NewIndex(lister, 100, 1, observability.Nop())

	existing, err := idx.ExistingHashes(context.Background(), "nouns-draws")
	require.NoError(t, err)

	assert.Len(t, existing, 100)
	assert.Equal(t, 1, lister.calls)
}

func TestExistingHashes_ScopedByChannel(t *testing.T) {
	lister := &pagedLister{hashes: map[string][]string{
		"nouns-draws": {"0x1"},
		"other":       {"0x2"},
	}}
	idx := NewIndex(lister, 100, 0, observability.Nop())

	existing, err := idx.ExistingHashes(context.Background(), "nouns-draws")
	require.NoError(t, err)

	assert.Contains(t, existing, "0x1")
	assert.NotContains(t, existing, "0x2")
}

func TestExistingHashes_FailureIsQueryError(t *testing.T) {
	lister := &pagedLister{err: errors.New("connection refused")}
	idx := NewIndex(lister, 100, 0, observability.Nop())

	_, err := idx.ExistingHashes(context.Background(), "nouns-draws")

	var qErr *storage.QueryError
	require.True(t, errors.As(err, &qErr))
	assert.Contains(t, qErr.Error(), "connection refused")
}

type stuckLister struct{}

func (stuckLister) ListHashes(context.Context, string, int, string) ([]string, string, error) {
	return []string{"0x1"}, "same", nil
}

func TestExistingHashes_RepeatedTokenFails(t *testing.T) {
	idx := NewIndex(stuckLister{}, 100, 0, observability.Nop())

	_, err := idx.ExistingHashes(context.Background(), "nouns-draws")

	var qErr *storage.QueryError
	assert.True(t, errors.As(err, &qErr))
}
