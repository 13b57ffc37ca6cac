package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"castsync/internal/config"
	"castsync/internal/cursor"
	"castsync/internal/dedup"
	"castsync/internal/feed"
	"castsync/internal/filter"
	"castsync/internal/observability"
	"castsync/internal/storage"
	"castsync/internal/writer"
)

// ErrCycleInProgress is reported when a channel is already being synced.
var ErrCycleInProgress = errors.New("sync cycle already in progress for channel")

// State is a step of one channel cycle.
type State string

const (
	StateStart       State = "START"
	StateCursorRead  State = "CURSOR_READ"
	StateFeedFetch   State = "FEED_FETCH"
	StateFilter      State = "FILTER"
	StateDedupQuery  State = "DEDUP_QUERY"
	StateWrite       State = "WRITE"
	StateCursorWrite State = "CURSOR_WRITE"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Cycle statuses.
const (
	StatusOK        = "ok"
	StatusPartial   = "partial"
	StatusExhausted = "exhausted"
	StatusFailed    = "failed"
)

// Error kinds.
const (
	KindUpstream   = "upstream"
	KindStoreQuery = "store_query"
	KindStoreWrite = "store_write"
	KindInProgress = "in_progress"
	KindInternal   = "internal"
)

// FeedFetcher fetches one page of a channel feed.
type FeedFetcher interface {
	FetchPage(ctx context.Context, channel, cursor string) (*feed.Page, error)
}

type ErrorInfo struct {
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail"`
}

type ChannelResult struct {
	Channel        string              `json:"channel"`
	RunID          string              `json:"run_id"`
	Status         string              `json:"status"`
	State          State               `json:"state"`
	FailedAt       State               `json:"failed_at,omitempty"`
	Fetched        int                 `json:"fetched"`
	Candidates     int                 `json:"candidates"`
	New            int                 `json:"new"`
	NextCursor     string              `json:"next_cursor,omitempty"`
	EndOfFeed      bool                `json:"end_of_feed"`
	CursorAdvanced bool                `json:"cursor_advanced"`
	WriteResult    *writer.WriteResult `json:"write_result,omitempty"`
	Error          *ErrorInfo          `json:"error,omitempty"`
}

type Summary struct {
	RunID   string          `json:"run_id"`
	Results []ChannelResult `json:"results"`
}

type Orchestrator struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	feed    FeedFetcher
	filter  *filter.Filter
	dedup   *dedup.Index
	writer  *writer.Writer
	cursors *cursor.Manager

	mu      sync.Mutex
	running map[string]struct{}
}

func NewOrchestrator(
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
	f FeedFetcher,
	store storage.Store,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		feed:    f,
		filter:  filter.NewFilter(cfg.Filter.PermalinkBase, cfg.Filter.ImageMarker),
		dedup:   dedup.NewIndex(store, cfg.Dedup.PageSize, cfg.Dedup.MaxPages, logger),
		writer:  writer.NewWriter(store, cfg.Storage.BatchSize, logger),
		cursors: cursor.NewManager(store),
		running: make(map[string]struct{}),
	}
}

// SyncChannel runs one cycle for channel. It never returns an error: every
// failure is reported in the result.
//
// When a write batch fails the cursor is held by default, so the page is
// fetched again next cycle and already stored casts are dropped by dedup.
// Setting sync.advance_cursor_on_write_failure advances it anyway, which
// skips the unwritten casts for good.
func (o *Orchestrator) SyncChannel(ctx context.Context, channel string) ChannelResult {
	return o.syncChannel(ctx, uuid.NewString(), channel)
}

// SyncAll runs one cycle per channel and returns one result per channel.
// With no channels given, the configured channels and every channel with a
// stored cursor are synced. The error is non-nil only when that channel
// list could not be read.
func (o *Orchestrator) SyncAll(ctx context.Context, channels []string) (*Summary, error) {
	runID := uuid.NewString()

	if len(channels) == 0 {
		var err error
		channels, err = o.discoverChannels(ctx)
		if err != nil {
			o.logger.Error("Failed to list channels", "run_id", runID, "error", err.Error())
			return nil, err
		}
	}
	channels = uniqueChannels(channels)

	o.logger.Info("Starting sync run",
		"run_id", runID,
		"channels", len(channels),
		"parallel", o.cfg.Sync.MaxParallelChannels,
	)

	summary := &Summary{RunID: runID, Results: make([]ChannelResult, len(channels))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, o.cfg.Sync.MaxParallelChannels))
	for i, ch := range channels {
		g.Go(func() error {
			summary.Results[i] = o.syncChannel(gctx, runID, ch)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range summary.Results {
		if r.Status == StatusFailed {
			failed++
		}
	}
	o.logger.Info("Sync run completed",
		"run_id", runID,
		"channels", len(channels),
		"failed", failed,
	)

	return summary, nil
}

// Reset clears the channel's cursor so the next cycle starts from the first
// page. found is false when the channel has no state row.
func (o *Orchestrator) Reset(ctx context.Context, channel string) (bool, error) {
	if !o.acquire(channel) {
		return false, ErrCycleInProgress
	}
	defer o.release(channel)

	found, err := o.cursors.Reset(ctx, channel)
	if err != nil {
		o.logger.Error("Cursor reset failed", "channel", channel, "error", err.Error())
		return false, err
	}
	o.logger.Info("Cursor reset", "channel", channel, "found", found)
	return found, nil
}

func (o *Orchestrator) syncChannel(ctx context.Context, runID, channel string) ChannelResult {
	start := time.Now()
	log := o.logger.With("run_id", runID, "channel", channel)
	res := ChannelResult{Channel: channel, RunID: runID, State: StateStart}

	defer func() {
		failedBatches := 0
		written := 0
		if res.WriteResult != nil {
			failedBatches = len(res.WriteResult.Errors)
			written = res.WriteResult.Written
		}
		o.metrics.RecordCycle(channel, res.Status, written, failedBatches, time.Since(start))
	}()

	fail := func(err error) ChannelResult {
		res.FailedAt = res.State
		res.State = StateFailed
		res.Status = StatusFailed
		res.Error = classify(err)
		log.Error("Sync cycle failed",
			"failed_at", string(res.FailedAt),
			"kind", res.Error.Kind,
			"error", err.Error(),
		)
		return res
	}

	if !o.acquire(channel) {
		return fail(ErrCycleInProgress)
	}
	defer o.release(channel)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.GetCycleTimeout())
	defer cancel()

	res.State = StateCursorRead
	st, found, err := o.cursors.Read(ctx, channel)
	if err != nil {
		return fail(err)
	}
	if found && st.EndOfFeed {
		res.State = StateDone
		res.Status = StatusExhausted
		res.EndOfFeed = true
		log.Info("Channel feed exhausted, skipping until reset")
		return res
	}

	res.State = StateFeedFetch
	page, err := o.feed.FetchPage(ctx, channel, st.Cursor)
	if err != nil {
		return fail(err)
	}
	res.Fetched = len(page.Casts)
	res.NextCursor = page.NextCursor
	res.EndOfFeed = page.NextCursor == ""

	res.State = StateFilter
	candidates := o.filter.Apply(channel, page.Casts)
	res.Candidates = len(candidates)

	res.State = StateDedupQuery
	var fresh []storage.Post
	if len(candidates) > 0 {
		existing, err := o.dedup.ExistingHashes(ctx, channel)
		if err != nil {
			return fail(err)
		}
		fresh = dedup.Dedupe(candidates, existing)
	}
	res.New = len(fresh)

	res.State = StateWrite
	wr := o.writer.Write(ctx, fresh)
	res.WriteResult = &wr

	if wr.Failed() && !o.cfg.Sync.AdvanceCursorOnWriteFailure {
		res.State = StateDone
		res.Status = StatusPartial
		res.Error = batchErrorInfo(wr)
		log.Warn("Write incomplete, cursor left in place",
			"written", wr.Written,
			"succeeded_batches", wr.SucceededBatches,
			"batches", wr.Batches,
		)
		return res
	}

	res.State = StateCursorWrite
	if found {
		err = o.cursors.Write(ctx, st.RecordID, page.NextCursor, res.EndOfFeed)
	} else {
		_, err = o.cursors.Create(ctx, channel, page.NextCursor, res.EndOfFeed)
	}
	if err != nil {
		return fail(err)
	}
	res.CursorAdvanced = true

	res.State = StateDone
	res.Status = StatusOK
	if wr.Failed() {
		res.Status = StatusPartial
		res.Error = batchErrorInfo(wr)
	}

	log.Info("Sync cycle completed",
		"status", res.Status,
		"fetched", res.Fetched,
		"candidates", res.Candidates,
		"new", res.New,
		"written", wr.Written,
		"end_of_feed", res.EndOfFeed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (o *Orchestrator) discoverChannels(ctx context.Context) ([]string, error) {
	stored, err := o.cursors.Channels(ctx)
	if err != nil {
		return nil, err
	}
	channels := append(append([]string{}, o.cfg.Sync.Channels...), stored...)
	if len(channels) == 0 {
		channels = []string{o.cfg.Sync.DefaultChannel}
	}
	return channels, nil
}

func (o *Orchestrator) acquire(channel string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[channel]; busy {
		return false
	}
	o.running[channel] = struct{}{}
	return true
}

func (o *Orchestrator) release(channel string) {
	o.mu.Lock()
	delete(o.running, channel)
	o.mu.Unlock()
}

func uniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func classify(err error) *ErrorInfo {
	var (
		upErr *feed.UpstreamError
		qErr  *storage.QueryError
		wErr  *storage.WriteError
	)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		return &ErrorInfo{Kind: KindInProgress, Detail: err.Error()}
	case errors.As(err, &upErr):
		return &ErrorInfo{Kind: KindUpstream, Status: upErr.Status, Detail: err.Error()}
	case errors.As(err, &qErr):
		return &ErrorInfo{Kind: KindStoreQuery, Status: qErr.Status, Detail: err.Error()}
	case errors.As(err, &wErr):
		return &ErrorInfo{Kind: KindStoreWrite, Status: wErr.Status, Detail: wErr.Detail()}
	default:
		return &ErrorInfo{Kind: KindInternal, Detail: err.Error()}
	}
}

func batchErrorInfo(wr writer.WriteResult) *ErrorInfo {
	be := wr.Errors[0]
	return &ErrorInfo{Kind: KindStoreWrite, Status: be.Status, Detail: be.Detail}
}
