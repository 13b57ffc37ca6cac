package feed

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"castsync/internal/config"
	"castsync/internal/observability"
)

const channelFeedPath = "/v2/farcaster/feed/channels"

// maxErrorBody bounds how much of a failed response is kept in UpstreamError.
const maxErrorBody = 4 << 10

var ErrEmptyChannel = errors.New("channel id is empty")

// UpstreamError reports a feed request that did not produce a usable page.
// Status is 0 when the request never got a response.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed upstream: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("feed upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Client struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	userAgent string
	limit     int
	limiter   *rate.Limiter
	logger    *observability.Logger
}

func NewClient(cfg *config.Config, logger *observability.Logger) *Client {
	client := &http.Client{
		Timeout: cfg.GetFeedTimeout(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		client:    client,
		baseURL:   strings.TrimRight(cfg.Feed.BaseURL, "/"),
		apiKey:    cfg.Feed.APIKey,
		userAgent: cfg.Feed.UserAgent,
		limit:     cfg.Feed.PageLimit,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Feed.RPM)), 1),
		logger:    logger,
	}
}

// FetchPage fetches exactly one page of the channel feed starting at cursor
// (empty for the first page). The cursor is passed through untouched.
func (c *Client) FetchPage(ctx context.Context, channel, cursor string) (*Page, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	q := url.Values{}
	q.Set("channel_ids", channel)
	q.Set("with_recasts", "false")
	q.Set("with_replies", "false")
	q.Set("limit", strconv.Itoa(c.limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+channelFeedPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Api-Key", c.apiKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err.Error())
		}
	}()

	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &UpstreamError{Status: resp.StatusCode, Err: err}
		}
		defer func() { _ = gzipReader.Close() }()
		reader = gzipReader
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("Feed response",
		"channel", channel,
		"status", resp.StatusCode,
		"bytes", len(body),
		"has_cursor", cursor != "",
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	var parsed pageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("decode feed page: %w", err)}
	}

	page := &Page{Casts: parsed.Casts}
	if parsed.Next != nil && parsed.Next.Cursor != nil {
		page.NextCursor = *parsed.Next.Cursor
	}
	return page, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
