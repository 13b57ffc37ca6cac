package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"castsync/internal/config"
	"castsync/internal/observability"
	"castsync/internal/storage"
)

// Field names in the Posts and State tables.
const (
	fieldUsername   = "Username"
	fieldText       = "Text"
	fieldMedia      = "Media"
	fieldLink       = "Link"
	fieldLikes      = "Farcaster Likes"
	fieldHash       = "Cast Hash"
	fieldTimestamp  = "Farcaster Timestamp"
	fieldChannel    = "Channel"
	fieldLastCursor = "LastCursor"
)

const maxErrorBody = 4 << 10

var _ storage.Store = (*Store)(nil)

// Store talks to the Airtable REST API. Posts and cursor state live in two
// tables of the same base.
type Store struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	postsTable string
	stateTable string
	logger     *observability.Logger
}

func NewStore(cfg *config.Config, logger *observability.Logger) *Store {
	at := cfg.Storage.Airtable
	return &Store{
		client: &http.Client{
			Timeout: cfg.GetCommandTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:    strings.TrimRight(at.BaseURL, "/") + "/v0/" + url.PathEscape(at.BaseID),
		apiKey:     at.APIKey,
		postsTable: at.PostsTable,
		stateTable: at.StateTable,
		logger:     logger,
	}
}

type record struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

type listResponse struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset"`
}

type createRequest struct {
	Records  []record `json:"records"`
	Typecast bool     `json:"typecast"`
}

// ListHashes reads one page of the Posts table filtered by channel and
// projected to the hash field. The page token is Airtable's offset.
func (s *Store) ListHashes(ctx context.Context, channel string, pageSize int, pageToken string) ([]string, string, error) {
	q := url.Values{}
	q.Set("filterByFormula", channelFormula(channel))
	q.Add("fields[]", fieldHash)
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if pageToken != "" {
		q.Set("offset", pageToken)
	}

	var resp listResponse
	status, body, err := s.do(ctx, http.MethodGet, s.tableURL(s.postsTable)+"?"+q.Encode(), nil, &resp)
	if err != nil || status >= 300 {
		return nil, "", &storage.QueryError{Op: "list hashes", Status: status, Body: body, Err: err}
	}

	hashes := make([]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		if h, ok := r.Fields[fieldHash].(string); ok && h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes, resp.Offset, nil
}

func (s *Store) InsertBatch(ctx context.Context, posts []storage.Post) error {
	if len(posts) == 0 {
		return nil
	}
	if len(posts) > storage.MaxBatchSize {
		return &storage.WriteError{Op: "insert posts", Err: fmt.Errorf("batch of %d exceeds %d", len(posts), storage.MaxBatchSize)}
	}

	req := createRequest{Records: make([]record, 0, len(posts)), Typecast: true}
	for _, p := range posts {
		req.Records = append(req.Records, record{Fields: postFields(p)})
	}

	status, body, err := s.do(ctx, http.MethodPost, s.tableURL(s.postsTable), req, nil)
	if err != nil || status >= 300 {
		return &storage.WriteError{Op: "insert posts", Status: status, Body: body, Err: err}
	}
	return nil
}

func postFields(p storage.Post) map[string]interface{} {
	f := map[string]interface{}{
		fieldUsername: p.Username,
		fieldText:     p.Text,
		fieldMedia:    storage.Attachments(p.Media),
		fieldLink:     p.Permalink,
		fieldLikes:    p.Likes,
		fieldHash:     p.Hash,
		fieldChannel:  p.Channel,
	}
	// The feed value goes out unchanged; Airtable typecasts it.
	switch {
	case p.RawTimestamp != "":
		f[fieldTimestamp] = p.RawTimestamp
	case !p.Timestamp.IsZero():
		f[fieldTimestamp] = p.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return f
}

func (s *Store) GetState(ctx context.Context, channel string) (storage.CursorState, bool, error) {
	q := url.Values{}
	q.Set("filterByFormula", channelFormula(channel))
	q.Set("maxRecords", "1")

	var resp listResponse
	status, body, err := s.do(ctx, http.MethodGet, s.tableURL(s.stateTable)+"?"+q.Encode(), nil, &resp)
	if err != nil || status >= 300 {
		return storage.CursorState{}, false, &storage.QueryError{Op: "get state", Status: status, Body: body, Err: err}
	}
	if len(resp.Records) == 0 {
		return storage.CursorState{}, false, nil
	}

	r := resp.Records[0]
	cursor, _ := r.Fields[fieldLastCursor].(string)
	return storage.CursorState{Channel: channel, Cursor: cursor, RecordID: r.ID}, true, nil
}

// UpdateState patches only the cursor field of one row.
func (s *Store) UpdateState(ctx context.Context, recordID, cursor string) error {
	req := record{Fields: map[string]interface{}{fieldLastCursor: cursor}}

	status, body, err := s.do(ctx, http.MethodPatch, s.tableURL(s.stateTable)+"/"+url.PathEscape(recordID), req, nil)
	if err != nil || status >= 300 {
		return &storage.WriteError{Op: "update state", Status: status, Body: body, Err: err}
	}
	return nil
}

func (s *Store) CreateState(ctx context.Context, channel, cursor string) (string, error) {
	req := createRequest{Records: []record{{Fields: map[string]interface{}{
		fieldChannel:    channel,
		fieldLastCursor: cursor,
	}}}}

	var resp listResponse
	status, body, err := s.do(ctx, http.MethodPost, s.tableURL(s.stateTable), req, &resp)
	if err != nil || status >= 300 {
		return "", &storage.WriteError{Op: "create state", Status: status, Body: body, Err: err}
	}
	if len(resp.Records) == 0 || resp.Records[0].ID == "" {
		return "", &storage.WriteError{Op: "create state", Status: status, Err: fmt.Errorf("response carried no record id")}
	}
	return resp.Records[0].ID, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	var (
		out    []string
		offset string
	)
	for {
		q := url.Values{}
		q.Add("fields[]", fieldChannel)
		q.Set("pageSize", "100")
		if offset != "" {
			q.Set("offset", offset)
		}

		var resp listResponse
		status, body, err := s.do(ctx, http.MethodGet, s.tableURL(s.stateTable)+"?"+q.Encode(), nil, &resp)
		if err != nil || status >= 300 {
			return nil, &storage.QueryError{Op: "list channels", Status: status, Body: body, Err: err}
		}
		for _, r := range resp.Records {
			if ch, ok := r.Fields[fieldChannel].(string); ok && ch != "" {
				out = append(out, ch)
			}
		}
		if resp.Offset == "" {
			return out, nil
		}
		offset = resp.Offset
	}
}

func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) tableURL(table string) string {
	return s.baseURL + "/" + url.PathEscape(table)
}

// do sends one request. A non-2xx response returns its status and a
// truncated body with a nil error; out is only decoded on success.
func (s *Store) do(ctx context.Context, method, target string, in, out interface{}) (int, string, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, "", fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	s.logger.Debug("Airtable request",
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, string(b), nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, "", fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, "", nil
}

// channelFormula builds {Channel}='<channel>' with quotes escaped.
func channelFormula(channel string) string {
	escaped := strings.ReplaceAll(channel, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return fmt.Sprintf("{%s}='%s'", fieldChannel, escaped)
}
