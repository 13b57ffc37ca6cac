// Package filter turns raw feed casts into storable posts, keeping only casts
// that carry at least one image.
package filter

import (
	"strings"
	"time"

	"castsync/internal/feed"
	"castsync/internal/storage"
)

type Filter struct {
	permalinkBase string
	imageMarker   string
}

func NewFilter(permalinkBase, imageMarker string) *Filter {
	return &Filter{
		permalinkBase: strings.TrimRight(permalinkBase, "/"),
		imageMarker:   imageMarker,
	}
}

// Apply projects casts onto posts for channel, preserving order. Casts
// without a qualifying image embed are dropped.
func (f *Filter) Apply(channel string, casts []feed.Cast) []storage.Post {
	out := make([]storage.Post, 0, len(casts))
	for _, c := range casts {
		media := f.imageURLs(c.Embeds)
		if len(media) == 0 {
			continue
		}

		username := ""
		if c.Author != nil {
			username = c.Author.Username
		}
		likes := 0
		if c.Reactions != nil && c.Reactions.LikesCount != nil {
			likes = *c.Reactions.LikesCount
		}

		out = append(out, storage.Post{
			Channel:      channel,
			Hash:         c.Hash,
			Username:     username,
			Text:         c.Text,
			Media:        media,
			Timestamp:    parseTimestamp(c.Timestamp),
			RawTimestamp: c.Timestamp,
			Permalink:    f.Permalink(username, c.Hash),
			Likes:        likes,
		})
	}
	return out
}

// Permalink builds the public URL of a cast.
func (f *Filter) Permalink(username, hash string) string {
	return f.permalinkBase + "/" + username + "/" + hash
}

func (f *Filter) imageURLs(embeds []feed.Embed) []string {
	var urls []string
	for _, e := range embeds {
		if strings.TrimSpace(e.URL) == "" {
			continue
		}
		if !strings.Contains(e.ContentType(), f.imageMarker) {
			continue
		}
		urls = append(urls, e.URL)
	}
	return urls
}

// timestampLayouts are tried in order. Values matching none of them keep a
// zero Timestamp; the raw string is still carried on the post.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
