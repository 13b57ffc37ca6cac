package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castsync/internal/feed"
)

func likes(n int) *feed.Reactions { return &feed.Reactions{LikesCount: &n} }

func imageEmbed(url string) feed.Embed {
	return feed.Embed{URL: url, Metadata: &feed.EmbedMetadata{ContentType: "image/png"}}
}

func TestApply_KeepsImageCastsOnly(t *testing.T) {
	casts := []feed.Cast{
		{Hash: "0x1", Author: &feed.Author{Username: "alice"}, Embeds: []feed.Embed{imageEmbed("https://img/1.png")}},
		{Hash: "0x2", Author: &feed.Author{Username: "bob"}, Embeds: []feed.Embed{{URL: "https://example.com", Metadata: &feed.EmbedMetadata{ContentType: "text/html"}}}},
		{Hash: "0x3", Author: &feed.Author{Username: "carol"}, Embeds: []feed.Embed{{URL: "https://img/3.jpg", MimeType: "image/jpeg"}}},
	}

	out := NewFilter("https://warpcast.com", "image").Apply("nouns-draws", casts)

	require.Len(t, out, 2)
	assert.Equal(t, "0x1", out[0].Hash)
	assert.Equal(t, "0x3", out[1].Hash)
}

func TestApply_Normalization(t *testing.T) {
	casts := []feed.Cast{{
		Hash:      "0xabc",
		Author:    &feed.Author{Username: "alice"},
		Text:      "noun of the day",
		Timestamp: "2024-05-01T12:00:00.000Z",
		Embeds: []feed.Embed{
			imageEmbed("https://img/a.png"),
			{URL: "https://youtu.be/x", Metadata: &feed.EmbedMetadata{ContentType: "text/html"}},
			{URL: "", MimeType: "image/png"},
			{URL: "https://img/b.gif", MimeType: "image/gif"},
		},
		Reactions: likes(12),
	}}

	out := NewFilter("https://warpcast.com/", "image").Apply("nouns-draws", casts)

	require.Len(t, out, 1)
	p := out[0]
	assert.Equal(t, "nouns-draws", p.Channel)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "noun of the day", p.Text)
	assert.Equal(t, []string{"https://img/a.png", "https://img/b.gif"}, p.Media)
	assert.Equal(t, "https://warpcast.com/alice/0xabc", p.Permalink)
	assert.Equal(t, 12, p.Likes)
	assert.True(t, p.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestApply_Defaults(t *testing.T) {
	casts := []feed.Cast{{
		Hash:      "0xdef",
		Timestamp: "not a time",
		Embeds:    []feed.Embed{imageEmbed("https://img/c.png")},
	}}

	out := NewFilter("https://warpcast.com", "image").Apply("nouns-draws", casts)

	require.Len(t, out, 1)
	assert.Equal(t, "", out[0].Username)
	assert.Equal(t, 0, out[0].Likes)
	assert.True(t, out[0].Timestamp.IsZero())
	assert.Equal(t, "https://warpcast.com//0xdef", out[0].Permalink)
}

func TestApply_TimestampPrecisionAndRaw(t *testing.T) {
	casts := []feed.Cast{
		{Hash: "0x1", Timestamp: "2024-05-01T12:00:00.123Z", Embeds: []feed.Embed{imageEmbed("https://img/1.png")}},
		{Hash: "0x2", Timestamp: "2024-05-01 12:00:00", Embeds: []feed.Embed{imageEmbed("https://img/2.png")}},
		{Hash: "0x3", Timestamp: "yesterday", Embeds: []feed.Embed{imageEmbed("https://img/3.png")}},
	}

	out := NewFilter("https://warpcast.com", "image").Apply("nouns-draws", casts)
	require.Len(t, out, 3)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC), out[0].Timestamp)
	assert.Equal(t, "2024-05-01T12:00:00.123Z", out[0].RawTimestamp)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), out[1].Timestamp)
	assert.Equal(t, "2024-05-01 12:00:00", out[1].RawTimestamp)

	assert.True(t, out[2].Timestamp.IsZero())
	assert.Equal(t, "yesterday", out[2].RawTimestamp)
}

func TestApply_NoQualifyingEmbed(t *testing.T) {
	casts := []feed.Cast{
		{Hash: "0x1"},
		{Hash: "0x2", Embeds: []feed.Embed{{URL: "https://img/x.png"}}},
		{Hash: "0x3", Embeds: []feed.Embed{{URL: "   ", MimeType: "image/png"}}},
		{Hash: "0x4", Embeds: []feed.Embed{{URL: "https://v/x.mp4", MimeType: "video/mp4"}}},
	}

	out := NewFilter("https://warpcast.com", "image").Apply("nouns-draws", casts)
	assert.Empty(t, out)
}

func TestApply_MediaNeverEmptyAndOrderPreserved(t *testing.T) {
	var casts []feed.Cast
	for i := 0; i < 50; i++ {
		c := feed.Cast{Hash: fmt.Sprintf("0x%02d", i)}
		if i%3 != 0 {
			c.Embeds = []feed.Embed{imageEmbed(fmt.Sprintf("https://img/%d.png", i))}
		}
		casts = append(casts, c)
	}

	out := NewFilter("https://warpcast.com", "image").Apply("nouns-draws", casts)

	prev := ""
	for _, p := range out {
		assert.NotEmpty(t, p.Media, "post %s has no media", p.Hash)
		assert.Greater(t, p.Hash, prev, "order not preserved")
		prev = p.Hash
	}
	assert.Len(t, out, 33)
}
