package feed

// Cast is one post as returned by the channel feed endpoint. Only the fields
// the sync reads are decoded.
type Cast struct {
	Hash      string     `json:"hash"`
	Author    *Author    `json:"author"`
	Text      string     `json:"text"`
	Timestamp string     `json:"timestamp"`
	Embeds    []Embed    `json:"embeds"`
	Reactions *Reactions `json:"reactions"`
}

type Author struct {
	Username string `json:"username"`
}

// Embed is an attachment. Older payloads carry mime_type at the top level,
// newer ones nest it under metadata.content_type.
type Embed struct {
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type"`
	Metadata *EmbedMetadata `json:"metadata"`
}

type EmbedMetadata struct {
	ContentType string `json:"content_type"`
}

type Reactions struct {
	LikesCount *int `json:"likes_count"`
}

// ContentType returns whichever content-type marker the embed carries.
func (e Embed) ContentType() string {
	if e.MimeType != "" {
		return e.MimeType
	}
	if e.Metadata != nil {
		return e.Metadata.ContentType
	}
	return ""
}

// Page is one response of the channel feed.
type Page struct {
	Casts      []Cast
	NextCursor string // empty at end of feed
}

type pageResponse struct {
	Casts []Cast `json:"casts"`
	Next  *struct {
		Cursor *string `json:"cursor"`
	} `json:"next"`
}
