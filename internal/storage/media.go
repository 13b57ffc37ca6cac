package storage

import "encoding/json"

// Attachment is how media is referenced in the store: a list of {url}.
type Attachment struct {
	URL string `json:"url"`
}

func Attachments(urls []string) []Attachment {
	out := make([]Attachment, 0, len(urls))
	for _, u := range urls {
		out = append(out, Attachment{URL: u})
	}
	return out
}

// EncodeMedia renders media as a JSON attachment list for SQL text columns.
func EncodeMedia(urls []string) string {
	b, _ := json.Marshal(Attachments(urls))
	return string(b)
}
