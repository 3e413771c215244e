package source

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/resolv/internal/keywords"
)

// Candidate is a raw document fetched from a source, not yet scored.
type Candidate struct {
	System     System    `json:"system"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	RawScore   float64   `json:"raw_score"`
}

// Query is what every source receives for one incident.
type Query struct {
	Text     string
	Keywords []keywords.Keyword
}

// Source searches one knowledge system.
type Source interface {
	System() System
	Search(ctx context.Context, q Query, limit int) ([]Candidate, error)
}

const snippetLen = 280

// excerpt returns up to max runes of text, starting a little before the first
// occurrence of any of the words when one is found.
func excerpt(text string, words []string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	lower := strings.ToLower(text)
	start := 0
	for _, w := range words {
		if i := strings.Index(lower, strings.ToLower(w)); i >= 0 {
			start = i
			break
		}
	}
	if start > len(text) {
		start = len(text)
	}
	runes := []rune(text)
	// Convert the byte offset into a rune offset, then back off for context.
	at := utf8.RuneCountInString(text[:start]) - max/4
	if at < 0 {
		at = 0
	}
	end := at + max
	if end > len(runes) {
		end = len(runes)
		at = end - max
	}
	return string(runes[at:end])
}
