package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is a knowledge article, runbook or ticket body that can be indexed
// and surfaced as a suggestion.
type Document struct {
	ID         string
	System     string
	ExternalID string
	Title      string
	Content    string
	URL        string
	CreatedAt  time.Time
	IndexedAt  time.Time // zero until the indexing job completes
}

// Interaction records a user's reaction to a surfaced suggestion.
type Interaction struct {
	ID           string
	UserID       string
	Team         string
	IncidentID   string
	System       string
	ExternalID   string
	Title        string
	Action       string // "linked", "viewed", "dismissed"
	Rating       int    // 1..5, 0 when not rated
	KeywordsJSON string
	CreatedAt    time.Time
}

// Interaction actions.
const (
	ActionLinked    = "linked"
	ActionViewed    = "viewed"
	ActionDismissed = "dismissed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// SystemStats aggregates interactions for one knowledge system.
type SystemStats struct {
	Interactions int
	Links        int
	Incidents    int
	Users        int
}

// SuggestionStats aggregates interactions for one suggestion.
type SuggestionStats struct {
	Interactions int
	Links        int
	Dismissals   int
	Incidents    int
	Users        int
	RatingSum    int
	RatingCount  int
}

// ActorStats counts interactions by a user or team with one system.
type ActorStats struct {
	Interactions int
	Links        int
}
