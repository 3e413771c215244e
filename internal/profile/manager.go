// Package profile learns per-user preferences from feedback and reorders
// ranked suggestions with them.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

// Anonymous is the user id that never gets a profile.
const Anonymous = "anonymous"

const (
	// MaxPatterns bounds the successful pattern log.
	MaxPatterns = 100
	// MaxFeedbackScores bounds the rating history.
	MaxFeedbackScores = 100

	DefaultCacheSize  = 1000
	defaultSeedWindow = 365 * 24 * time.Hour
	seedLimit         = 1000
	lockStripes       = 64
)

var (
	// ErrAnonymous is returned when a profile is requested for the anonymous user.
	ErrAnonymous = errors.New("anonymous user has no profile")
	// ErrInvalidAction is returned for actions other than linked, viewed or dismissed.
	ErrInvalidAction = errors.New("invalid interaction action")
	// ErrInvalidRating is returned for ratings outside 0..5.
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SaveProfile(ctx context.Context, userID, profileJSON string, createdAt, updatedAt time.Time) error
	GetProfile(ctx context.Context, userID string) (string, error)
	ListUserInteractions(ctx context.Context, userID string, since time.Time, limit int) ([]storage.Interaction, error)
	SaveInteraction(ctx context.Context, i storage.Interaction) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Event is one user reaction to a surfaced suggestion.
type Event struct {
	UserID     string
	Team       string
	IncidentID string
	System     source.System
	ExternalID string
	Title      string
	Action     string
	Rating     int
	Keywords   []keywords.Keyword
}

// Manager owns user profiles. Live profiles sit in a bounded LRU in front of
// the user_profiles table; mutation is serialized per user.
type Manager struct {
	store Store
	clock Clock
	cache *lru.Cache[string, *Profile]
	locks [lockStripes]sync.Mutex
}

// NewManager creates a Manager caching up to size profiles.
func NewManager(store Store, size int) (*Manager, error) {
	return NewManagerWithClock(store, realClock{}, size)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, size int) (*Manager, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Profile](size)
	if err != nil {
		return nil, fmt.Errorf("creating profile cache: %w", err)
	}
	return &Manager{store: store, clock: clock, cache: cache}, nil
}

// IsAnonymous reports whether userID gets non-personalized behavior.
func IsAnonymous(userID string) bool {
	return userID == "" || userID == Anonymous
}

func (m *Manager) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Get returns the user's profile, creating and seeding it on first access.
func (m *Manager) Get(ctx context.Context, userID string) (Profile, error) {
	if IsAnonymous(userID) {
		return Profile{}, ErrAnonymous
	}
	mu := m.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return deepCopyProfile(p), nil
}

// load must be called with the user's lock held.
func (m *Manager) load(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := m.cache.Get(userID); ok {
		return p, nil
	}

	raw, err := m.store.GetProfile(ctx, userID)
	switch {
	case err == nil:
		var p Profile
		if uerr := json.Unmarshal([]byte(raw), &p); uerr != nil {
			slog.Warn("malformed profile, reseeding", "user", userID, "error", uerr)
			break
		}
		normalize(&p)
		m.cache.Add(userID, &p)
		return &p, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}

	p, err := m.seed(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, p); err != nil {
		return nil, err
	}
	m.cache.Add(userID, p)
	return p, nil
}

// seed builds a new profile from the user's recorded interactions.
func (m *Manager) seed(ctx context.Context, userID string) (*Profile, error) {
	now := m.clock.Now().UTC()
	history, err := m.store.ListUserInteractions(ctx, userID, now.Add(-defaultSeedWindow), seedLimit)
	if err != nil {
		return nil, fmt.Errorf("seeding profile %s: %w", userID, err)
	}

	p := &Profile{UserID: userID, CreatedAt: now, UpdatedAt: now}
	normalize(p)

	perSystem := make(map[string][2]int) // links, total
	for _, in := range history {
		c := perSystem[in.System]
		c[1]++
		switch in.Action {
		case storage.ActionLinked:
			c[0]++
			p.Patterns.Links++
			p.SuccessfulPatterns = appendPattern(p.SuccessfulPatterns, Pattern{
				System:     in.System,
				ExternalID: in.ExternalID,
				Keywords:   decodeKeywords(in.KeywordsJSON),
				LinkedAt:   in.CreatedAt,
			})
		case storage.ActionViewed:
			p.Patterns.Views++
		case storage.ActionDismissed:
			p.Patterns.Dismissals++
		}
		perSystem[in.System] = c
		if in.Rating > 0 {
			p.FeedbackScores = appendScore(p.FeedbackScores, in.Rating)
		}
	}

	n := len(history)
	p.Patterns.Events = n
	if n > 0 {
		p.Patterns.LinkRate = float64(p.Patterns.Links) / float64(n)
	}
	for sys, c := range perSystem {
		p.SystemExpertise[sys] = float64(c[0]) / float64(c[1])
	}
	p.Confidence = boundConfidence(math.Min(0.8, float64(n)/20))
	p.ExpertiseLevel = expertiseLevel(n)
	p.PreferredSystems = preferredSystems(p.SystemExpertise)
	return p, nil
}

func (m *Manager) save(ctx context.Context, p *Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile %s: %w", p.UserID, err)
	}
	if err := m.store.SaveProfile(ctx, p.UserID, string(b), p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	return nil
}

// Learn records an interaction and folds it into the user's profile.
// Anonymous events are recorded as history but learn nothing.
func (m *Manager) Learn(ctx context.Context, ev Event) (Profile, error) {
	switch ev.Action {
	case storage.ActionLinked, storage.ActionViewed, storage.ActionDismissed:
	default:
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidAction, ev.Action)
	}
	if ev.Rating < 0 || ev.Rating > 5 {
		return Profile{}, ErrInvalidRating
	}

	now := m.clock.Now().UTC()
	kwJSON, err := json.Marshal(keywords.Words(ev.Keywords))
	if err != nil {
		return Profile{}, fmt.Errorf("marshalling keywords: %w", err)
	}
	rec := storage.Interaction{
		ID:           uuid.New().String(),
		UserID:       ev.UserID,
		Team:         ev.Team,
		IncidentID:   ev.IncidentID,
		System:       ev.System.String(),
		ExternalID:   ev.ExternalID,
		Title:        ev.Title,
		Action:       ev.Action,
		Rating:       ev.Rating,
		KeywordsJSON: string(kwJSON),
		CreatedAt:    now,
	}
	if IsAnonymous(ev.UserID) {
		rec.UserID = Anonymous
		if err := m.store.SaveInteraction(ctx, rec); err != nil {
			return Profile{}, err
		}
		return Profile{}, ErrAnonymous
	}

	mu := m.lock(ev.UserID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.load(ctx, ev.UserID)
	if err != nil {
		return Profile{}, err
	}
	if err := m.store.SaveInteraction(ctx, rec); err != nil {
		return Profile{}, err
	}

	next := deepCopyProfile(p)
	apply(&next, ev, now)
	if err := m.save(ctx, &next); err != nil {
		return Profile{}, err
	}
	m.cache.Add(ev.UserID, &next)
	return deepCopyProfile(&next), nil
}

// apply mutates p with one event observed at now.
func apply(p *Profile, ev Event, now time.Time) {
	sys := ev.System.String()
	linked := ev.Action == storage.ActionLinked

	decay := 0.0
	if !p.UpdatedAt.IsZero() {
		decay = math.Min(1, math.Max(0, now.Sub(p.UpdatedAt).Hours()/24/30))
	}

	var hit float64
	if linked {
		hit = 1
	}
	p.Patterns.LinkRate = clamp01(0.9*p.Patterns.LinkRate + 0.1*hit)
	p.Patterns.Events++

	switch ev.Action {
	case storage.ActionLinked:
		p.Patterns.Links++
		p.SystemExpertise[sys] = clamp01(p.SystemExpertise[sys] + 0.05)
		for _, kw := range ev.Keywords {
			w := strings.ToLower(kw.Word)
			p.TopicInterests[w] = clamp01(p.TopicInterests[w] + 0.1*kw.Weight)
		}
		p.SuccessfulPatterns = appendPattern(p.SuccessfulPatterns, Pattern{
			System:     sys,
			ExternalID: ev.ExternalID,
			Keywords:   keywords.Words(ev.Keywords),
			LinkedAt:   now,
		})
	case storage.ActionViewed:
		p.Patterns.Views++
	case storage.ActionDismissed:
		p.Patterns.Dismissals++
		p.SystemExpertise[sys] = clamp01(p.SystemExpertise[sys] - 0.02)
	}
	if ev.Rating > 0 {
		p.FeedbackScores = appendScore(p.FeedbackScores, ev.Rating)
	}

	p.Confidence = boundConfidence(float64(p.Patterns.Events) / 50 * (1 - decay*0.3))
	p.ExpertiseLevel = expertiseLevel(p.Patterns.Events)
	p.PreferredSystems = preferredSystems(p.SystemExpertise)
	p.UpdatedAt = now
}

func normalize(p *Profile) {
	if p.SystemExpertise == nil {
		p.SystemExpertise = make(map[string]float64)
	}
	if p.TopicInterests == nil {
		p.TopicInterests = make(map[string]float64)
	}
	if p.ExpertiseLevel == "" {
		p.ExpertiseLevel = LevelNovice
	}
	p.Confidence = boundConfidence(p.Confidence)
}

func appendPattern(ps []Pattern, p Pattern) []Pattern {
	ps = append(ps, p)
	if len(ps) > MaxPatterns {
		ps = append([]Pattern(nil), ps[len(ps)-MaxPatterns:]...)
	}
	return ps
}

func appendScore(s []int, v int) []int {
	s = append(s, v)
	if len(s) > MaxFeedbackScores {
		s = append([]int(nil), s[len(s)-MaxFeedbackScores:]...)
	}
	return s
}

// preferredSystems lists systems with positive expertise, strongest first.
func preferredSystems(exp map[string]float64) []string {
	var out []string
	for sys, v := range exp {
		if v > 0 {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if exp[out[i]] != exp[out[j]] {
			return exp[out[i]] > exp[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func decodeKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	var words []string
	if err := json.Unmarshal([]byte(raw), &words); err != nil {
		slog.Debug("malformed interaction keywords", "error", err)
		return nil
	}
	return words
}

func boundConfidence(c float64) float64 {
	return math.Min(0.95, math.Max(0.1, c))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
