// Package ranking scores candidates with a fixed, versioned weighted-feature
// formula.
package ranking

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

// Neutral values used whenever history is missing.
const (
	neutral                   = 0.5
	defaultHistoricalLinkRate = 0.3
	recencyHalfLifeDays       = 30.0
)

// History provides interaction aggregates. Implemented by storage.Store.
type History interface {
	SystemStats(ctx context.Context, system string, since time.Time) (storage.SystemStats, error)
	SuggestionStats(ctx context.Context, system, externalID string, since time.Time) (storage.SuggestionStats, error)
	UserSystemStats(ctx context.Context, userID, system string, since time.Time) (storage.ActorStats, error)
	TeamSystemStats(ctx context.Context, team, system string, since time.Time) (storage.ActorStats, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Context carries request attributes that influence scoring.
type Context struct {
	UserID       string
	Keywords     []keywords.Keyword
	IncidentType string
	UrgencyLevel string
	UserTeam     string
}

// Features holds every sub-feature and group score, each in [0,1].
type Features struct {
	TitleLength        float64 `json:"title_length"`
	SnippetLength      float64 `json:"snippet_length"`
	KeywordDensity     float64 `json:"keyword_density"`
	TechnicalTermCount float64 `json:"technical_term_count"`
	ErrorTermCount     float64 `json:"error_term_count"`

	SystemPopularity   float64 `json:"system_popularity"`
	HistoricalLinkRate float64 `json:"historical_link_rate"`
	AvgUserRating      float64 `json:"avg_user_rating"`
	Recency            float64 `json:"recency"`
	AuthorCredibility  float64 `json:"author_credibility"`

	KeywordMatch       float64 `json:"keyword_match"`
	SemanticSimilarity float64 `json:"semantic_similarity"`
	IncidentTypeMatch  float64 `json:"incident_type_match"`
	UrgencyAlignment   float64 `json:"urgency_alignment"`

	UserExpertise  float64 `json:"user_expertise"`
	UserPreference float64 `json:"user_preference"`
	TeamPreference float64 `json:"team_preference"`

	SystemReliability    float64 `json:"system_reliability"`
	SystemResponseTime   float64 `json:"system_response_time"`
	SystemContentQuality float64 `json:"system_content_quality"`

	Content    float64 `json:"content"`
	Historical float64 `json:"historical"`
	Context    float64 `json:"context"`
	User       float64 `json:"user"`
	System     float64 `json:"system"`
}

// Suggestion is a candidate annotated with its scores. Score is the final
// ordering score after personalization; it equals MLScore until then.
type Suggestion struct {
	source.Candidate
	Features          Features `json:"features"`
	MLScore           float64  `json:"ml_score"`
	PersonalizedScore float64  `json:"personalized_score"`
	Score             float64  `json:"score"`
}

// Engine computes ml_score for candidates.
type Engine struct {
	weights Weights
	history History
	window  time.Duration
	clock   Clock
}

// NewEngine creates an Engine. history may be nil, in which case every
// history-backed feature takes its neutral value. window bounds the
// aggregates read from history.
func NewEngine(w Weights, history History, window time.Duration) *Engine {
	return NewEngineWithClock(w, history, window, realClock{})
}

// NewEngineWithClock creates an Engine with a custom clock (for testing).
func NewEngineWithClock(w Weights, history History, window time.Duration, clock Clock) *Engine {
	if window <= 0 {
		window = 90 * 24 * time.Hour
	}
	return &Engine{weights: w, history: history, window: window, clock: clock}
}

// Weights returns the weights in use.
func (e *Engine) Weights() Weights { return e.weights }

// Rank scores every candidate and returns them sorted by ml_score descending.
func (e *Engine) Rank(ctx context.Context, candidates []source.Candidate, rc Context) []Suggestion {
	now := e.clock.Now()
	lookups := newHistoryCache(e.history, now.Add(-e.window))

	out := make([]Suggestion, len(candidates))
	for i, c := range candidates {
		f := e.features(ctx, c, rc, now, lookups)
		ml := e.mlScore(f)
		out[i] = Suggestion{Candidate: c, Features: f, MLScore: ml, PersonalizedScore: ml, Score: ml}
	}
	sortByMLScore(out)
	return out
}

// Rescore recomputes the user group of already ranked suggestions for the
// requester in rc and re-sorts them. Every other group keeps its score, so a
// list ranked without a user can be shared and adjusted per request. The
// input is not modified.
func (e *Engine) Rescore(ctx context.Context, ranked []Suggestion, rc Context) []Suggestion {
	out := make([]Suggestion, len(ranked))
	copy(out, ranked)
	if rc.UserID == "" && rc.UserTeam == "" {
		return out
	}

	lookups := newHistoryCache(e.history, e.clock.Now().Add(-e.window))
	for i := range out {
		e.userGroup(ctx, &out[i].Features, rc, out[i].System.String(), lookups)
		ml := e.mlScore(out[i].Features)
		out[i].MLScore, out[i].PersonalizedScore, out[i].Score = ml, ml, ml
	}
	sortByMLScore(out)
	return out
}

func (e *Engine) mlScore(f Features) float64 {
	return clamp01(e.weights.Top.Content*f.Content +
		e.weights.Top.Historical*f.Historical +
		e.weights.Top.Context*f.Context +
		e.weights.Top.User*f.User +
		e.weights.Top.System*f.System)
}

func sortByMLScore(out []Suggestion) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MLScore != out[j].MLScore {
			return out[i].MLScore > out[j].MLScore
		}
		return out[i].RawScore > out[j].RawScore
	})
}

// userGroup fills the user sub-features and the user group score.
func (e *Engine) userGroup(ctx context.Context, f *Features, rc Context, sys string, h *historyCache) {
	w := e.weights
	f.UserExpertise, f.UserPreference = neutral, neutral
	if us := h.user(ctx, rc.UserID, sys); us != nil && us.Interactions > 0 {
		f.UserExpertise = clamp01(float64(us.Links) / 10)
		f.UserPreference = float64(us.Links) / float64(us.Interactions)
	}
	f.TeamPreference = neutral
	if ts := h.team(ctx, rc.UserTeam, sys); ts != nil && ts.Interactions > 0 {
		f.TeamPreference = float64(ts.Links) / float64(ts.Interactions)
	}
	f.User = clamp01(w.User.Expertise*f.UserExpertise +
		w.User.Preference*f.UserPreference +
		w.User.TeamPreference*f.TeamPreference)
}

func (e *Engine) features(ctx context.Context, c source.Candidate, rc Context, now time.Time, h *historyCache) Features {
	w := e.weights
	var f Features

	title := strings.ToLower(c.Title)
	text := title + " " + strings.ToLower(c.Snippet)
	tech, errs := keywords.CountTerms(text)

	f.TitleLength = w.calibrate("title_length", float64(len([]rune(c.Title))))
	f.SnippetLength = w.calibrate("snippet_length", float64(len([]rune(c.Snippet))))
	f.KeywordDensity = keywordDensity(text, rc.Keywords)
	f.TechnicalTermCount = w.calibrate("technical_terms", float64(tech))
	f.ErrorTermCount = w.calibrate("error_terms", float64(errs))

	sys := c.System.String()
	f.SystemPopularity = h.systemPopularity(ctx, sys)
	sug := h.suggestion(ctx, sys, c.ExternalID)
	f.HistoricalLinkRate = defaultHistoricalLinkRate
	if sug != nil && sug.Interactions > 0 {
		f.HistoricalLinkRate = float64(sug.Links) / float64(sug.Interactions)
	}
	f.AvgUserRating = neutral
	if sug != nil && sug.RatingCount > 0 {
		f.AvgUserRating = clamp01(float64(sug.RatingSum) / float64(sug.RatingCount) / 5)
	}
	f.Recency = recency(c.CreatedAt, now)
	f.AuthorCredibility = neutral
	if sug != nil && sug.Incidents > 0 {
		f.AuthorCredibility = clamp01(neutral + 0.05*float64(sug.Incidents))
	}

	f.KeywordMatch = keywordMatch(title, text, rc.Keywords)
	f.SemanticSimilarity = clamp01(c.RawScore)
	f.IncidentTypeMatch = lexiconFraction(incidentTypeTerms, rc.IncidentType, text)
	f.UrgencyAlignment = lexiconFraction(urgencyTerms, rc.UrgencyLevel, text)

	e.userGroup(ctx, &f, rc, sys, h)

	sp := profileFor(c.System)
	f.SystemReliability = sp.reliability
	f.SystemResponseTime = sp.responseTime
	f.SystemContentQuality = sp.contentQuality

	f.Content = clamp01(w.Content.TitleLength*f.TitleLength +
		w.Content.SnippetLength*f.SnippetLength +
		w.Content.KeywordDensity*f.KeywordDensity +
		w.Content.TechnicalTerms*f.TechnicalTermCount +
		w.Content.ErrorTerms*f.ErrorTermCount)
	f.Historical = clamp01(w.Historical.SystemPopularity*f.SystemPopularity +
		w.Historical.HistoricalLinkRate*f.HistoricalLinkRate +
		w.Historical.AvgUserRating*f.AvgUserRating +
		w.Historical.Recency*f.Recency +
		w.Historical.AuthorCredibility*f.AuthorCredibility)
	f.Context = clamp01(w.Context.KeywordMatch*f.KeywordMatch +
		w.Context.SemanticSimilarity*f.SemanticSimilarity +
		w.Context.IncidentTypeMatch*f.IncidentTypeMatch +
		w.Context.UrgencyAlignment*f.UrgencyAlignment)
	f.System = clamp01(w.System.Reliability*f.SystemReliability +
		w.System.ResponseTime*f.SystemResponseTime +
		w.System.ContentQuality*f.SystemContentQuality)
	return f
}

// recency decays exponentially with age; a missing date is neutral.
func recency(created, now time.Time) float64 {
	if created.IsZero() {
		return neutral
	}
	days := now.Sub(created).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / recencyHalfLifeDays)
}

// keywordMatch awards 0.5 per keyword found as a substring, 0.3 more at a
// word boundary and 0.2 more when it appears in the title, averaged over
// keywords.
func keywordMatch(lowerTitle, lowerText string, kws []keywords.Keyword) float64 {
	if len(kws) == 0 {
		return 0
	}
	var sum float64
	for _, kw := range kws {
		w := strings.ToLower(kw.Word)
		if w == "" || !strings.Contains(lowerText, w) {
			continue
		}
		sum += 0.5
		if wordBoundary(w).MatchString(lowerText) {
			sum += 0.3
		}
		if strings.Contains(lowerTitle, w) {
			sum += 0.2
		}
	}
	return clamp01(sum / float64(len(kws)))
}

func wordBoundary(w string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
}

// keywordDensity is the share of tokens in text that equal a keyword.
func keywordDensity(lowerText string, kws []keywords.Keyword) float64 {
	tokens := strings.FieldsFunc(lowerText, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 || len(kws) == 0 {
		return 0
	}
	set := make(map[string]bool, len(kws))
	for _, kw := range kws {
		set[strings.ToLower(kw.Word)] = true
	}
	var hits int
	for _, t := range tokens {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
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

// historyCache memoizes aggregates for one Rank call. Lookup errors are
// logged once and treated as missing data.
type historyCache struct {
	h       History
	since   time.Time
	systems map[string]*storage.SystemStats
	users   map[string]*storage.ActorStats
	teams   map[string]*storage.ActorStats
}

func newHistoryCache(h History, since time.Time) *historyCache {
	return &historyCache{
		h:       h,
		since:   since,
		systems: make(map[string]*storage.SystemStats),
		users:   make(map[string]*storage.ActorStats),
		teams:   make(map[string]*storage.ActorStats),
	}
}

func (c *historyCache) systemPopularity(ctx context.Context, sys string) float64 {
	st, ok := c.systems[sys]
	if !ok {
		if c.h != nil {
			v, err := c.h.SystemStats(ctx, sys, c.since)
			if err != nil {
				slog.Warn("ranking: system history unavailable", "system", sys, "error", err)
			} else {
				st = &v
			}
		}
		c.systems[sys] = st
	}
	if st == nil || st.Interactions == 0 {
		return neutral
	}
	return clamp01(math.Log1p(float64(st.Interactions)) / math.Log1p(100))
}

func (c *historyCache) suggestion(ctx context.Context, sys, externalID string) *storage.SuggestionStats {
	if c.h == nil {
		return nil
	}
	v, err := c.h.SuggestionStats(ctx, sys, externalID, c.since)
	if err != nil {
		slog.Debug("ranking: suggestion history unavailable", "system", sys, "id", externalID, "error", err)
		return nil
	}
	return &v
}

func (c *historyCache) user(ctx context.Context, userID, sys string) *storage.ActorStats {
	if c.h == nil || userID == "" || userID == "anonymous" {
		return nil
	}
	return c.actor(ctx, c.users, userID, sys, c.h.UserSystemStats)
}

func (c *historyCache) team(ctx context.Context, team, sys string) *storage.ActorStats {
	if c.h == nil || team == "" {
		return nil
	}
	return c.actor(ctx, c.teams, team, sys, c.h.TeamSystemStats)
}

func (c *historyCache) actor(ctx context.Context, memo map[string]*storage.ActorStats, actor, sys string,
	fetch func(context.Context, string, string, time.Time) (storage.ActorStats, error)) *storage.ActorStats {
	key := actor + "\x00" + sys
	if st, ok := memo[key]; ok {
		return st
	}
	var st *storage.ActorStats
	v, err := fetch(ctx, actor, sys, c.since)
	if err != nil {
		slog.Warn("ranking: actor history unavailable", "actor", actor, "system", sys, "error", err)
	} else {
		st = &v
	}
	memo[key] = st
	return st
}
