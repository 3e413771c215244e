// Package suggest runs the incident-to-solution pipeline: keyword extraction,
// cache lookup, retrieval, aggregation, ranking and personalization.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/resolv/internal/cache"
	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/ranking"
	"github.com/kalambet/resolv/internal/retrieval"
	"github.com/kalambet/resolv/internal/source"
)

// NoSystemsMessage is returned with an empty result when no systems are connected.
const NoSystemsMessage = "No systems connected. Connect at least one knowledge system to get suggestions."

// ErrInvalidRequest is returned for requests the pipeline cannot run.
var ErrInvalidRequest = errors.New("invalid suggestion request")

// Defaults applied by New.
const (
	DefaultMaxResults     = 10
	DefaultLimitPerSource = 20
	maxCandidates         = 100
)

// Request is one suggestion query.
type Request struct {
	IncidentText     string   `json:"incident_text"`
	IncidentID       string   `json:"incident_id,omitempty"`
	ConnectedSystems []string `json:"connected_systems"`
	UserID           string   `json:"user_id,omitempty"`
	Team             string   `json:"team,omitempty"`
	IncidentType     string   `json:"incident_type,omitempty"`
	Urgency          string   `json:"urgency,omitempty"`
	MaxResults       int      `json:"max_results,omitempty"`
}

// Suggestion is the public shape of one ranked result.
type Suggestion struct {
	System   string   `json:"system"`
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Snippet  string   `json:"snippet"`
	Link     string   `json:"link"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the scores behind a suggestion.
type Metadata struct {
	MLScore           float64          `json:"ml_score"`
	PersonalizedScore float64          `json:"personalized_score"`
	RawScore          float64          `json:"raw_score"`
	CreatedAt         *time.Time       `json:"created_at,omitempty"`
	Features          ranking.Features `json:"features"`
}

// Response is the result of Suggest.
type Response struct {
	Suggestions  []Suggestion       `json:"suggestions"`
	TotalFound   int                `json:"total_found"`
	SearchTimeMs int64              `json:"search_time_ms"`
	Cached       bool               `json:"cached"`
	Keywords     []keywords.Keyword `json:"keywords"`
	Message      string             `json:"message,omitempty"`
}

// Retriever fans a query out to sources. Implemented by retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, q source.Query, connected []source.System, limitPerSource int) ([]source.Candidate, []retrieval.Outcome)
}

// Ranker scores candidates. Implemented by ranking.Engine.
type Ranker interface {
	Rank(ctx context.Context, candidates []source.Candidate, rc ranking.Context) []ranking.Suggestion
	Rescore(ctx context.Context, ranked []ranking.Suggestion, rc ranking.Context) []ranking.Suggestion
}

// Personalizer reorders ranked suggestions for a user. Implemented by profile.Manager.
type Personalizer interface {
	Personalize(ctx context.Context, userID string, ranked []ranking.Suggestion, kws []keywords.Keyword) []ranking.Suggestion
}

// Cache stores ranked lists. Implemented by cache.Cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key, incidentID string, payload []byte, ttl time.Duration, computeMs int64) error
}

// Options tunes a Service.
type Options struct {
	MaxKeywords    int
	MaxResults     int
	LimitPerSource int
	CacheTTL       time.Duration
}

// Service orchestrates one suggestion request end to end.
type Service struct {
	retriever    Retriever
	ranker       Ranker
	personalizer Personalizer
	cache        Cache
	opts         Options
}

// New creates a Service. personalizer and c may be nil.
func New(r Retriever, rk Ranker, personalizer Personalizer, c Cache, opts Options) *Service {
	if opts.MaxKeywords <= 0 {
		opts.MaxKeywords = keywords.DefaultMax
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.LimitPerSource <= 0 {
		opts.LimitPerSource = DefaultLimitPerSource
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	return &Service{retriever: r, ranker: rk, personalizer: personalizer, cache: c, opts: opts}
}

// cachedResult is what the cache holds: the ranked list before
// personalization, so one entry serves every user.
type cachedResult struct {
	Ranked     []ranking.Suggestion `json:"ranked"`
	TotalFound int                  `json:"total_found"`
}

// Suggest runs the pipeline. Source, cache and profile failures degrade the
// result rather than failing the call.
func (s *Service) Suggest(ctx context.Context, req Request) (resp Response, err error) {
	start := time.Now()
	defer func() {
		resp.SearchTimeMs = time.Since(start).Milliseconds()
	}()

	if strings.TrimSpace(req.IncidentText) == "" {
		return Response{}, fmt.Errorf("%w: incident_text is required", ErrInvalidRequest)
	}
	systems, err := source.ParseSystems(req.ConnectedSystems)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(systems) == 0 {
		return Response{Suggestions: []Suggestion{}, Keywords: []keywords.Keyword{}, Message: NoSystemsMessage}, nil
	}

	kws := keywords.Extract(req.IncidentText, s.opts.MaxKeywords)
	key := cache.Key(kws, systems)
	if req.IncidentID != "" {
		key = cache.IncidentKey(req.IncidentID)
	}

	result, hit := s.lookup(ctx, key)
	if !hit {
		result = s.compute(ctx, req, kws, systems, key)
	}

	ranked := s.ranker.Rescore(ctx, result.Ranked, ranking.Context{UserID: req.UserID, UserTeam: req.Team})
	if s.personalizer != nil {
		ranked = s.personalizer.Personalize(ctx, req.UserID, ranked, kws)
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = s.opts.MaxResults
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	resp = Response{
		Suggestions: toPublic(ranked),
		TotalFound:  result.TotalFound,
		Cached:      hit,
		Keywords:    kws,
	}
	if resp.Keywords == nil {
		resp.Keywords = []keywords.Keyword{}
	}
	slog.Debug("suggest complete",
		"systems", len(systems),
		"keywords", len(kws),
		"total_found", result.TotalFound,
		"returned", len(ranked),
		"cached", hit,
	)
	return resp, nil
}

func (s *Service) lookup(ctx context.Context, key string) (cachedResult, bool) {
	if s.cache == nil {
		return cachedResult{}, false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return cachedResult{}, false
	}
	var r cachedResult
	if err := json.Unmarshal(raw, &r); err != nil {
		slog.Warn("suggest: cached result unreadable, recomputing", "key", key, "error", err)
		return cachedResult{}, false
	}
	return r, true
}

func (s *Service) compute(ctx context.Context, req Request, kws []keywords.Keyword, systems []source.System, key string) cachedResult {
	start := time.Now()

	q := source.Query{Text: req.IncidentText, Keywords: kws}
	candidates, outcomes := s.retriever.Retrieve(ctx, q, systems, s.opts.LimitPerSource)

	var answered int
	for _, o := range outcomes {
		if o.Err == nil {
			answered++
		}
	}

	unique, total := retrieval.Aggregate(candidates, maxCandidates)
	// Shared by every requester; the user group is scored per request.
	ranked := s.ranker.Rank(ctx, unique, ranking.Context{
		Keywords:     kws,
		IncidentType: req.IncidentType,
		UrgencyLevel: req.Urgency,
	})
	if ranked == nil {
		ranked = []ranking.Suggestion{}
	}
	result := cachedResult{Ranked: ranked, TotalFound: total}

	// A result with no answering source is not worth remembering.
	if s.cache != nil && answered > 0 {
		payload, err := json.Marshal(result)
		if err != nil {
			slog.Warn("suggest: encoding result for cache", "error", err)
		} else if err := s.cache.Put(ctx, key, req.IncidentID, payload, s.opts.CacheTTL, time.Since(start).Milliseconds()); err != nil {
			slog.Warn("suggest: caching result", "key", key, "error", err)
		}
	}
	return result
}

func toPublic(ranked []ranking.Suggestion) []Suggestion {
	out := make([]Suggestion, len(ranked))
	for i, r := range ranked {
		md := Metadata{
			MLScore:           r.MLScore,
			PersonalizedScore: r.PersonalizedScore,
			RawScore:          r.RawScore,
			Features:          r.Features,
		}
		if !r.CreatedAt.IsZero() {
			t := r.CreatedAt
			md.CreatedAt = &t
		}
		out[i] = Suggestion{
			System:   r.System.String(),
			ID:       r.ExternalID,
			Title:    r.Title,
			Snippet:  r.Snippet,
			Link:     r.URL,
			Score:    r.Score,
			Metadata: md,
		}
	}
	return out
}
