// Package api exposes the suggestion engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/resolv/internal/cache"
	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/profile"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
	"github.com/kalambet/resolv/internal/suggest"
)

// Suggester runs the suggestion pipeline. Implemented by suggest.Service.
type Suggester interface {
	Suggest(ctx context.Context, req suggest.Request) (suggest.Response, error)
}

// Profiles records feedback and exposes learned profiles. Implemented by
// profile.Manager.
type Profiles interface {
	Get(ctx context.Context, userID string) (profile.Profile, error)
	Learn(ctx context.Context, ev profile.Event) (profile.Profile, error)
}

// CacheAdmin inspects and prunes the suggestion cache. Implemented by cache.Cache.
type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Sweep(ctx context.Context) (int, error)
}

// Documents is the knowledge base write side. Implemented by ingest.Service.
type Documents interface {
	Submit(ctx context.Context, d storage.Document) (string, error)
	List(ctx context.Context, system string, limit int) ([]storage.Document, error)
	Remove(ctx context.Context, id string) error
}

// Deps holds what the HTTP handlers need.
type Deps struct {
	Suggester  Suggester
	Profiles   Profiles
	Cache      CacheAdmin
	Documents  Documents
	HTTPClient *http.Client
	Token      string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/suggestions", handleSuggest(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Get("/profiles/{userID}", handleGetProfile(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/cache/sweep", handleCacheSweep(deps))
		r.Post("/documents", handleAddDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSuggest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req suggest.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Suggester.Suggest(r.Context(), req)
		if errors.Is(err, suggest.ErrInvalidRequest) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "suggestion failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// FeedbackRequest is a user's reaction to one suggestion.
type FeedbackRequest struct {
	UserID       string   `json:"user_id"`
	Team         string   `json:"team,omitempty"`
	IncidentID   string   `json:"incident_id,omitempty"`
	IncidentText string   `json:"incident_text,omitempty"`
	System       string   `json:"system"`
	ExternalID   string   `json:"external_id"`
	Title        string   `json:"title,omitempty"`
	Action       string   `json:"action"`
	Rating       int      `json:"rating,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// Event converts the request for profile.Manager.Learn. Without explicit
// keywords they are extracted from the incident text.
func (f FeedbackRequest) Event() (profile.Event, error) {
	sys, err := source.ParseSystem(f.System)
	if err != nil {
		return profile.Event{}, err
	}
	if strings.TrimSpace(f.ExternalID) == "" {
		return profile.Event{}, errors.New("external_id is required")
	}

	var kws []keywords.Keyword
	for _, w := range f.Keywords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			kws = append(kws, keywords.Keyword{Word: w, Weight: 1, Type: keywords.TypeNoun})
		}
	}
	if len(kws) == 0 && f.IncidentText != "" {
		kws = keywords.Extract(f.IncidentText, keywords.DefaultMax)
	}

	return profile.Event{
		UserID:     f.UserID,
		Team:       f.Team,
		IncidentID: f.IncidentID,
		System:     sys,
		ExternalID: f.ExternalID,
		Title:      f.Title,
		Action:     strings.ToLower(f.Action),
		Rating:     f.Rating,
		Keywords:   kws,
	}, nil
}

// learn records the event. Anonymous feedback is stored as history only and
// reported as not learned.
func learn(ctx context.Context, profiles Profiles, ev profile.Event) (learned bool, p profile.Profile, err error) {
	p, err = profiles.Learn(ctx, ev)
	if errors.Is(err, profile.ErrAnonymous) {
		return false, profile.Profile{}, nil
	}
	if err != nil {
		return false, profile.Profile{}, err
	}
	return true, p, nil
}

func isFeedbackValidation(err error) bool {
	return errors.Is(err, profile.ErrInvalidAction) || errors.Is(err, profile.ErrInvalidRating)
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ev, err := req.Event()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		learned, p, err := learn(r.Context(), deps.Profiles, ev)
		if isFeedbackValidation(err) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record feedback: %v", err)
			return
		}

		resp := map[string]any{"status": "recorded", "profile_updated": learned}
		if learned {
			resp["confidence_score"] = p.Confidence
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profiles.Get(r.Context(), chi.URLParam(r, "userID"))
		if errors.Is(err, profile.ErrAnonymous) {
			httpError(w, http.StatusNotFound, "not_found", "anonymous users have no profile")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Cache.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read cache stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCacheSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Cache.Sweep(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cache sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}
