package ranking

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

type mockClock struct{ now time.Time }

func (c mockClock) Now() time.Time { return c.now }

type fakeHistory struct {
	system     storage.SystemStats
	suggestion storage.SuggestionStats
	user       storage.ActorStats
	team       storage.ActorStats
	err        error
	systemHits int
}

func (f *fakeHistory) SystemStats(ctx context.Context, system string, since time.Time) (storage.SystemStats, error) {
	f.systemHits++
	return f.system, f.err
}

func (f *fakeHistory) SuggestionStats(ctx context.Context, system, externalID string, since time.Time) (storage.SuggestionStats, error) {
	return f.suggestion, f.err
}

func (f *fakeHistory) UserSystemStats(ctx context.Context, userID, system string, since time.Time) (storage.ActorStats, error) {
	return f.user, f.err
}

func (f *fakeHistory) TeamSystemStats(ctx context.Context, team, system string, since time.Time) (storage.ActorStats, error) {
	return f.team, f.err
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func candidates() []source.Candidate {
	return []source.Candidate{
		{System: source.Confluence, ExternalID: "c1", Title: "Restart nginx after TLS certificate rotation",
			Snippet: "When nginx returns 502 errors after a certificate renewal, reload the proxy.", RawScore: 0.82,
			CreatedAt: testNow.Add(-10 * 24 * time.Hour)},
		{System: source.Jira, ExternalID: "OPS-1", Title: "Printer jam", Snippet: "Paper stuck.", RawScore: 0.4},
		{System: source.GitHub, ExternalID: "42", Title: "VPN timeout on login", Snippet: "", RawScore: 0.9,
			CreatedAt: testNow.Add(-400 * 24 * time.Hour)},
	}
}

func TestDefaultWeights_Valid(t *testing.T) {
	w := DefaultWeights()
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if w.Version != "2024.1" {
		t.Errorf("version = %q", w.Version)
	}
	if w.Top.Historical != 0.30 || w.Context.KeywordMatch != 0.40 || w.User.Preference != 0.40 {
		t.Errorf("unexpected weights: %+v", w)
	}
}

func TestParseWeights_RejectsBadSum(t *testing.T) {
	w := DefaultWeights()
	w.Top.Content = 0.5
	if err := w.Validate(); !errors.Is(err, ErrInvalidWeights) {
		t.Errorf("err = %v, want ErrInvalidWeights", err)
	}

	_, err := ParseWeights([]byte("version: x\ntop: {content: 1}\n"))
	if !errors.Is(err, ErrInvalidWeights) {
		t.Errorf("err = %v, want ErrInvalidWeights", err)
	}
}

func TestParseWeights_RejectsNegative(t *testing.T) {
	w := DefaultWeights()
	w.System.Reliability = -0.1
	w.System.ResponseTime = 0.8
	if err := w.Validate(); !errors.Is(err, ErrInvalidWeights) {
		t.Errorf("err = %v, want ErrInvalidWeights", err)
	}
}

func TestLoadWeights(t *testing.T) {
	w, err := LoadWeights("")
	if err != nil || w.Version != "2024.1" {
		t.Fatalf("LoadWeights(\"\") = %+v, %v", w, err)
	}

	path := filepath.Join(t.TempDir(), "weights.yaml")
	if err := os.WriteFile(path, defaultWeightsYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWeights(path); err != nil {
		t.Errorf("LoadWeights(file): %v", err)
	}
	if _, err := LoadWeights(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCalibrate(t *testing.T) {
	w := DefaultWeights()
	if got := w.calibrate("title_length", 65); !approx(got, 0.5) {
		t.Errorf("title_length(65) = %v, want 0.5", got)
	}
	if got := w.calibrate("title_length", 5); got != 0 {
		t.Errorf("title_length(5) = %v, want 0", got)
	}
	if got := w.calibrate("unlisted", 42); !approx(got, 0.42) {
		t.Errorf("unlisted(42) = %v, want 0.42", got)
	}
	if got := w.calibrate("unlisted", 420); got != 1 {
		t.Errorf("unlisted(420) = %v, want 1", got)
	}
}

func TestRank_NeutralDefaultsWithoutHistory(t *testing.T) {
	e := NewEngineWithClock(DefaultWeights(), nil, 0, mockClock{testNow})
	got := e.Rank(context.Background(), candidates(), Context{UserID: "alice", UserTeam: "sre"})

	for _, s := range got {
		f := s.Features
		if f.SystemPopularity != 0.5 || f.HistoricalLinkRate != 0.3 || f.AvgUserRating != 0.5 || f.AuthorCredibility != 0.5 {
			t.Errorf("%s historical features = %+v", s.ExternalID, f)
		}
		if f.UserExpertise != 0.5 || f.UserPreference != 0.5 || f.TeamPreference != 0.5 {
			t.Errorf("%s user features = %+v", s.ExternalID, f)
		}
	}
}

func TestRank_FailingHistoryIsNeutral(t *testing.T) {
	h := &fakeHistory{err: errors.New("db locked")}
	e := NewEngineWithClock(DefaultWeights(), h, 0, mockClock{testNow})
	got := e.Rank(context.Background(), candidates(), Context{UserID: "alice", UserTeam: "sre"})
	if len(got) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(got))
	}
	for _, s := range got {
		if s.Features.SystemPopularity != 0.5 || s.Features.UserPreference != 0.5 {
			t.Errorf("%s features = %+v", s.ExternalID, s.Features)
		}
	}
}

func TestRank_HistoryFeatures(t *testing.T) {
	h := &fakeHistory{
		system:     storage.SystemStats{Interactions: 100},
		suggestion: storage.SuggestionStats{Interactions: 4, Links: 3, Incidents: 4, RatingSum: 8, RatingCount: 2},
		user:       storage.ActorStats{Interactions: 25, Links: 20},
		team:       storage.ActorStats{Interactions: 4, Links: 1},
	}
	e := NewEngineWithClock(DefaultWeights(), h, 0, mockClock{testNow})
	got := e.Rank(context.Background(), candidates()[:1], Context{UserID: "alice", UserTeam: "sre"})
	f := got[0].Features

	checks := []struct {
		name      string
		got, want float64
	}{
		{"system_popularity", f.SystemPopularity, 1},
		{"historical_link_rate", f.HistoricalLinkRate, 0.75},
		{"avg_user_rating", f.AvgUserRating, 0.8},
		{"author_credibility", f.AuthorCredibility, 0.7},
		{"user_expertise", f.UserExpertise, 1},
		{"user_preference", f.UserPreference, 0.8},
		{"team_preference", f.TeamPreference, 0.25},
	}
	for _, c := range checks {
		if !approx(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRescore_MatchesRankWithUser(t *testing.T) {
	h := &fakeHistory{
		user: storage.ActorStats{Interactions: 10, Links: 9},
		team: storage.ActorStats{Interactions: 10, Links: 2},
	}
	e := NewEngineWithClock(DefaultWeights(), h, 0, mockClock{testNow})
	ctx := context.Background()
	kws := keywords.Extract("vpn timeout on login", 10)
	rc := Context{UserID: "alice", UserTeam: "sre", Keywords: kws}

	shared := e.Rank(ctx, candidates(), Context{Keywords: kws})
	sharedML := shared[0].MLScore
	got := e.Rescore(ctx, shared, rc)
	want := e.Rank(ctx, candidates(), rc)

	if len(got) != len(want) {
		t.Fatalf("got %d suggestions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ExternalID != want[i].ExternalID {
			t.Errorf("position %d = %s, want %s", i, got[i].ExternalID, want[i].ExternalID)
		}
		if !approx(got[i].MLScore, want[i].MLScore) || !approx(got[i].Features.User, want[i].Features.User) {
			t.Errorf("%s ml_score = %v user = %v, want %v / %v", got[i].ExternalID,
				got[i].MLScore, got[i].Features.User, want[i].MLScore, want[i].Features.User)
		}
	}
	if shared[0].MLScore != sharedML || shared[0].Features.UserPreference != 0.5 {
		t.Error("Rescore modified its input")
	}
}

func TestRescore_NoRequesterKeepsScores(t *testing.T) {
	e := NewEngineWithClock(DefaultWeights(), &fakeHistory{}, 0, mockClock{testNow})
	ranked := e.Rank(context.Background(), candidates(), Context{})
	got := e.Rescore(context.Background(), ranked, Context{})
	for i := range ranked {
		if got[i].ExternalID != ranked[i].ExternalID || got[i].MLScore != ranked[i].MLScore {
			t.Errorf("position %d changed: %+v", i, got[i])
		}
	}
}

func TestRank_SystemStatsMemoized(t *testing.T) {
	h := &fakeHistory{system: storage.SystemStats{Interactions: 5}}
	e := NewEngineWithClock(DefaultWeights(), h, 0, mockClock{testNow})
	cands := []source.Candidate{
		{System: source.Jira, ExternalID: "a"},
		{System: source.Jira, ExternalID: "b"},
		{System: source.Jira, ExternalID: "c"},
	}
	e.Rank(context.Background(), cands, Context{})
	if h.systemHits != 1 {
		t.Errorf("SystemStats called %d times, want 1", h.systemHits)
	}
}

func TestRank_AnonymousSkipsUserHistory(t *testing.T) {
	h := &fakeHistory{user: storage.ActorStats{Interactions: 10, Links: 10}}
	e := NewEngineWithClock(DefaultWeights(), h, 0, mockClock{testNow})
	got := e.Rank(context.Background(), candidates()[:1], Context{UserID: "anonymous"})
	if got[0].Features.UserPreference != 0.5 {
		t.Errorf("user_preference = %v, want 0.5", got[0].Features.UserPreference)
	}
}

func TestRank_ScoreReproducesWeights(t *testing.T) {
	w := DefaultWeights()
	e := NewEngineWithClock(w, nil, 0, mockClock{testNow})
	kws := keywords.Extract("nginx 502 errors after TLS certificate renewal", 10)
	got := e.Rank(context.Background(), candidates(), Context{Keywords: kws, IncidentType: "network", UrgencyLevel: "high"})

	for _, s := range got {
		f := s.Features
		content := w.Content.TitleLength*f.TitleLength + w.Content.SnippetLength*f.SnippetLength +
			w.Content.KeywordDensity*f.KeywordDensity + w.Content.TechnicalTerms*f.TechnicalTermCount +
			w.Content.ErrorTerms*f.ErrorTermCount
		if !approx(content, f.Content) {
			t.Errorf("%s content = %v, want %v", s.ExternalID, f.Content, content)
		}
		system := w.System.Reliability*f.SystemReliability + w.System.ResponseTime*f.SystemResponseTime +
			w.System.ContentQuality*f.SystemContentQuality
		if !approx(system, f.System) {
			t.Errorf("%s system = %v, want %v", s.ExternalID, f.System, system)
		}
		ml := w.Top.Content*f.Content + w.Top.Historical*f.Historical + w.Top.Context*f.Context +
			w.Top.User*f.User + w.Top.System*f.System
		if !approx(ml, s.MLScore) {
			t.Errorf("%s ml_score = %v, want %v", s.ExternalID, s.MLScore, ml)
		}
		if s.Score != s.MLScore || s.PersonalizedScore != s.MLScore {
			t.Errorf("%s score fields differ before personalization: %+v", s.ExternalID, s)
		}
	}
}

func TestRank_BoundsAndOrder(t *testing.T) {
	e := NewEngineWithClock(DefaultWeights(), nil, 0, mockClock{testNow})
	kws := keywords.Extract("VPN timeout on login", 10)
	cands := append(candidates(), source.Candidate{System: source.System(99), ExternalID: "x", RawScore: 5})
	got := e.Rank(context.Background(), cands, Context{Keywords: kws})

	for i, s := range got {
		if s.MLScore < 0 || s.MLScore > 1 {
			t.Errorf("%s ml_score %v out of [0,1]", s.ExternalID, s.MLScore)
		}
		if i > 0 && got[i-1].MLScore < s.MLScore {
			t.Errorf("not sorted at %d: %v < %v", i, got[i-1].MLScore, s.MLScore)
		}
	}
}

func TestRecency(t *testing.T) {
	if got := recency(time.Time{}, testNow); got != 0.5 {
		t.Errorf("missing date = %v, want 0.5", got)
	}
	if got := recency(testNow.Add(-30*24*time.Hour), testNow); !approx(got, math.Exp(-1)) {
		t.Errorf("30 days = %v, want e^-1", got)
	}
	if got := recency(testNow.Add(time.Hour), testNow); got != 1 {
		t.Errorf("future date = %v, want 1", got)
	}
}

func TestKeywordMatch(t *testing.T) {
	kw := func(words ...string) []keywords.Keyword {
		out := make([]keywords.Keyword, len(words))
		for i, w := range words {
			out[i] = keywords.Keyword{Word: w, Weight: 1}
		}
		return out
	}

	tests := []struct {
		name         string
		title, text  string
		kws          []keywords.Keyword
		want         float64
	}{
		{"title and boundary", "vpn timeout", "vpn timeout", kw("vpn"), 1.0},
		{"half found", "vpn timeout", "vpn timeout", kw("vpn", "dns"), 0.5},
		{"substring only", "guide", "guide connection timeout", kw("time"), 0.5},
		{"boundary in body", "guide", "guide reset the vpn", kw("vpn"), 0.8},
		{"none", "guide", "guide", kw("vpn"), 0},
		{"no keywords", "guide", "guide", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := keywordMatch(tt.title, tt.text, tt.kws); !approx(got, tt.want) {
				t.Errorf("keywordMatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordDensity(t *testing.T) {
	kws := []keywords.Keyword{{Word: "vpn"}, {Word: "timeout"}}
	if got := keywordDensity("vpn timeout on login", kws); !approx(got, 0.5) {
		t.Errorf("density = %v, want 0.5", got)
	}
	if got := keywordDensity("", kws); got != 0 {
		t.Errorf("empty density = %v, want 0", got)
	}
}

func TestLexiconFraction(t *testing.T) {
	if got := lexiconFraction(incidentTypeTerms, "unknown", "vpn"); got != 0.5 {
		t.Errorf("unknown category = %v, want 0.5", got)
	}
	if got := lexiconFraction(incidentTypeTerms, "Network", "vpn and dns broken"); !approx(got, 0.2) {
		t.Errorf("network = %v, want 0.2", got)
	}
	if got := lexiconFraction(urgencyTerms, "low", "nothing relevant"); got != 0 {
		t.Errorf("low = %v, want 0", got)
	}
}

func TestClamp01(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0.3: 0.3, 2: 1} {
		if got := clamp01(in); got != want {
			t.Errorf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
	if got := clamp01(math.NaN()); got != 0 {
		t.Errorf("clamp01(NaN) = %v, want 0", got)
	}
}
