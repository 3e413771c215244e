package profile

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/ranking"
)

// Personalize scores each suggestion against the user's profile and reorders
// by the confidence-weighted blend of ml_score and personalized_score.
// Anonymous users, and users whose profile cannot be loaded, get the input
// order with personalized_score equal to ml_score.
func (m *Manager) Personalize(ctx context.Context, userID string, ranked []ranking.Suggestion, kws []keywords.Keyword) []ranking.Suggestion {
	out := make([]ranking.Suggestion, len(ranked))
	copy(out, ranked)

	neutral := func() []ranking.Suggestion {
		for i := range out {
			out[i].PersonalizedScore = out[i].MLScore
			out[i].Score = out[i].MLScore
		}
		return out
	}
	if IsAnonymous(userID) || len(out) == 0 {
		return neutral()
	}

	p, err := m.Get(ctx, userID)
	if err != nil {
		slog.Warn("profile unavailable, skipping personalization", "user", userID, "error", err)
		return neutral()
	}

	c := p.Confidence
	for i := range out {
		ps := Score(p, out[i], kws)
		out[i].PersonalizedScore = ps
		out[i].Score = clamp01(out[i].MLScore*(1-c) + ps*c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Score computes personalized_score for one suggestion.
func Score(p Profile, s ranking.Suggestion, kws []keywords.Keyword) float64 {
	sys := s.System.String()
	query := make([]string, 0, len(kws))
	for _, kw := range kws {
		query = append(query, strings.ToLower(kw.Word))
	}

	return clamp01(0.3*p.SystemExpertise[sys] +
		0.4*topicAlignment(p, query) +
		contentBonus(p, s, query) +
		0.2*bestPatternSimilarity(p, sys, query))
}

// topicAlignment is the mean topic interest over the query keywords.
func topicAlignment(p Profile, query []string) float64 {
	if len(query) == 0 {
		return 0
	}
	var sum float64
	for _, w := range query {
		sum += p.TopicInterests[w]
	}
	return sum / float64(len(query))
}

// contentBonus rewards suggestions whose text covers the query, scaled by how
// much the profile is trusted. It never exceeds 0.2.
func contentBonus(p Profile, s ranking.Suggestion, query []string) float64 {
	if len(query) == 0 {
		return 0
	}
	text := strings.ToLower(s.Title + " " + s.Snippet)
	var hits int
	for _, w := range query {
		if w != "" && strings.Contains(text, w) {
			hits++
		}
	}
	return 0.2 * float64(hits) / float64(len(query)) * p.Confidence
}

// bestPatternSimilarity is the highest Jaccard similarity between the query
// and a successful pattern from the same system.
func bestPatternSimilarity(p Profile, sys string, query []string) float64 {
	var best float64
	for _, pat := range p.SuccessfulPatterns {
		if pat.System != sys {
			continue
		}
		if j := jaccard(pat.Keywords, query); j > best {
			best = j
		}
	}
	return best
}

func jaccard(a, b []string) float64 {
	set := make(map[string]uint8, len(a)+len(b))
	for _, w := range a {
		set[strings.ToLower(w)] |= 1
	}
	for _, w := range b {
		set[strings.ToLower(w)] |= 2
	}
	if len(set) == 0 {
		return 0
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}
