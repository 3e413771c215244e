package profile

import (
	"time"
)

// Profile is what the engine has learned about one user from feedback.
type Profile struct {
	UserID             string             `json:"user_id"`
	ExpertiseLevel     string             `json:"expertise_level"`
	PreferredSystems   []string           `json:"preferred_systems"`
	SystemExpertise    map[string]float64 `json:"system_expertise"`
	TopicInterests     map[string]float64 `json:"topic_interests"`
	Patterns           InteractionStats   `json:"interaction_patterns"`
	Confidence         float64            `json:"confidence_score"`
	SuccessfulPatterns []Pattern          `json:"successful_patterns"`
	FeedbackScores     []int              `json:"feedback_scores"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// InteractionStats counts the user's reactions to suggestions.
type InteractionStats struct {
	LinkRate   float64 `json:"link_rate"` // EMA of linked events, in [0,1]
	Events     int     `json:"events"`
	Links      int     `json:"links"`
	Views      int     `json:"views"`
	Dismissals int     `json:"dismissals"`
}

// Pattern remembers the incident keywords behind a suggestion the user linked.
type Pattern struct {
	System     string    `json:"system"`
	ExternalID string    `json:"external_id"`
	Keywords   []string  `json:"keywords"`
	LinkedAt   time.Time `json:"linked_at"`
}

// Expertise levels, derived from the number of recorded events.
const (
	LevelNovice       = "novice"
	LevelIntermediate = "intermediate"
	LevelExpert       = "expert"
)

func expertiseLevel(events int) string {
	switch {
	case events >= 50:
		return LevelExpert
	case events >= 10:
		return LevelIntermediate
	default:
		return LevelNovice
	}
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p
	cp.PreferredSystems = append([]string(nil), p.PreferredSystems...)
	cp.FeedbackScores = append([]int(nil), p.FeedbackScores...)
	cp.SystemExpertise = make(map[string]float64, len(p.SystemExpertise))
	for k, v := range p.SystemExpertise {
		cp.SystemExpertise[k] = v
	}
	cp.TopicInterests = make(map[string]float64, len(p.TopicInterests))
	for k, v := range p.TopicInterests {
		cp.TopicInterests[k] = v
	}
	cp.SuccessfulPatterns = make([]Pattern, len(p.SuccessfulPatterns))
	for i, pat := range p.SuccessfulPatterns {
		pat.Keywords = append([]string(nil), pat.Keywords...)
		cp.SuccessfulPatterns[i] = pat
	}
	return cp
}
