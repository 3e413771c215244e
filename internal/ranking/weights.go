package ranking

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed weights.yaml
var defaultWeightsYAML []byte

// ErrInvalidWeights is returned when a weight group does not sum to 1.
var ErrInvalidWeights = errors.New("invalid ranking weights")

type ContentWeights struct {
	TitleLength    float64 `yaml:"title_length"`
	SnippetLength  float64 `yaml:"snippet_length"`
	KeywordDensity float64 `yaml:"keyword_density"`
	TechnicalTerms float64 `yaml:"technical_terms"`
	ErrorTerms     float64 `yaml:"error_terms"`
}

type HistoricalWeights struct {
	SystemPopularity   float64 `yaml:"system_popularity"`
	HistoricalLinkRate float64 `yaml:"historical_link_rate"`
	AvgUserRating      float64 `yaml:"avg_user_rating"`
	Recency            float64 `yaml:"recency"`
	AuthorCredibility  float64 `yaml:"author_credibility"`
}

type ContextWeights struct {
	KeywordMatch       float64 `yaml:"keyword_match"`
	SemanticSimilarity float64 `yaml:"semantic_similarity"`
	IncidentTypeMatch  float64 `yaml:"incident_type_match"`
	UrgencyAlignment   float64 `yaml:"urgency_alignment"`
}

type UserWeights struct {
	Expertise      float64 `yaml:"expertise"`
	Preference     float64 `yaml:"preference"`
	TeamPreference float64 `yaml:"team_preference"`
}

type SystemWeights struct {
	Reliability    float64 `yaml:"reliability"`
	ResponseTime   float64 `yaml:"response_time"`
	ContentQuality float64 `yaml:"content_quality"`
}

type TopWeights struct {
	Content    float64 `yaml:"content"`
	Historical float64 `yaml:"historical"`
	Context    float64 `yaml:"context"`
	User       float64 `yaml:"user"`
	System     float64 `yaml:"system"`
}

// Range is a calibration interval for a magnitude feature.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Weights is the versioned configuration of the scoring formula.
type Weights struct {
	Version     string            `yaml:"version"`
	Content     ContentWeights    `yaml:"content"`
	Historical  HistoricalWeights `yaml:"historical"`
	Context     ContextWeights    `yaml:"context"`
	User        UserWeights       `yaml:"user"`
	System      SystemWeights     `yaml:"system"`
	Top         TopWeights        `yaml:"top"`
	Calibration map[string]Range  `yaml:"calibration"`
}

// DefaultWeights returns the built-in weights.
func DefaultWeights() Weights {
	w, err := ParseWeights(defaultWeightsYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in ranking weights: %v", err))
	}
	return w
}

// LoadWeights reads weights from a YAML file, or returns the defaults when
// path is empty.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("reading weights file: %w", err)
	}
	return ParseWeights(b)
}

// ParseWeights decodes and validates a YAML weights document.
func ParseWeights(b []byte) (Weights, error) {
	var w Weights
	if err := yaml.Unmarshal(b, &w); err != nil {
		return Weights{}, fmt.Errorf("parsing weights: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// Validate checks that every group is non-negative and sums to 1.
func (w Weights) Validate() error {
	if w.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidWeights)
	}
	groups := []struct {
		name string
		vals []float64
	}{
		{"content", []float64{w.Content.TitleLength, w.Content.SnippetLength, w.Content.KeywordDensity, w.Content.TechnicalTerms, w.Content.ErrorTerms}},
		{"historical", []float64{w.Historical.SystemPopularity, w.Historical.HistoricalLinkRate, w.Historical.AvgUserRating, w.Historical.Recency, w.Historical.AuthorCredibility}},
		{"context", []float64{w.Context.KeywordMatch, w.Context.SemanticSimilarity, w.Context.IncidentTypeMatch, w.Context.UrgencyAlignment}},
		{"user", []float64{w.User.Expertise, w.User.Preference, w.User.TeamPreference}},
		{"system", []float64{w.System.Reliability, w.System.ResponseTime, w.System.ContentQuality}},
		{"top", []float64{w.Top.Content, w.Top.Historical, w.Top.Context, w.Top.User, w.Top.System}},
	}
	for _, g := range groups {
		var sum float64
		for _, v := range g.vals {
			if v < 0 {
				return fmt.Errorf("%w: negative weight in %s group", ErrInvalidWeights, g.name)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("%w: %s group sums to %.6f", ErrInvalidWeights, g.name, sum)
		}
	}
	for name, r := range w.Calibration {
		if r.Max <= r.Min {
			return fmt.Errorf("%w: calibration %s has max <= min", ErrInvalidWeights, name)
		}
	}
	return nil
}

// calibrate rescales a magnitude feature into [0,1].
func (w Weights) calibrate(name string, v float64) float64 {
	r, ok := w.Calibration[name]
	if !ok {
		return clamp01(v / 100)
	}
	return clamp01((v - r.Min) / (r.Max - r.Min))
}
