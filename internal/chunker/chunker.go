// Package chunker splits long documents into overlapping windows for embedding.
package chunker

import (
	"math"
	"strings"
)

const (
	DefaultMaxChars = 1200
	MaxOverlap      = 0.5
)

// Chunk is one window of normalized text. Start is a rune offset into the
// normalized text.
type Chunk struct {
	Index int
	Start int
	Text  string
}

// Normalize collapses whitespace runs to a single space and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split normalizes text and cuts it into windows of at most maxChars runes.
// Consecutive windows overlap by overlapRatio of maxChars. The final window
// ends at the end of the text.
func Split(text string, maxChars int, overlapRatio float64) []Chunk {
	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	step := Step(maxChars, overlapRatio)

	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Step returns the stride between window starts, always at least 1.
func Step(maxChars int, overlapRatio float64) int {
	if overlapRatio < 0 || math.IsNaN(overlapRatio) {
		overlapRatio = 0
	}
	if overlapRatio > MaxOverlap {
		overlapRatio = MaxOverlap
	}
	step := int(math.Floor(float64(maxChars)*(1-overlapRatio) + 1e-9))
	if step < 1 {
		step = 1
	}
	return step
}

// Reconstruct joins the non-overlapping region of each chunk, yielding the
// normalized source text.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == len(chunks)-1 {
			b.WriteString(c.Text)
			break
		}
		runes := []rune(c.Text)
		n := chunks[i+1].Start - c.Start
		if n > len(runes) {
			n = len(runes)
		}
		b.WriteString(string(runes[:n]))
	}
	return b.String()
}

// Texts returns the chunk bodies in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
