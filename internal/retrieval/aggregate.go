package retrieval

import (
	"errors"
	"sort"

	"github.com/kalambet/resolv/internal/source"
)

var (
	errSourcePanic = errors.New("source panicked")
	errNoSource    = errors.New("no source registered")
)

type dedupKey struct {
	system     source.System
	externalID string
}

// Aggregate collapses candidates sharing (system, external id), keeping the
// highest raw score, and orders the rest by raw score descending. totalFound
// is the deduplicated count before truncation to maxResults; maxResults <= 0
// keeps everything.
func Aggregate(candidates []source.Candidate, maxResults int) ([]source.Candidate, int) {
	best := make(map[dedupKey]int, len(candidates))
	out := make([]source.Candidate, 0, len(candidates))
	for _, c := range candidates {
		k := dedupKey{c.System, c.ExternalID}
		if i, ok := best[k]; ok {
			if c.RawScore > out[i].RawScore {
				out[i] = c
			}
			continue
		}
		best[k] = len(out)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RawScore != out[j].RawScore {
			return out[i].RawScore > out[j].RawScore
		}
		if out[i].System != out[j].System {
			return out[i].System < out[j].System
		}
		return out[i].ExternalID < out[j].ExternalID
	})

	total := len(out)
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, total
}
