// Package retrieval fans a query out to every connected source and merges the
// candidates they return.
package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/resolv/internal/source"
)

const DefaultSourceTimeout = 5 * time.Second

// Retriever queries sources concurrently. A source that fails, times out or
// is not registered contributes nothing; Retrieve itself never fails.
type Retriever struct {
	sources map[source.System]source.Source
	timeout time.Duration
}

// New registers sources by the system they serve. A later source for the
// same system replaces an earlier one.
func New(timeout time.Duration, sources ...source.Source) *Retriever {
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	m := make(map[source.System]source.Source, len(sources))
	for _, s := range sources {
		m[s.System()] = s
	}
	return &Retriever{sources: m, timeout: timeout}
}

// Systems returns the systems that have a registered source.
func (r *Retriever) Systems() []source.System {
	var out []source.System
	for _, s := range source.AllSystems() {
		if _, ok := r.sources[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Outcome describes one source's contribution to a retrieval.
type Outcome struct {
	System   source.System
	Count    int
	Duration time.Duration
	Err      error
}

// Retrieve returns the concatenated candidates of every connected source.
// Latency is bounded by the slowest source, capped at the per-source timeout.
func (r *Retriever) Retrieve(ctx context.Context, q source.Query, connected []source.System, limitPerSource int) ([]source.Candidate, []Outcome) {
	results := make([][]source.Candidate, len(connected))
	outcomes := make([]Outcome, len(connected))

	var g errgroup.Group
	for i, sys := range connected {
		i, sys := i, sys
		outcomes[i].System = sys
		src, ok := r.sources[sys]
		if !ok {
			slog.Warn("retrieval: no source registered", "system", sys)
			outcomes[i].Err = errNoSource
			continue
		}
		g.Go(func() error {
			start := time.Now()
			sctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			cands, err := r.search(sctx, src, q, limitPerSource)
			outcomes[i].Duration = time.Since(start)
			outcomes[i].Err = err
			if err != nil {
				slog.Warn("retrieval: source failed", "system", sys, "error", err)
				return nil
			}
			results[i] = cands
			outcomes[i].Count = len(cands)
			return nil
		})
	}
	g.Wait()

	var out []source.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, outcomes
}

// search runs one source, abandoning it when ctx expires even if the source
// ignores cancellation.
func (r *Retriever) search(ctx context.Context, src source.Source, q source.Query, limit int) ([]source.Candidate, error) {
	type result struct {
		cands []source.Candidate
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("retrieval: source panicked", "system", src.System(), "panic", p)
				ch <- result{err: errSourcePanic}
			}
		}()
		cands, err := src.Search(ctx, q, limit)
		ch <- result{cands: cands, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.cands) > limit && limit > 0 {
			res.cands = res.cands[:limit]
		}
		return res.cands, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
