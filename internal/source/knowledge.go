package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/resolv/internal/embedding"
	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/storage"
	"github.com/kalambet/resolv/internal/vectorindex"
)

const (
	// SemanticThreshold is the minimum cosine similarity trusted from a
	// semantic embedding model.
	SemanticThreshold = 0.6
	// DegradedThreshold applies when vectors come from the hash provider.
	DegradedThreshold = 0.25
	// KeywordFallbackScore is the raw score given to keyword-only matches.
	KeywordFallbackScore = 0.4

	defaultEmbedTimeout = 3 * time.Second
	fallbackScanLimit   = 200
)

// DocumentStore is the subset of storage used to resolve indexed documents.
type DocumentStore interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]storage.Document, error)
	ListDocuments(ctx context.Context, system string, limit int) ([]storage.Document, error)
}

// VectorSearcher is the subset of the vector index used for retrieval.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, topK int, f vectorindex.Filter) ([]vectorindex.Match, error)
}

// KnowledgeSource searches documents of one system that were ingested into
// the local store and vector index.
type KnowledgeSource struct {
	system       System
	docs         DocumentStore
	vectors      VectorSearcher
	embedder     embedding.Provider
	keywordIdx   *KeywordIndex
	embedTimeout time.Duration
}

func NewKnowledgeSource(sys System, docs DocumentStore, vectors VectorSearcher, embedder embedding.Provider, kw *KeywordIndex, embedTimeout time.Duration) *KnowledgeSource {
	if embedTimeout <= 0 {
		embedTimeout = defaultEmbedTimeout
	}
	return &KnowledgeSource{
		system:       sys,
		docs:         docs,
		vectors:      vectors,
		embedder:     embedder,
		keywordIdx:   kw,
		embedTimeout: embedTimeout,
	}
}

func (k *KnowledgeSource) System() System { return k.system }

// Threshold returns the minimum similarity for vector matches.
func (k *KnowledgeSource) Threshold() float64 {
	if k.embedder != nil && k.embedder.Semantic() {
		return SemanticThreshold
	}
	return DegradedThreshold
}

// Search tries vector retrieval first and falls back to keyword substring
// matching when no chunk clears the relevance threshold or embedding fails.
func (k *KnowledgeSource) Search(ctx context.Context, q Query, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates, err := k.vectorSearch(ctx, q, limit)
	if err != nil {
		slog.Warn("vector search failed, using keyword fallback", "system", k.system, "error", err)
	}
	if len(candidates) > 0 {
		return candidates, nil
	}
	return k.keywordSearch(ctx, q, limit)
}

func (k *KnowledgeSource) vectorSearch(ctx context.Context, q Query, limit int) ([]Candidate, error) {
	if k.embedder == nil || k.vectors == nil || strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, k.embedTimeout)
	vecs, err := k.embedder.Embed(embedCtx, []string{q.Text})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vecs))
	}

	// Several chunks of the same document can match; over-fetch so that
	// grouping still leaves up to limit documents.
	matches, err := k.vectors.Search(ctx, vecs[0], limit*4, vectorindex.Filter{Systems: []string{k.system.String()}})
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}

	threshold := k.Threshold()
	best := make(map[string]vectorindex.Match)
	var order []string
	for _, m := range matches {
		if float64(m.Score) < threshold {
			continue
		}
		if _, seen := best[m.OwnerID]; !seen {
			order = append(order, m.OwnerID)
			best[m.OwnerID] = m
		}
	}
	if len(order) == 0 {
		return nil, nil
	}
	if len(order) > limit {
		order = order[:limit]
	}

	docs, err := k.docs.GetDocuments(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		d, ok := docs[id]
		if !ok {
			continue
		}
		m := best[id]
		out = append(out, candidateFromDocument(k.system, d, excerpt(m.Text, nil, snippetLen), float64(m.Score)))
	}
	return out, nil
}

func (k *KnowledgeSource) keywordSearch(ctx context.Context, q Query, limit int) ([]Candidate, error) {
	words := keywords.Words(q.Keywords)
	if len(words) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []Candidate
	consider := func(d storage.Document) {
		if seen[d.ID] || len(out) >= limit {
			return
		}
		seen[d.ID] = true
		if !containsAny(d.Title+" "+d.Content, words) {
			return
		}
		out = append(out, candidateFromDocument(k.system, d, excerpt(d.Content, words, snippetLen), KeywordFallbackScore))
	}

	if k.keywordIdx != nil {
		ids, err := k.keywordIdx.Search(k.system, words, limit*4)
		if err != nil {
			slog.Warn("keyword index search failed", "system", k.system, "error", err)
		}
		if len(ids) > 0 {
			docs, err := k.docs.GetDocuments(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("loading documents: %w", err)
			}
			for _, id := range ids {
				if d, ok := docs[id]; ok {
					consider(d)
				}
			}
		}
	}

	// Token-based narrowing misses substrings inside longer words, so scan
	// the most recent documents too.
	if len(out) < limit {
		recent, err := k.docs.ListDocuments(ctx, k.system.String(), fallbackScanLimit)
		if err != nil {
			return out, fmt.Errorf("listing documents: %w", err)
		}
		for _, d := range recent {
			consider(d)
		}
	}
	return out, nil
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func candidateFromDocument(sys System, d storage.Document, snippet string, score float64) Candidate {
	return Candidate{
		System:     sys,
		ExternalID: d.ExternalID,
		Title:      d.Title,
		Snippet:    snippet,
		URL:        d.URL,
		CreatedAt:  d.CreatedAt,
		RawScore:   score,
	}
}
