package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// KeywordIndex is an in-memory full-text index per system. It narrows the
// documents checked by the keyword fallback when vector search finds nothing
// relevant.
type KeywordIndex struct {
	mu      sync.RWMutex
	indexes map[System]bleve.Index
}

type keywordDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{indexes: make(map[System]bleve.Index)}
}

func (k *KeywordIndex) indexFor(sys System) (bleve.Index, error) {
	k.mu.RLock()
	idx, ok := k.indexes[sys]
	k.mu.RUnlock()
	if ok {
		return idx, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if idx, ok := k.indexes[sys]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating keyword index for %s: %w", sys, err)
	}
	k.indexes[sys] = idx
	return idx, nil
}

// Index adds or replaces a document.
func (k *KeywordIndex) Index(sys System, id, title, content string) error {
	idx, err := k.indexFor(sys)
	if err != nil {
		return err
	}
	if err := idx.Index(id, keywordDoc{Title: title, Content: content}); err != nil {
		return fmt.Errorf("keyword indexing %s: %w", id, err)
	}
	return nil
}

// Delete removes a document. Unknown IDs are ignored.
func (k *KeywordIndex) Delete(sys System, id string) error {
	k.mu.RLock()
	idx, ok := k.indexes[sys]
	k.mu.RUnlock()
	if !ok {
		return nil
	}
	return idx.Delete(id)
}

// Search returns IDs of documents matching any of the words, best first.
func (k *KeywordIndex) Search(sys System, words []string, size int) ([]string, error) {
	k.mu.RLock()
	idx, ok := k.indexes[sys]
	k.mu.RUnlock()
	if !ok || len(words) == 0 || size <= 0 {
		return nil, nil
	}

	var queries []query.Query
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		title := bleve.NewMatchQuery(w)
		title.SetField("title")
		title.SetBoost(2)
		content := bleve.NewMatchQuery(w)
		content.SetField("content")
		queries = append(queries, title, content)
	}
	if len(queries) == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(queries...))
	req.Size = size
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search on %s: %w", sys, err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Close releases every per-system index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for sys, idx := range k.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(k.indexes, sys)
	}
	return firstErr
}
