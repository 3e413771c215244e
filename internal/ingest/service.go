// Package ingest accepts knowledge documents and indexes them in the
// background: chunk, embed, store vectors, refresh the keyword index.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

// JobIndexDocument is the job type processed by Worker.
const JobIndexDocument = "index_document"

// ErrInvalidDocument is returned by Submit for documents missing required fields.
var ErrInvalidDocument = errors.New("invalid document")

// DocumentStore abstracts document persistence and the job queue.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.Document) (string, error)
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ListDocuments(ctx context.Context, system string, limit int) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// VectorDeleter removes a document's chunks from the vector index.
type VectorDeleter interface {
	DeleteOwner(ctx context.Context, ownerID string) (int, error)
}

// KeywordIndexer maintains the full-text index used by keyword fallback.
type KeywordIndexer interface {
	Index(sys source.System, id, title, content string) error
	Delete(sys source.System, id string) error
}

// Service is the write side of the knowledge base.
type Service struct {
	store    DocumentStore
	vectors  VectorDeleter
	keywords KeywordIndexer
}

// NewService creates a Service. vectors and kw may be nil.
func NewService(store DocumentStore, vectors VectorDeleter, kw KeywordIndexer) *Service {
	return &Service{store: store, vectors: vectors, keywords: kw}
}

type indexPayload struct {
	DocumentID string `json:"document_id"`
}

// Submit saves a document and queues it for indexing. A document with the
// same system and external id replaces the earlier version and keeps its id.
func (s *Service) Submit(ctx context.Context, d storage.Document) (string, error) {
	sys, err := source.ParseSystem(d.System)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	d.System = sys.String()
	if strings.TrimSpace(d.Content) == "" {
		return "", fmt.Errorf("%w: content is empty", ErrInvalidDocument)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.ExternalID == "" {
		d.ExternalID = d.ID
	}
	if d.Title == "" {
		d.Title = firstLine(d.Content)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	id, err := s.store.SaveDocument(ctx, d)
	if err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(indexPayload{DocumentID: id})
	if err != nil {
		return "", fmt.Errorf("creating job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobIndexDocument,
		PayloadJSON: string(payload),
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing index job: %w", err)
	}
	return id, nil
}

// Remove deletes a document along with its vectors and keyword entry.
func (s *Service) Remove(ctx context.Context, id string) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if s.vectors != nil {
		if _, err := s.vectors.DeleteOwner(ctx, id); err != nil {
			return fmt.Errorf("deleting vectors for %s: %w", id, err)
		}
	}
	if s.keywords != nil {
		if sys, err := source.ParseSystem(doc.System); err == nil {
			if err := s.keywords.Delete(sys, id); err != nil {
				slog.Warn("ingest: keyword index delete failed", "id", id, "error", err)
			}
		}
	}
	return s.store.DeleteDocument(ctx, id)
}

// List returns stored documents, newest first.
func (s *Service) List(ctx context.Context, system string, limit int) ([]storage.Document, error) {
	if system != "" {
		sys, err := source.ParseSystem(system)
		if err != nil {
			return nil, err
		}
		system = sys.String()
	}
	return s.store.ListDocuments(ctx, system, limit)
}

// RebuildKeywordIndex loads every stored document into the in-memory
// keyword index. Called once at startup.
func (s *Service) RebuildKeywordIndex(ctx context.Context) (int, error) {
	if s.keywords == nil {
		return 0, nil
	}
	docs, err := s.store.ListDocuments(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	var n int
	for _, d := range docs {
		sys, err := source.ParseSystem(d.System)
		if err != nil {
			slog.Warn("ingest: skipping document with unknown system", "id", d.ID, "system", d.System)
			continue
		}
		if err := s.keywords.Index(sys, d.ID, d.Title, d.Content); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func firstLine(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > 120 {
		line = string(r[:120])
	}
	return line
}
