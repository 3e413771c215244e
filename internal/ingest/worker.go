package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/resolv/internal/chunker"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
	"github.com/kalambet/resolv/internal/vectorindex"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	MarkDocumentIndexed(ctx context.Context, id string, at time.Time) error
}

// Embedder generates embeddings for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter replaces or removes all chunks of a document.
type VectorWriter interface {
	ReplaceOwner(ctx context.Context, ownerID string, chunks []vectorindex.Chunk) (int, error)
	DeleteOwner(ctx context.Context, ownerID string) (int, error)
}

const (
	defaultEmbedTimeout = 3 * time.Second
	// embedTimeoutBatch is how many chunks one EmbedTimeout covers.
	embedTimeoutBatch = 16
)

// WorkerOptions controls document splitting and the embedding deadline.
type WorkerOptions struct {
	MaxChars int
	Overlap  float64
	// EmbedTimeout bounds embedding of every embedTimeoutBatch chunks.
	// Defaults to 3s.
	EmbedTimeout time.Duration
}

// Worker processes index_document jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder Embedder
	vectors  VectorWriter
	keywords KeywordIndexer
	opts     WorkerOptions
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. kw may be nil.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, vectors VectorWriter, kw KeywordIndexer, opts WorkerOptions, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = chunker.DefaultMaxChars
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = defaultEmbedTimeout
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		keywords: kw,
		opts:     opts,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobIndexDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(ctx, payload.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted before it was indexed.
		w.logger.Debug("skipping index job for missing document", "document_id", payload.DocumentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}
	sys, err := source.ParseSystem(doc.System)
	if err != nil {
		return fmt.Errorf("document %s: %w", doc.ID, err)
	}

	text := doc.Content
	if doc.Title != "" {
		text = doc.Title + "\n" + doc.Content
	}
	parts := chunker.Split(text, w.opts.MaxChars, w.opts.Overlap)

	// Embed before touching the index so no write waits on the model.
	var vecs [][]float32
	if len(parts) > 0 {
		batches := (len(parts) + embedTimeoutBatch - 1) / embedTimeoutBatch
		embedCtx, cancel := context.WithTimeout(ctx, time.Duration(batches)*w.opts.EmbedTimeout)
		vecs, err = w.embedder.Embed(embedCtx, chunker.Texts(parts))
		cancel()
		if err != nil {
			return fmt.Errorf("embedding content: %w", err)
		}
		if len(vecs) != len(parts) {
			return fmt.Errorf("embedding content: got %d vectors for %d chunks", len(vecs), len(parts))
		}
	}

	now := time.Now().UTC()
	chunks := make([]vectorindex.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = vectorindex.Chunk{
			OwnerID:    doc.ID,
			ChunkIndex: p.Index,
			System:     sys.String(),
			Text:       p.Text,
			Vector:     vecs[i],
			CreatedAt:  now,
		}
	}
	kept, err := w.vectors.ReplaceOwner(ctx, doc.ID, chunks)
	if err != nil {
		return fmt.Errorf("storing vectors: %w", err)
	}
	if kept < len(chunks) {
		w.logger.Warn("document truncated to chunk limit", "document_id", doc.ID, "chunks", len(chunks), "kept", kept)
	}

	if w.keywords != nil {
		if err := w.keywords.Index(sys, doc.ID, doc.Title, doc.Content); err != nil {
			return fmt.Errorf("keyword indexing: %w", err)
		}
	}

	err = w.store.MarkDocumentIndexed(ctx, doc.ID, now)
	if errors.Is(err, storage.ErrNotFound) {
		// Removed while indexing; drop what this job just wrote.
		w.logger.Debug("document removed during indexing", "document_id", doc.ID)
		return w.discard(ctx, sys, doc.ID)
	}
	if err != nil {
		return fmt.Errorf("marking document indexed: %w", err)
	}
	w.logger.Debug("document indexed", "document_id", doc.ID, "system", sys, "chunks", kept)
	return nil
}

func (w *Worker) discard(ctx context.Context, sys source.System, id string) error {
	if _, err := w.vectors.DeleteOwner(ctx, id); err != nil {
		return fmt.Errorf("deleting vectors of removed document: %w", err)
	}
	if w.keywords != nil {
		if err := w.keywords.Delete(sys, id); err != nil {
			return fmt.Errorf("deleting keywords of removed document: %w", err)
		}
	}
	return nil
}
