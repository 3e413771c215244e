package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/resolv/internal/ingest"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

var errNoContent = errors.New("one of content, pdf or url is required")

// DocumentRequest adds a document to the knowledge base. Exactly one body is
// used, in order of preference: content, pdf (base64), then the text fetched
// from url.
type DocumentRequest struct {
	System     string `json:"system"`
	ExternalID string `json:"external_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	PDF        string `json:"pdf,omitempty"`
	URL        string `json:"url,omitempty"`
}

// badFetch marks failures of the remote page rather than of the request.
type badFetch struct{ err error }

func (b badFetch) Error() string { return b.err.Error() }
func (b badFetch) Unwrap() error { return b.err }

// Document resolves the request body into a storage.Document.
func (d DocumentRequest) Document(ctx context.Context, client *http.Client) (storage.Document, error) {
	doc := storage.Document{
		System:     d.System,
		ExternalID: d.ExternalID,
		Title:      d.Title,
		URL:        d.URL,
	}

	var title string
	switch {
	case d.Content != "":
		doc.Content = d.Content
	case d.PDF != "":
		raw, err := base64.StdEncoding.DecodeString(d.PDF)
		if err != nil {
			return storage.Document{}, fmt.Errorf("%w: invalid base64 pdf", ingest.ErrInvalidDocument)
		}
		_, text, err := ingest.ExtractText(ingest.FormatPDF, raw)
		if err != nil {
			return storage.Document{}, fmt.Errorf("%w: %v", ingest.ErrInvalidDocument, err)
		}
		doc.Content = text
	case d.URL != "":
		t, text, err := ingest.FetchURL(ctx, client, d.URL)
		if err != nil {
			return storage.Document{}, badFetch{err}
		}
		title, doc.Content = t, text
		if doc.ExternalID == "" {
			doc.ExternalID = d.URL
		}
	default:
		return storage.Document{}, fmt.Errorf("%w: %v", ingest.ErrInvalidDocument, errNoContent)
	}

	if doc.Title == "" {
		doc.Title = title
	}
	return doc, nil
}

func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.System == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "system is required")
			return
		}

		doc, err := req.Document(r.Context(), deps.HTTPClient)
		var fetchErr badFetch
		if errors.As(err, &fetchErr) {
			httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", fetchErr.err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := deps.Documents.Submit(r.Context(), doc)
		if errors.Is(err, ingest.ErrInvalidDocument) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "queued"})
	}
}

type documentView struct {
	ID         string     `json:"id"`
	System     string     `json:"system"`
	ExternalID string     `json:"external_id"`
	Title      string     `json:"title"`
	URL        string     `json:"url,omitempty"`
	Size       int        `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}

func viewDocument(d storage.Document) documentView {
	v := documentView{
		ID:         d.ID,
		System:     d.System,
		ExternalID: d.ExternalID,
		Title:      d.Title,
		URL:        d.URL,
		Size:       len(d.Content),
		CreatedAt:  d.CreatedAt,
	}
	if !d.IndexedAt.IsZero() {
		at := d.IndexedAt
		v.IndexedAt = &at
	}
	return v
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		system := strings.TrimSpace(r.URL.Query().Get("system"))

		docs, err := deps.Documents.List(r.Context(), system, limit)
		if errors.Is(err, source.ErrUnknownSystem) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentView, 0, len(docs))
		for _, d := range docs {
			out = append(out, viewDocument(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Documents.Remove(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
