package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, system, external_id, title, content, url, created_at, indexed_at`

// SaveDocument inserts a document or updates the one already stored under the
// same (system, external_id). It returns the ID of the stored row, which is
// the existing ID on update.
func (s *Store) SaveDocument(ctx context.Context, d Document) (string, error) {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, system, external_id, title, content, url, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(system, external_id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			url = excluded.url,
			indexed_at = NULL`,
		d.ID, d.System, d.ExternalID, d.Title, d.Content, d.URL, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("saving document %s/%s: %w", d.System, d.ExternalID, err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE system = ? AND external_id = ?`,
		d.System, d.ExternalID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("reading document id: %w", err)
	}
	return id, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// GetDocuments returns the documents with the given IDs keyed by ID. Missing
// IDs are absent from the map.
func (s *Store) GetDocuments(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (?`+
		strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// ListDocuments returns documents newest first. An empty system lists every
// system; limit <= 0 means no limit.
func (s *Store) ListDocuments(ctx context.Context, system string, limit int) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []interface{}
	if system != "" {
		query += ` WHERE system = ?`
		args = append(args, system)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkDocumentIndexed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET indexed_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var createdAt string
	var indexedAt sql.NullString
	if err := r.Scan(&d.ID, &d.System, &d.ExternalID, &d.Title, &d.Content, &d.URL, &createdAt, &indexedAt); err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	if indexedAt.Valid {
		if d.IndexedAt, err = time.Parse(time.RFC3339, indexedAt.String); err != nil {
			return Document{}, fmt.Errorf("parsing indexed_at for document %s: %w", d.ID, err)
		}
	}
	return d, nil
}
