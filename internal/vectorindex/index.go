// Package vectorindex stores chunk embeddings in SQLite and answers
// nearest-neighbour queries by brute-force cosine similarity.
package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/viterin/vek/vek32"
)

// DefaultMaxChunksPerOwner caps how many chunks a single document may hold.
const DefaultMaxChunksPerOwner = 64

// ErrChunkLimit is returned when a chunk index exceeds the per-owner cap.
var ErrChunkLimit = errors.New("chunk index exceeds per-owner limit")

// Chunk is one embedded window of a document.
type Chunk struct {
	OwnerID    string
	ChunkIndex int
	System     string
	Text       string
	Vector     []float32
	CreatedAt  time.Time
}

// Match is a chunk returned by Search with its cosine similarity.
type Match struct {
	OwnerID    string
	ChunkIndex int
	System     string
	Text       string
	Score      float32
}

// Filter restricts a search. An empty Systems list matches every system.
type Filter struct {
	Systems []string
}

// Index is the SQLite-backed vector index. The vector_chunks table is
// created by storage migrations.
type Index struct {
	db          *sql.DB
	maxPerOwner int
}

func New(db *sql.DB, maxChunksPerOwner int) *Index {
	if maxChunksPerOwner <= 0 {
		maxChunksPerOwner = DefaultMaxChunksPerOwner
	}
	return &Index{db: db, maxPerOwner: maxChunksPerOwner}
}

// IndexChunk upserts a single chunk keyed by (owner, chunk index).
func (x *Index) IndexChunk(ctx context.Context, c Chunk) error {
	if c.ChunkIndex < 0 || c.ChunkIndex >= x.maxPerOwner {
		return fmt.Errorf("indexing %s/%d: %w", c.OwnerID, c.ChunkIndex, ErrChunkLimit)
	}
	_, err := x.db.ExecContext(ctx, upsertChunkSQL, chunkArgs(c)...)
	if err != nil {
		return fmt.Errorf("indexing %s/%d: %w", c.OwnerID, c.ChunkIndex, err)
	}
	return nil
}

const upsertChunkSQL = `
	INSERT INTO vector_chunks (owner_id, chunk_index, system, text_chunk, embedding, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, chunk_index) DO UPDATE SET
		system = excluded.system,
		text_chunk = excluded.text_chunk,
		embedding = excluded.embedding,
		created_at = excluded.created_at`

func chunkArgs(c Chunk) []interface{} {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return []interface{}{c.OwnerID, c.ChunkIndex, c.System, c.Text, encodeFloat32s(c.Vector), createdAt.UTC().Format(time.RFC3339)}
}

// ReplaceOwner supersedes every chunk of ownerID with the given chunks in one
// transaction. Chunks beyond the per-owner cap are dropped; the number kept
// is returned.
func (x *Index) ReplaceOwner(ctx context.Context, ownerID string, chunks []Chunk) (int, error) {
	if len(chunks) > x.maxPerOwner {
		chunks = chunks[:x.maxPerOwner]
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_chunks WHERE owner_id = ?`, ownerID); err != nil {
		return 0, fmt.Errorf("deleting chunks for %s: %w", ownerID, err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertChunkSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		c.OwnerID = ownerID
		c.ChunkIndex = i
		if _, err := stmt.ExecContext(ctx, chunkArgs(c)...); err != nil {
			return 0, fmt.Errorf("inserting chunk %s/%d: %w", ownerID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing chunks for %s: %w", ownerID, err)
	}
	return len(chunks), nil
}

// DeleteOwner removes all chunks of ownerID and returns how many were removed.
func (x *Index) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := x.db.ExecContext(ctx, `DELETE FROM vector_chunks WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for %s: %w", ownerID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of stored chunks.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_chunks`).Scan(&n)
	return n, err
}

// OwnerCount returns the number of chunks stored for ownerID.
func (x *Index) OwnerCount(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_chunks WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

type rowScore struct {
	rowID int64
	score float32
}

// Search returns the topK chunks most similar to query, best first. Stored
// vectors whose dimension differs from the query are skipped.
func (x *Index) Search(ctx context.Context, query []float32, topK int, f Filter) ([]Match, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	qNorm := norm(query)
	if qNorm == 0 {
		return nil, nil
	}

	scan := `SELECT rowid, embedding FROM vector_chunks`
	var args []interface{}
	if len(f.Systems) > 0 {
		scan += ` WHERE system IN (?` + strings.Repeat(",?", len(f.Systems)-1) + `)`
		for _, s := range f.Systems {
			args = append(args, s)
		}
	}

	rows, err := x.db.QueryContext(ctx, scan, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &rowScoreHeap{}
	var buf []float32
	for rows.Next() {
		var rowID int64
		var blob []byte
		if err := rows.Scan(&rowID, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for row %d: %w", rowID, err)
		}
		if len(buf) != len(query) {
			continue
		}
		score := cosine(query, buf, qNorm)
		if h.Len() < topK {
			heap.Push(h, rowScore{rowID: rowID, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = rowScore{rowID: rowID, score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[int64]float32, h.Len())
	ids := make([]interface{}, 0, h.Len())
	for _, rs := range *h {
		scores[rs.rowID] = rs.score
		ids = append(ids, rs.rowID)
	}

	full, err := x.db.QueryContext(ctx, `SELECT rowid, owner_id, chunk_index, system, text_chunk
		FROM vector_chunks WHERE rowid IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer full.Close()

	matches := make([]Match, 0, len(ids))
	for full.Next() {
		var rowID int64
		var m Match
		if err := full.Scan(&rowID, &m.OwnerID, &m.ChunkIndex, &m.System, &m.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		m.Score = scores[rowID]
		matches = append(matches, m)
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].OwnerID != matches[j].OwnerID {
			return matches[i].OwnerID < matches[j].OwnerID
		}
		return matches[i].ChunkIndex < matches[j].ChunkIndex
	})
	return matches, nil
}

func norm(v []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// cosine divides dot(a, b) by both norms. aNorm is precomputed once per query.
func cosine(a, b []float32, aNorm float32) float32 {
	bNorm := norm(b)
	if bNorm == 0 {
		return 0
	}
	return vek32.Dot(a, b) / (aNorm * bNorm)
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto reuses buf across rows of a scan.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// rowScoreHeap is a min-heap on score holding the current top-K.
type rowScoreHeap []rowScore

func (h rowScoreHeap) Len() int            { return len(h) }
func (h rowScoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h rowScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rowScoreHeap) Push(x interface{}) { *h = append(*h, x.(rowScore)) }
func (h *rowScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
