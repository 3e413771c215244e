// Package cache stores computed suggestion lists with a TTL. SQLite is the
// durable tier; a ristretto cache fronts it for hot keys.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/source"
)

// ErrInvalidTTL is returned by Put when ttl is not positive.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// DefaultTTL is used by callers that have no configured TTL.
const DefaultTTL = 15 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is one cached suggestion payload.
type Entry struct {
	Key        string
	IncidentID string
	Payload    []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ComputeMs  int64
}

// Stats summarizes the cache table.
type Stats struct {
	Total        int     `json:"total_entries"`
	Valid        int     `json:"valid_entries"`
	Expired      int     `json:"expired_entries"`
	AvgComputeMs float64 `json:"avg_compute_ms"`
}

// Options tunes a Cache.
type Options struct {
	// MaxEntries caps the table size at sweep time; 0 disables the cap.
	MaxEntries int
	// HotItems bounds the in-memory tier; 0 uses 1000.
	HotItems int64
}

const keyStripes = 64

type Cache struct {
	db         *sql.DB
	hot        *ristretto.Cache
	clock      Clock
	maxEntries int

	// stripes serialize the database step and the hot-tier update per key,
	// so a Get cannot refill the hot tier with a row a Put has replaced.
	stripes [keyStripes]sync.Mutex
}

func (c *Cache) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &c.stripes[h.Sum32()%keyStripes]
	mu.Lock()
	return mu
}

// New creates a Cache over the suggestion_cache table in db.
func New(db *sql.DB, opts Options) (*Cache, error) {
	return NewWithClock(db, realClock{}, opts)
}

// NewWithClock creates a Cache with a custom clock (for testing).
func NewWithClock(db *sql.DB, clock Clock, opts Options) (*Cache, error) {
	items := opts.HotItems
	if items <= 0 {
		items = 1000
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        items * 10,
		MaxCost:            items,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating hot cache: %w", err)
	}
	return &Cache{db: db, hot: hot, clock: clock, maxEntries: opts.MaxEntries}, nil
}

// Close releases the in-memory tier. The database is owned by the caller.
func (c *Cache) Close() {
	c.hot.Close()
}

// Key derives the cache key for a keyword set and the connected systems.
// Keywords are ordered by weight, lowercased and joined before hashing, so the
// same incident text always maps to the same key.
func Key(kws []keywords.Keyword, systems []source.System) string {
	sorted := make([]keywords.Keyword, len(kws))
	copy(sorted, kws)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return strings.ToLower(sorted[i].Word) < strings.ToLower(sorted[j].Word)
	})
	words := make([]string, len(sorted))
	for i, kw := range sorted {
		words[i] = strings.ToLower(strings.TrimSpace(kw.Word))
	}

	names := make([]string, len(systems))
	for i, s := range systems {
		names[i] = s.String()
	}
	sort.Strings(names)

	sum := sha256.Sum256([]byte(strings.Join(words, " ") + "|" + strings.Join(names, ",")))
	return "kw:" + hex.EncodeToString(sum[:])
}

// IncidentKey is the key for a request that names its incident.
func IncidentKey(incidentID string) string {
	return "incident:" + strings.TrimSpace(incidentID)
}

// Get returns the payload stored under key if it has not expired. Expired
// rows are left for Sweep.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.clock.Now()
	if v, ok := c.hot.Get(key); ok {
		if e, ok := v.(*Entry); ok && now.Before(e.ExpiresAt) {
			return e.Payload, true
		}
	}

	mu := c.lock(key)
	defer mu.Unlock()

	var e Entry
	var payload string
	var createdAt, expiresAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT cache_key, incident_id, payload, created_at, expires_at, compute_ms
		FROM suggestion_cache WHERE cache_key = ?`, key,
	).Scan(&e.Key, &e.IncidentID, &payload, &createdAt, &expiresAt, &e.ComputeMs)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.ExpiresAt = time.UnixMilli(expiresAt)
	if !now.Before(e.ExpiresAt) {
		return nil, false
	}
	if !json.Valid([]byte(payload)) {
		slog.Warn("corrupt cache entry, treating as miss", "key", key)
		return nil, false
	}
	e.Payload = []byte(payload)
	c.hot.Set(key, &e, 1)
	return e.Payload, true
}

// Put stores payload under key for ttl, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key, incidentID string, payload []byte, ttl time.Duration, computeMs int64) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := c.clock.Now()
	e := &Entry{
		Key:        key,
		IncidentID: incidentID,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		ComputeMs:  computeMs,
	}

	mu := c.lock(key)
	defer mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO suggestion_cache (cache_key, incident_id, payload, created_at, expires_at, compute_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			incident_id = excluded.incident_id, payload = excluded.payload,
			created_at = excluded.created_at, expires_at = excluded.expires_at,
			compute_ms = excluded.compute_ms`,
		key, incidentID, string(payload), e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(), computeMs,
	)
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}

	c.hot.Del(key)
	c.hot.Set(key, e, 1)
	c.hot.Wait()
	return nil
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	mu := c.lock(key)
	defer mu.Unlock()
	c.hot.Del(key)
	if _, err := c.db.ExecContext(ctx, `DELETE FROM suggestion_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Sweep deletes expired entries, then trims the table to MaxEntries by
// dropping the entries closest to expiry. It returns the number removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.clock.Now().UnixMilli()
	res, err := c.db.ExecContext(ctx, `DELETE FROM suggestion_cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired entries: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	removed := int(expired)

	if c.maxEntries > 0 {
		var total int
		if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suggestion_cache`).Scan(&total); err != nil {
			return removed, fmt.Errorf("counting cache entries: %w", err)
		}
		if over := total - c.maxEntries; over > 0 {
			res, err := c.db.ExecContext(ctx, `
				DELETE FROM suggestion_cache WHERE cache_key IN (
					SELECT cache_key FROM suggestion_cache ORDER BY expires_at ASC, cache_key ASC LIMIT ?
				)`, over)
			if err != nil {
				return removed, fmt.Errorf("trimming cache: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
	}

	if removed > 0 {
		c.hot.Clear()
	}
	return removed, nil
}

// Stats reports entry counts relative to now.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(compute_ms), 0)
		FROM suggestion_cache`, c.clock.Now().UnixMilli(),
	).Scan(&s.Total, &s.Valid, &s.AvgComputeMs)
	if err != nil {
		return Stats{}, fmt.Errorf("reading cache stats: %w", err)
	}
	s.Expired = s.Total - s.Valid
	return s, nil
}
