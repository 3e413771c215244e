package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveProfile upserts a user's serialized profile. created_at is only written
// on first insert.
func (s *Store) SaveProfile(ctx context.Context, userID, profileJSON string, createdAt, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, profile_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		userID, profileJSON, createdAt.UTC().Format(time.RFC3339), updatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", userID, err)
	}
	return nil
}

// GetProfile returns a user's serialized profile or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT profile_json FROM user_profiles WHERE user_id = ?`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// CountProfiles returns the number of persisted profiles.
func (s *Store) CountProfiles(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&n)
	return n, err
}
