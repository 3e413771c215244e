package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	keywords := i.KeywordsJSON
	if keywords == "" {
		keywords = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, team, incident_id, system, external_id, title, action, rating, keywords_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.Team, i.IncidentID, i.System, i.ExternalID, i.Title,
		i.Action, i.Rating, keywords, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving interaction %s: %w", i.ID, err)
	}
	return nil
}

// ListUserInteractions returns a user's interactions since the given time,
// oldest first. limit <= 0 means no limit.
func (s *Store) ListUserInteractions(ctx context.Context, userID string, since time.Time, limit int) ([]Interaction, error) {
	query := `SELECT id, user_id, team, incident_id, system, external_id, title, action, rating, keywords_json, created_at
		FROM interactions WHERE user_id = ? AND created_at >= ? ORDER BY created_at ASC, id ASC`
	args := []interface{}{userID, since.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing interactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		var createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &i.Team, &i.IncidentID, &i.System, &i.ExternalID,
			&i.Title, &i.Action, &i.Rating, &i.KeywordsJSON, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		i.CreatedAt = t
		out = append(out, i)
	}
	return out, rows.Err()
}

// SystemStats aggregates all interactions with a system since the given time.
func (s *Store) SystemStats(ctx context.Context, system string, since time.Time) (SystemStats, error) {
	var st SystemStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN action = 'linked' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT NULLIF(incident_id, '')),
			COUNT(DISTINCT user_id)
		FROM interactions WHERE system = ? AND created_at >= ?`,
		system, since.UTC().Format(time.RFC3339),
	).Scan(&st.Interactions, &st.Links, &st.Incidents, &st.Users)
	if err != nil {
		return SystemStats{}, fmt.Errorf("aggregating system %s: %w", system, err)
	}
	return st, nil
}

// SuggestionStats aggregates interactions with one suggestion since the given time.
func (s *Store) SuggestionStats(ctx context.Context, system, externalID string, since time.Time) (SuggestionStats, error) {
	var st SuggestionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN action = 'linked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action = 'dismissed' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT NULLIF(incident_id, '')),
			COUNT(DISTINCT user_id),
			COALESCE(SUM(rating), 0),
			COALESCE(SUM(CASE WHEN rating > 0 THEN 1 ELSE 0 END), 0)
		FROM interactions WHERE system = ? AND external_id = ? AND created_at >= ?`,
		system, externalID, since.UTC().Format(time.RFC3339),
	).Scan(&st.Interactions, &st.Links, &st.Dismissals, &st.Incidents, &st.Users, &st.RatingSum, &st.RatingCount)
	if err != nil {
		return SuggestionStats{}, fmt.Errorf("aggregating suggestion %s/%s: %w", system, externalID, err)
	}
	return st, nil
}

// UserSystemStats counts a user's interactions with a system since the given time.
func (s *Store) UserSystemStats(ctx context.Context, userID, system string, since time.Time) (ActorStats, error) {
	return s.actorStats(ctx, "user_id", userID, system, since)
}

// TeamSystemStats counts a team's interactions with a system since the given time.
func (s *Store) TeamSystemStats(ctx context.Context, team, system string, since time.Time) (ActorStats, error) {
	return s.actorStats(ctx, "team", team, system, since)
}

// actorStats is shared by the user and team aggregates. column is always a
// constant supplied by this package.
func (s *Store) actorStats(ctx context.Context, column, actor, system string, since time.Time) (ActorStats, error) {
	var st ActorStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN action = 'linked' THEN 1 ELSE 0 END), 0)
		FROM interactions WHERE `+column+` = ? AND system = ? AND created_at >= ?`,
		actor, system, since.UTC().Format(time.RFC3339),
	).Scan(&st.Interactions, &st.Links)
	if err != nil {
		return ActorStats{}, fmt.Errorf("aggregating %s %s on %s: %w", column, actor, system, err)
	}
	return st, nil
}
