package storage

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) != 4 {
		t.Errorf("migration count = %d then %d, want 4 both times", len(v1), len(v2))
	}
	for i := 1; i < len(v2); i++ {
		if v2[i] <= v2[i-1] {
			t.Errorf("migrations not in ascending order: %v", v2)
			break
		}
	}
}

func TestSchemaObjectsExist(t *testing.T) {
	s := openTestStore(t)

	objects := map[string]string{
		"documents":                    "table",
		"jobs":                         "table",
		"interactions":                 "table",
		"vector_chunks":                "table",
		"suggestion_cache":             "table",
		"user_profiles":                "table",
		"idx_jobs_status_run_after":    "index",
		"idx_interactions_suggestion":  "index",
		"idx_vector_chunks_system":     "index",
		"idx_suggestion_cache_expires": "index",
	}
	for name, typ := range objects {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", typ, name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", name, err)
		}
		if count != 1 {
			t.Errorf("%s %q not found", typ, name)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("003_suggestion_cache.sql")
	if err != nil || v != 3 {
		t.Errorf("parseMigrationVersion = %d, %v; want 3, nil", v, err)
	}
	if _, err := parseMigrationVersion("cache.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestSaveDocument_UpsertKeepsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.SaveDocument(ctx, Document{ID: "d-1", System: "CONFLUENCE", ExternalID: "KB-7", Title: "VPN", Content: "old"})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := s.MarkDocumentIndexed(ctx, id1, time.Now()); err != nil {
		t.Fatalf("MarkDocumentIndexed: %v", err)
	}

	id2, err := s.SaveDocument(ctx, Document{ID: "d-2", System: "CONFLUENCE", ExternalID: "KB-7", Title: "VPN fix", Content: "new"})
	if err != nil {
		t.Fatalf("SaveDocument update: %v", err)
	}
	if id2 != "d-1" {
		t.Errorf("id after upsert = %q, want %q", id2, "d-1")
	}

	got, err := s.GetDocument(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != "VPN fix" || got.Content != "new" {
		t.Errorf("document = %+v, want updated title and content", got)
	}
	if !got.IndexedAt.IsZero() {
		t.Errorf("IndexedAt = %v, want zero after content change", got.IndexedAt)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetDocument(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDocument(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("DeleteDocument error = %v, want ErrNotFound", err)
	}
}

func TestListAndGetDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	docs := []Document{
		{ID: "a", System: "JIRA", ExternalID: "OPS-1", Title: "first", CreatedAt: base},
		{ID: "b", System: "JIRA", ExternalID: "OPS-2", Title: "second", CreatedAt: base.Add(time.Hour)},
		{ID: "c", System: "SERVICENOW", ExternalID: "KB001", Title: "third", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, d := range docs {
		if _, err := s.SaveDocument(ctx, d); err != nil {
			t.Fatalf("SaveDocument %s: %v", d.ID, err)
		}
	}

	jira, err := s.ListDocuments(ctx, "JIRA", 0)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(jira) != 2 || jira[0].ID != "b" {
		t.Errorf("ListDocuments(JIRA) = %+v, want [b a]", jira)
	}

	all, err := s.ListDocuments(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListDocuments all: %v", err)
	}
	if len(all) != 1 || all[0].ID != "c" {
		t.Errorf("ListDocuments(all, 1) = %+v, want [c]", all)
	}

	got, err := s.GetDocuments(ctx, []string{"a", "c", "zzz"})
	if err != nil {
		t.Fatalf("GetDocuments: %v", err)
	}
	if len(got) != 2 || got["a"].Title != "first" || got["c"].System != "SERVICENOW" {
		t.Errorf("GetDocuments = %+v", got)
	}
}

func TestInteractionAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rows := []Interaction{
		{ID: "i1", UserID: "alice", Team: "netops", IncidentID: "INC1", System: "GITHUB", ExternalID: "42", Action: ActionLinked, Rating: 5, CreatedAt: now},
		{ID: "i2", UserID: "bob", Team: "netops", IncidentID: "INC2", System: "GITHUB", ExternalID: "42", Action: ActionViewed, CreatedAt: now},
		{ID: "i3", UserID: "bob", Team: "desk", IncidentID: "INC2", System: "GITHUB", ExternalID: "7", Action: ActionDismissed, Rating: 1, CreatedAt: now},
		{ID: "i4", UserID: "alice", Team: "netops", System: "JIRA", ExternalID: "OPS-1", Action: ActionLinked, CreatedAt: now},
		{ID: "old", UserID: "alice", Team: "netops", IncidentID: "INC0", System: "GITHUB", ExternalID: "42", Action: ActionLinked, CreatedAt: now.AddDate(0, 0, -200)},
	}
	for _, r := range rows {
		if err := s.SaveInteraction(ctx, r); err != nil {
			t.Fatalf("SaveInteraction %s: %v", r.ID, err)
		}
	}
	since := now.AddDate(0, 0, -90)

	sys, err := s.SystemStats(ctx, "GITHUB", since)
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	if sys != (SystemStats{Interactions: 3, Links: 1, Incidents: 2, Users: 2}) {
		t.Errorf("SystemStats = %+v", sys)
	}

	sug, err := s.SuggestionStats(ctx, "GITHUB", "42", since)
	if err != nil {
		t.Fatalf("SuggestionStats: %v", err)
	}
	want := SuggestionStats{Interactions: 2, Links: 1, Incidents: 2, Users: 2, RatingSum: 5, RatingCount: 1}
	if sug != want {
		t.Errorf("SuggestionStats = %+v, want %+v", sug, want)
	}

	user, err := s.UserSystemStats(ctx, "alice", "GITHUB", since)
	if err != nil {
		t.Fatalf("UserSystemStats: %v", err)
	}
	if user != (ActorStats{Interactions: 1, Links: 1}) {
		t.Errorf("UserSystemStats = %+v", user)
	}

	team, err := s.TeamSystemStats(ctx, "netops", "GITHUB", since)
	if err != nil {
		t.Fatalf("TeamSystemStats: %v", err)
	}
	if team != (ActorStats{Interactions: 2, Links: 1}) {
		t.Errorf("TeamSystemStats = %+v", team)
	}

	empty, err := s.SystemStats(ctx, "SHAREPOINT", since)
	if err != nil {
		t.Fatalf("SystemStats empty: %v", err)
	}
	if empty != (SystemStats{}) {
		t.Errorf("SystemStats(empty) = %+v, want zero", empty)
	}

	hist, err := s.ListUserInteractions(ctx, "alice", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListUserInteractions: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("ListUserInteractions = %d rows, want 3", len(hist))
	}
	if hist[0].ID != "old" {
		t.Errorf("first interaction = %q, want old", hist[0].ID)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "alice"); err != ErrNotFound {
		t.Fatalf("GetProfile before save: err = %v, want ErrNotFound", err)
	}

	now := time.Now()
	if err := s.SaveProfile(ctx, "alice", `{"v":1}`, now, now); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if err := s.SaveProfile(ctx, "alice", `{"v":2}`, now, now); err != nil {
		t.Fatalf("SaveProfile again: %v", err)
	}

	got, err := s.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != `{"v":2}` {
		t.Errorf("profile = %q, want %q", got, `{"v":2}`)
	}
	n, err := s.CountProfiles(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountProfiles = %d, %v; want 1, nil", n, err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if got, err := s.ClaimNextJob(ctx, []string{"index_document"}); err != nil || got != nil {
		t.Fatalf("ClaimNextJob on empty queue = %+v, %v; want nil, nil", got, err)
	}

	if err := s.EnqueueJob(ctx, Job{ID: "j-1", Type: "index_document", PayloadJSON: `{"document_id":"d1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-later", Type: "index_document", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob later: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-other", Type: "other", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob other: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"index_document"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "j-1" || got.Status != "running" || got.MaxAttempts != 3 {
		t.Fatalf("claimed %+v, want j-1 running with 3 max attempts", got)
	}

	// j-later is not due and j-other has a different type.
	if again, err := s.ClaimNextJob(ctx, []string{"index_document"}); err != nil || again != nil {
		t.Errorf("second ClaimNextJob = %+v, %v; want nil, nil", again, err)
	}

	if err := s.CompleteJob(ctx, "j-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	status, err := s.JobStatus(ctx, "j-1")
	if err != nil || status != "completed" {
		t.Errorf("JobStatus = %q, %v; want completed", status, err)
	}

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts["completed"] != 1 || counts["pending"] != 2 {
		t.Errorf("CountJobs = %v", counts)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-f", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	if err := s.FailJob(ctx, "j-f", "embedding backend down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfterStr string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j-f'`).
		Scan(&status, &attempts, &lastError, &runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "pending" || attempts != 1 || lastError != "embedding backend down" {
		t.Errorf("after first failure: status=%q attempts=%d last_error=%q", status, attempts, lastError)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}

	if err := s.FailJob(ctx, "j-f", "still down"); err != nil {
		t.Fatalf("FailJob second: %v", err)
	}
	if status, _ := s.JobStatus(ctx, "j-f"); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}

	if err := s.FailJob(ctx, "missing", "x"); err != ErrNotFound {
		t.Errorf("FailJob(missing) = %v, want ErrNotFound", err)
	}
}
