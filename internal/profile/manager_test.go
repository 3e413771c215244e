package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/source"
	"github.com/kalambet/resolv/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu           sync.Mutex
	profiles     map[string]string
	interactions []storage.Interaction

	getCalls int
}

func newMockStore() *mockStore {
	return &mockStore{profiles: make(map[string]string)}
}

func (m *mockStore) SaveProfile(ctx context.Context, userID, profileJSON string, createdAt, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = profileJSON
	return nil
}

func (m *mockStore) GetProfile(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	v, ok := m.profiles[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *mockStore) ListUserInteractions(ctx context.Context, userID string, since time.Time, limit int) ([]storage.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Interaction
	for _, in := range m.interactions {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *mockStore) SaveInteraction(ctx context.Context, i storage.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, i)
	return nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Helpers ---

func newTestManager(t *testing.T, store Store) (*Manager, *mockClock) {
	t.Helper()
	clock := &mockClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	mgr, err := NewManagerWithClock(store, clock, 16)
	if err != nil {
		t.Fatalf("NewManagerWithClock: %v", err)
	}
	return mgr, clock
}

func link(user string, sys source.System, id string, words ...string) Event {
	kws := make([]keywords.Keyword, len(words))
	for i, w := range words {
		kws[i] = keywords.Keyword{Word: w, Weight: 1}
	}
	return Event{UserID: user, System: sys, ExternalID: id, Action: storage.ActionLinked, Keywords: kws}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Tests ---

func TestGet_Anonymous(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	for _, id := range []string{"", Anonymous} {
		if _, err := mgr.Get(context.Background(), id); !errors.Is(err, ErrAnonymous) {
			t.Errorf("Get(%q) err = %v, want ErrAnonymous", id, err)
		}
	}
}

func TestGet_CreatesEmptyProfile(t *testing.T) {
	store := newMockStore()
	mgr, _ := newTestManager(t, store)

	p, err := mgr.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Confidence != 0.1 {
		t.Errorf("confidence = %v, want 0.1", p.Confidence)
	}
	if p.ExpertiseLevel != LevelNovice {
		t.Errorf("level = %q", p.ExpertiseLevel)
	}
	if _, ok := store.profiles["alice"]; !ok {
		t.Error("profile was not persisted on first access")
	}
}

func TestGet_SeedsFromHistory(t *testing.T) {
	store := newMockStore()
	for i := 0; i < 3; i++ {
		store.interactions = append(store.interactions, storage.Interaction{
			ID: fmt.Sprintf("i%d", i), UserID: "alice", System: "GITHUB", ExternalID: fmt.Sprint(i),
			Action: storage.ActionLinked, KeywordsJSON: `["vpn","timeout"]`, Rating: 4,
		})
	}
	store.interactions = append(store.interactions, storage.Interaction{
		ID: "i9", UserID: "alice", System: "JIRA", Action: storage.ActionDismissed,
	})
	mgr, _ := newTestManager(t, store)

	p, err := mgr.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !approx(p.Confidence, 0.2) {
		t.Errorf("confidence = %v, want 0.2", p.Confidence)
	}
	if !approx(p.Patterns.LinkRate, 0.75) {
		t.Errorf("link_rate = %v, want 0.75", p.Patterns.LinkRate)
	}
	if p.SystemExpertise["GITHUB"] != 1 || p.SystemExpertise["JIRA"] != 0 {
		t.Errorf("system_expertise = %v", p.SystemExpertise)
	}
	if len(p.SuccessfulPatterns) != 3 || len(p.SuccessfulPatterns[0].Keywords) != 2 {
		t.Errorf("patterns = %+v", p.SuccessfulPatterns)
	}
	if len(p.FeedbackScores) != 3 {
		t.Errorf("feedback scores = %v", p.FeedbackScores)
	}
	if len(p.PreferredSystems) != 1 || p.PreferredSystems[0] != "GITHUB" {
		t.Errorf("preferred systems = %v", p.PreferredSystems)
	}
}

func TestGet_SeedConfidenceCapped(t *testing.T) {
	store := newMockStore()
	for i := 0; i < 40; i++ {
		store.interactions = append(store.interactions, storage.Interaction{
			ID: fmt.Sprint(i), UserID: "bob", System: "JIRA", Action: storage.ActionViewed,
		})
	}
	mgr, _ := newTestManager(t, store)
	p, err := mgr.Get(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", p.Confidence)
	}
}

func TestGet_CachesProfile(t *testing.T) {
	store := newMockStore()
	mgr, _ := newTestManager(t, store)
	ctx := context.Background()

	mgr.Get(ctx, "alice")
	mgr.Get(ctx, "alice")
	if store.getCalls != 1 {
		t.Errorf("store reads = %d, want 1", store.getCalls)
	}
}

func TestGet_MalformedProfileReseeds(t *testing.T) {
	store := newMockStore()
	store.profiles["alice"] = "{not json"
	mgr, _ := newTestManager(t, store)

	p, err := mgr.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.UserID != "alice" {
		t.Errorf("user id = %q", p.UserID)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()
	if _, err := mgr.Learn(ctx, link("alice", source.GitHub, "1", "vpn")); err != nil {
		t.Fatal(err)
	}

	p, _ := mgr.Get(ctx, "alice")
	p.SystemExpertise["GITHUB"] = 0.99
	p.SuccessfulPatterns[0].Keywords[0] = "mutated"

	again, _ := mgr.Get(ctx, "alice")
	if again.SystemExpertise["GITHUB"] != 0.05 {
		t.Errorf("cached expertise mutated: %v", again.SystemExpertise["GITHUB"])
	}
	if again.SuccessfulPatterns[0].Keywords[0] != "vpn" {
		t.Errorf("cached pattern mutated: %v", again.SuccessfulPatterns[0].Keywords)
	}
}

func TestLearn_LinksDriveExpertiseAndLinkRate(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()

	var p Profile
	var err error
	for i := 0; i < 10; i++ {
		if p, err = mgr.Learn(ctx, link("alice", source.GitHub, fmt.Sprint(i), "vpn")); err != nil {
			t.Fatalf("Learn: %v", err)
		}
	}
	if !approx(p.SystemExpertise["GITHUB"], 0.5) {
		t.Errorf("expertise after 10 links = %v, want 0.5", p.SystemExpertise["GITHUB"])
	}
	if want := 1 - math.Pow(0.9, 10); !approx(p.Patterns.LinkRate, want) {
		t.Errorf("link_rate = %v, want %v", p.Patterns.LinkRate, want)
	}

	for i := 10; i < 60; i++ {
		if p, err = mgr.Learn(ctx, link("alice", source.GitHub, fmt.Sprint(i), "vpn")); err != nil {
			t.Fatalf("Learn: %v", err)
		}
	}
	if p.SystemExpertise["GITHUB"] != 1 {
		t.Errorf("expertise = %v, want 1 (clamped)", p.SystemExpertise["GITHUB"])
	}
	if p.Patterns.LinkRate < 0.99 || p.Patterns.LinkRate > 1 {
		t.Errorf("link_rate = %v, want converging to 1", p.Patterns.LinkRate)
	}
	if p.TopicInterests["vpn"] != 1 {
		t.Errorf("topic interest = %v, want 1", p.TopicInterests["vpn"])
	}
	if p.ExpertiseLevel != LevelExpert {
		t.Errorf("level = %q", p.ExpertiseLevel)
	}
}

func TestLearn_DismissLowersExpertise(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()

	mgr.Learn(ctx, link("alice", source.Jira, "1"))
	p, err := mgr.Learn(ctx, Event{UserID: "alice", System: source.Jira, ExternalID: "2", Action: storage.ActionDismissed})
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if !approx(p.SystemExpertise["JIRA"], 0.03) {
		t.Errorf("expertise = %v, want 0.03", p.SystemExpertise["JIRA"])
	}
	for i := 0; i < 5; i++ {
		p, _ = mgr.Learn(ctx, Event{UserID: "alice", System: source.Jira, Action: storage.ActionDismissed})
	}
	if p.SystemExpertise["JIRA"] != 0 {
		t.Errorf("expertise = %v, want clamped to 0", p.SystemExpertise["JIRA"])
	}
	if p.Patterns.Dismissals != 6 || p.Patterns.LinkRate < 0 {
		t.Errorf("patterns = %+v", p.Patterns)
	}
}

func TestLearn_PatternLogBounded(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()

	var p Profile
	for i := 0; i < MaxPatterns+20; i++ {
		p, _ = mgr.Learn(ctx, link("alice", source.Confluence, fmt.Sprint(i), "dns"))
	}
	if len(p.SuccessfulPatterns) != MaxPatterns {
		t.Fatalf("patterns = %d, want %d", len(p.SuccessfulPatterns), MaxPatterns)
	}
	if p.SuccessfulPatterns[0].ExternalID != "20" {
		t.Errorf("oldest kept pattern = %q, want 20", p.SuccessfulPatterns[0].ExternalID)
	}
}

func TestLearn_ConfidenceDecay(t *testing.T) {
	mgr, clock := newTestManager(t, newMockStore())
	ctx := context.Background()

	var p Profile
	for i := 0; i < 25; i++ {
		p, _ = mgr.Learn(ctx, Event{UserID: "alice", System: source.Jira, Action: storage.ActionViewed})
	}
	if !approx(p.Confidence, 0.5) {
		t.Errorf("confidence = %v, want 0.5", p.Confidence)
	}

	clock.Advance(15 * 24 * time.Hour)
	p, _ = mgr.Learn(ctx, Event{UserID: "alice", System: source.Jira, Action: storage.ActionViewed})
	if want := 26.0 / 50 * 0.85; !approx(p.Confidence, want) {
		t.Errorf("confidence = %v, want %v", p.Confidence, want)
	}

	clock.Advance(90 * 24 * time.Hour)
	p, _ = mgr.Learn(ctx, Event{UserID: "alice", System: source.Jira, Action: storage.ActionViewed})
	if want := 27.0 / 50 * 0.7; !approx(p.Confidence, want) {
		t.Errorf("confidence = %v, want %v", p.Confidence, want)
	}
}

func TestLearn_Validation(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()

	if _, err := mgr.Learn(ctx, Event{UserID: "alice", Action: "clicked"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("err = %v, want ErrInvalidAction", err)
	}
	if _, err := mgr.Learn(ctx, Event{UserID: "alice", Action: storage.ActionViewed, Rating: 6}); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("err = %v, want ErrInvalidRating", err)
	}
}

func TestLearn_AnonymousRecordedNotLearned(t *testing.T) {
	store := newMockStore()
	mgr, _ := newTestManager(t, store)

	_, err := mgr.Learn(context.Background(), link("", source.GitHub, "1", "vpn"))
	if !errors.Is(err, ErrAnonymous) {
		t.Errorf("err = %v, want ErrAnonymous", err)
	}
	if len(store.interactions) != 1 || store.interactions[0].UserID != Anonymous {
		t.Errorf("interactions = %+v", store.interactions)
	}
	if len(store.profiles) != 0 {
		t.Error("anonymous user got a profile")
	}
}

func TestLearn_RecordsInteraction(t *testing.T) {
	store := newMockStore()
	mgr, _ := newTestManager(t, store)

	ev := link("alice", source.ServiceNow, "INC1", "vpn", "timeout")
	ev.Rating = 5
	ev.Team = "netops"
	if _, err := mgr.Learn(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(store.interactions) != 1 {
		t.Fatalf("interactions = %d, want 1", len(store.interactions))
	}
	in := store.interactions[0]
	if in.System != "SERVICENOW" || in.Team != "netops" || in.Rating != 5 || in.KeywordsJSON != `["vpn","timeout"]` {
		t.Errorf("interaction = %+v", in)
	}
}

func TestLearn_ConcurrentSameUser(t *testing.T) {
	mgr, _ := newTestManager(t, newMockStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := mgr.Learn(ctx, link("alice", source.GitHub, fmt.Sprint(i), "vpn")); err != nil {
				t.Errorf("Learn: %v", err)
			}
		}(i)
	}
	wg.Wait()

	p, err := mgr.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Patterns.Events != 50 || len(p.SuccessfulPatterns) != 50 {
		t.Errorf("events = %d, patterns = %d, want 50/50", p.Patterns.Events, len(p.SuccessfulPatterns))
	}
}

func TestManager_PersistsAcrossInstances(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	first, _ := newTestManager(t, st)
	if _, err := first.Learn(ctx, link("alice", source.GitHub, "1", "vpn")); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	second, _ := newTestManager(t, st)
	p, err := second.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Patterns.Links != 1 || !approx(p.SystemExpertise["GITHUB"], 0.05) {
		t.Errorf("profile = %+v", p)
	}
}
