package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/resolv/internal/embedding"
	"github.com/kalambet/resolv/internal/keywords"
	"github.com/kalambet/resolv/internal/storage"
	"github.com/kalambet/resolv/internal/vectorindex"
)

func TestParseSystem(t *testing.T) {
	cases := map[string]System{
		"GITHUB":         GitHub,
		"github":         GitHub,
		"ServiceNow":     ServiceNow,
		"service-now":    ServiceNow,
		"knowledge base": KnowledgeBase,
		"kb":             KnowledgeBase,
		" jira ":         Jira,
	}
	for in, want := range cases {
		got, err := ParseSystem(in)
		if err != nil || got != want {
			t.Errorf("ParseSystem(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSystem("slack"); !errors.Is(err, ErrUnknownSystem) {
		t.Errorf("ParseSystem(slack) error = %v, want ErrUnknownSystem", err)
	}
}

func TestParseSystems_Dedup(t *testing.T) {
	got, err := ParseSystems([]string{"jira", "JIRA", "github"})
	if err != nil {
		t.Fatalf("ParseSystems: %v", err)
	}
	if len(got) != 2 || got[0] != Jira || got[1] != GitHub {
		t.Errorf("ParseSystems = %v, want [JIRA GITHUB]", got)
	}
	if _, err := ParseSystems([]string{"jira", "fax"}); err == nil {
		t.Error("expected error for unknown system")
	}
}

func TestSystemJSON(t *testing.T) {
	b, err := json.Marshal(Candidate{System: SharePoint, ExternalID: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"system":"SHAREPOINT"`) {
		t.Errorf("json = %s, want system name", b)
	}
	var c Candidate
	if err := json.Unmarshal(b, &c); err != nil || c.System != SharePoint {
		t.Errorf("Unmarshal = %v, %v", c.System, err)
	}
	if _, err := json.Marshal(System(0)); err == nil {
		t.Error("expected error marshaling the zero System")
	}
	for _, s := range AllSystems() {
		if !s.Valid() || strings.HasPrefix(s.String(), "System(") {
			t.Errorf("system %d has no name", int(s))
		}
	}
}

func TestKeywordIndex(t *testing.T) {
	k := NewKeywordIndex()
	defer k.Close()

	k.Index(Confluence, "d1", "VPN certificate rotation", "Renew the gateway certificate before expiry.")
	k.Index(Confluence, "d2", "Printer jam", "Open tray two and remove paper.")
	k.Index(Jira, "d3", "VPN outage", "Gateway crashed")

	ids, err := k.Search(Confluence, []string{"certificate"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Errorf("Search = %v, want [d1]", ids)
	}

	if err := k.Delete(Confluence, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, _ = k.Search(Confluence, []string{"certificate"}, 10)
	if len(ids) != 0 {
		t.Errorf("after delete Search = %v, want none", ids)
	}

	if ids, err := k.Search(GitHub, []string{"vpn"}, 10); err != nil || ids != nil {
		t.Errorf("Search on empty system = %v, %v", ids, err)
	}
}

type fakeEmbedder struct {
	semantic bool
	fn       func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f.fn(ctx, texts)
}
func (f *fakeEmbedder) Semantic() bool { return f.semantic }
func (f *fakeEmbedder) Name() string   { return "fake" }

type testKB struct {
	store *storage.Store
	index *vectorindex.Index
	kw    *KeywordIndex
}

func newTestKB(t *testing.T) *testKB {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	kw := NewKeywordIndex()
	t.Cleanup(func() {
		kw.Close()
		store.Close()
	})
	return &testKB{store: store, index: vectorindex.New(store.DB(), 0), kw: kw}
}

func (kb *testKB) add(t *testing.T, p embedding.Provider, sys System, extID, title, content string) {
	t.Helper()
	ctx := context.Background()
	id, err := kb.store.SaveDocument(ctx, storage.Document{
		ID: "doc-" + extID, System: sys.String(), ExternalID: extID, Title: title, Content: content,
		URL: "https://kb.example.com/" + extID, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if p != nil {
		vecs, err := p.Embed(ctx, []string{title + " " + content})
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if _, err := kb.index.ReplaceOwner(ctx, id, []vectorindex.Chunk{{System: sys.String(), Text: content, Vector: vecs[0]}}); err != nil {
			t.Fatalf("ReplaceOwner: %v", err)
		}
	}
	kb.kw.Index(sys, id, title, content)
}

func TestKnowledgeSource_VectorPath(t *testing.T) {
	kb := newTestKB(t)
	hash := embedding.NewHash(256)
	kb.add(t, hash, Confluence, "KB-1", "VPN certificate expired", "vpn certificate expired after rotation on gateway")
	kb.add(t, hash, Confluence, "KB-2", "Printer", "printer paper jam on floor three")
	kb.add(t, hash, Jira, "OPS-1", "VPN certificate expired", "vpn certificate expired after rotation on gateway")

	src := NewKnowledgeSource(Confluence, kb.store, kb.index, hash, kb.kw, time.Second)
	if src.Threshold() != DegradedThreshold {
		t.Errorf("Threshold = %v, want %v for hash provider", src.Threshold(), DegradedThreshold)
	}

	got, err := src.Search(context.Background(), Query{
		Text:     "vpn certificate expired",
		Keywords: keywords.Extract("vpn certificate expired", 5),
	}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	c := got[0]
	if c.ExternalID != "KB-1" || c.System != Confluence {
		t.Errorf("candidate = %+v, want CONFLUENCE KB-1", c)
	}
	if c.RawScore < DegradedThreshold || c.RawScore == KeywordFallbackScore {
		t.Errorf("RawScore = %v, want a vector similarity above threshold", c.RawScore)
	}
	if c.URL != "https://kb.example.com/KB-1" {
		t.Errorf("URL = %q", c.URL)
	}
}

func TestKnowledgeSource_EmbeddingFailureFallsBackToKeywords(t *testing.T) {
	kb := newTestKB(t)
	kb.add(t, nil, ServiceNow, "KB0010", "OpenSSL upgrade", "After the openssl upgrade the portal rejects clients.")
	kb.add(t, nil, ServiceNow, "KB0011", "Password reset", "Self-service reset steps.")

	failing := &fakeEmbedder{semantic: true, fn: func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	}}
	src := NewKnowledgeSource(ServiceNow, kb.store, kb.index, failing, kb.kw, time.Second)

	got, err := src.Search(context.Background(), Query{
		Text:     "SSL error on portal",
		Keywords: []keywords.Keyword{{Word: "ssl", Weight: 2, Type: keywords.TypeTechnical}},
	}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "KB0010" {
		t.Fatalf("got %+v, want only KB0010 (substring match on openssl)", got)
	}
	if got[0].RawScore != KeywordFallbackScore {
		t.Errorf("RawScore = %v, want %v", got[0].RawScore, KeywordFallbackScore)
	}
}

func TestKnowledgeSource_BelowThresholdFallsBack(t *testing.T) {
	kb := newTestKB(t)
	orthogonal := &fakeEmbedder{semantic: true, fn: func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0.5, 0.5}
		}
		return out, nil
	}}
	ctx := context.Background()
	id, _ := kb.store.SaveDocument(ctx, storage.Document{ID: "d", System: "JIRA", ExternalID: "OPS-9", Title: "DNS timeout", Content: "resolver timeout"})
	// cos([0.5,0.5], [1,-0.2679]) = 0.5, below the semantic threshold.
	kb.index.ReplaceOwner(ctx, id, []vectorindex.Chunk{{System: "JIRA", Text: "resolver timeout", Vector: []float32{1, -0.2679}}})
	kb.kw.Index(Jira, id, "DNS timeout", "resolver timeout")

	src := NewKnowledgeSource(Jira, kb.store, kb.index, orthogonal, kb.kw, time.Second)
	got, err := src.Search(ctx, Query{Text: "dns timeout", Keywords: []keywords.Keyword{{Word: "timeout", Weight: 2}}}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].RawScore != KeywordFallbackScore {
		t.Errorf("got %+v, want keyword fallback hit", got)
	}
}

func TestKnowledgeSource_NoMatch(t *testing.T) {
	kb := newTestKB(t)
	src := NewKnowledgeSource(SharePoint, kb.store, kb.index, embedding.NewHash(64), kb.kw, time.Second)
	got, err := src.Search(context.Background(), Query{Text: "anything", Keywords: []keywords.Keyword{{Word: "anything", Weight: 1}}}, 5)
	if err != nil || len(got) != 0 {
		t.Errorf("Search on empty source = %+v, %v; want empty", got, err)
	}
}

func TestGitHubSource_Search(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/issues" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"total_count":3,"incomplete_results":false,"items":[
			{"id":101,"number":1,"title":"TLS handshake fails after cert rotation","body":"Rotate the intermediate cert.","html_url":"https://github.com/acme/ops/issues/1","created_at":"2025-01-02T03:04:05Z"},
			{"id":102,"number":2,"title":"Portal 401","body":"Token audience mismatch.","html_url":"https://github.com/acme/ops/issues/2","created_at":"2025-01-03T03:04:05Z"},
			{"id":103,"number":3,"title":"SSO loop","body":"Clear cookies.","html_url":"https://github.com/acme/ops/issues/3","created_at":"2025-01-04T03:04:05Z"}
		]}`)
	}))
	defer srv.Close()

	g, err := NewGitHubSource("", []string{"acme/ops"}).WithBaseURL(srv.URL)
	if err != nil {
		t.Fatalf("WithBaseURL: %v", err)
	}
	kws := keywords.Extract("401 error after SSL patch deployment on portal", 5)
	got, err := g.Search(context.Background(), Query{Keywords: kws}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(gotQuery, "repo:acme/ops") || !strings.Contains(gotQuery, "is:closed") {
		t.Errorf("query = %q, want repo and state qualifiers", gotQuery)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	if got[0].ExternalID != "101" || got[0].System != GitHub || got[0].URL != "https://github.com/acme/ops/issues/1" {
		t.Errorf("first candidate = %+v", got[0])
	}
	if got[0].RawScore != 0.9 || got[2].RawScore < 0.499 || got[2].RawScore > 0.501 {
		t.Errorf("scores = %v, %v; want 0.9 then 0.5", got[0].RawScore, got[2].RawScore)
	}
	if got[1].CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestGitHubSource_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g, _ := NewGitHubSource("tok", nil).WithBaseURL(srv.URL)
	_, err := g.Search(context.Background(), Query{Keywords: []keywords.Keyword{{Word: "vpn", Weight: 1}}}, 5)
	if err == nil {
		t.Fatal("expected error from failing github")
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("filler ", 100) + "the certificate expired yesterday " + strings.Repeat("tail ", 100)
	got := excerpt(long, []string{"certificate"}, 80)
	if !strings.Contains(got, "certificate") {
		t.Errorf("excerpt %q does not contain the keyword", got)
	}
	if n := len([]rune(got)); n != 80 {
		t.Errorf("excerpt length = %d, want 80", n)
	}
	if got := excerpt("short text", nil, 80); got != "short text" {
		t.Errorf("excerpt(short) = %q", got)
	}
}
