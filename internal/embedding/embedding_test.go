package embedding

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kalambet/resolv/internal/ollama"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHash_DeterministicAndNormalized(t *testing.T) {
	h := NewHash(64)
	vecs, err := h.Embed(context.Background(), []string{"VPN certificate expired", "vpn CERTIFICATE expired", ""})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 || len(vecs[0]) != 64 {
		t.Fatalf("got %d vectors of %d dims, want 3 of 64", len(vecs), len(vecs[0]))
	}
	if c := cosine(vecs[0], vecs[1]); c < 0.999 {
		t.Errorf("case-only difference gave cosine %v, want 1", c)
	}
	var sum float64
	for _, v := range vecs[0] {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("norm^2 = %v, want 1", sum)
	}
	for _, v := range vecs[2] {
		if v != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
	if h.Semantic() {
		t.Error("hash provider must not report semantic")
	}
}

func TestHash_SharedTokensScoreHigher(t *testing.T) {
	h := NewHash(0)
	vecs, _ := h.Embed(context.Background(), []string{
		"database connection pool exhausted",
		"connection pool exhausted on database server",
		"printer out of paper on floor three",
	})
	related := cosine(vecs[0], vecs[1])
	unrelated := cosine(vecs[0], vecs[2])
	if related <= unrelated {
		t.Errorf("related cosine %v should exceed unrelated %v", related, unrelated)
	}
}

func TestOllama_Batches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i, s := range req.Input {
			out[i] = []float32{float32(len(s))}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	p := NewOllama(ollama.New(srv.URL), "nomic-embed-text", 2)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
	for i, v := range vecs {
		if v[0] != float32(len(texts[i])) {
			t.Errorf("vecs[%d] = %v, want [%d] (order preserved)", i, v, len(texts[i]))
		}
	}
}

func TestOllama_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllama(ollama.New(srv.URL), "m", 0)
	if _, err := p.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestOpenAI_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","model":"text-embedding-3-small",
			"data":[
				{"object":"embedding","index":1,"embedding":[0.5,0.25]},
				{"object":"embedding","index":0,"embedding":[1,0]}
			],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL+"/v1/", "sk-test", "")
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][0] != 0.5 {
		t.Errorf("vecs = %v, want ordered by index", vecs)
	}
	if !p.Semantic() {
		t.Error("openai provider should report semantic")
	}
}

func TestNew_FallsBackToHash(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()

	cases := []Options{
		{Provider: "hash"},
		{Provider: "ollama", BaseURL: down.URL, Model: "nomic-embed-text"},
		{Provider: "openai"},
		{Provider: "word2vec"},
	}
	for _, opts := range cases {
		p := New(context.Background(), opts, io.Discard)
		if p.Name() != "hash" {
			t.Errorf("New(%q) = %s, want hash", opts.Provider, p.Name())
		}
	}

	if p := New(context.Background(), Options{Provider: "openai", APIKey: "k"}, io.Discard); p.Name() != "openai:text-embedding-3-small" {
		t.Errorf("New(openai) = %s", p.Name())
	}
}
