// Package embedding turns text into fixed-length vectors. Backends are
// pluggable: a local Ollama model, an OpenAI-compatible API, or a
// deterministic hashing fallback used when no semantic model is reachable.
package embedding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/resolv/internal/ollama"
)

// Provider embeds a batch of texts. Implementations return exactly one vector
// per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Semantic reports whether vectors capture meaning. Retrieval trusts
	// similarity from a non-semantic provider less.
	Semantic() bool
	Name() string
}

// Options selects and configures a provider.
type Options struct {
	Provider  string // "ollama", "openai" or "hash"
	BaseURL   string
	Model     string
	APIKey    string
	BatchSize int
	HashDims  int
}

// New builds the configured provider. A semantic backend that is not
// reachable at startup is replaced by the hash provider so indexing and
// search keep working at a lower trust level.
func New(ctx context.Context, opts Options, w io.Writer) Provider {
	hash := NewHash(opts.HashDims)

	switch strings.ToLower(opts.Provider) {
	case "hash":
		return hash
	case "openai":
		if opts.APIKey == "" {
			slog.Warn("embedding: openai selected without api key, using hash provider")
			return hash
		}
		return NewOpenAI(opts.BaseURL, opts.APIKey, opts.Model)
	case "", "ollama":
		client := ollama.New(opts.BaseURL)
		if err := ollama.EnsureReady(ctx, client, opts.Model, w); err != nil {
			slog.Warn("embedding: ollama unavailable, using hash provider", "error", err)
			return hash
		}
		return NewOllama(client, opts.Model, opts.BatchSize)
	default:
		slog.Warn("embedding: unknown provider, using hash provider", "provider", opts.Provider)
		return hash
	}
}

// checkCount guards against backends that silently drop inputs.
func checkCount(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d embeddings for %d inputs", name, got, want)
	}
	return nil
}
