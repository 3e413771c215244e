package embedding

import (
	"context"
	"fmt"

	"github.com/kalambet/resolv/internal/ollama"
	"golang.org/x/sync/errgroup"
)

const defaultBatchSize = 16

// Ollama embeds through a local Ollama model.
type Ollama struct {
	client    *ollama.Client
	model     string
	batchSize int
}

func NewOllama(client *ollama.Client, model string, batchSize int) *Ollama {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Ollama{client: client, model: model, batchSize: batchSize}
}

func (o *Ollama) Name() string   { return "ollama:" + o.model }
func (o *Ollama) Semantic() bool { return true }

// Embed splits texts into batches and embeds them concurrently.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += o.batchSize {
		start := start
		end := start + o.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := o.client.Embed(gCtx, o.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch at %d: %w", start, err)
			}
			if err := checkCount(o.Name(), len(vecs), end-start); err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
