package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/19paoletto10-hub/twilio-sub000/internal/resilience"
)

// Provider is the consumer-side interface for raw embedding calls.
// The production implementation is llm.Client.
type Provider interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder wraps a Provider with a fixed model and a resilience policy
// (bounded retry, circuit breaker) for the external call.
type Embedder struct {
	provider Provider
	model    string
	caller   *resilience.Caller
}

// NewEmbedder creates an Embedder using the given Provider and model name.
func NewEmbedder(p Provider, model string) *Embedder {
	return &Embedder{
		provider: p,
		model:    model,
		caller:   resilience.NewCaller("embed"),
	}
}

// Model returns the embedding model identifier, recorded in the persistence
// manifest so an index is never served with vectors from a different model.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.caller.Do(ctx, func() error {
		var embedErr error
		vec, embedErr = e.provider.Embed(ctx, e.model, text)
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// deterministicDim is the vector dimension of the deterministic strategy.
const deterministicDim = 256

// DeterministicProvider is the named offline embedding strategy: vectors are
// derived from the SHA-256 of (model, text) and L2-normalized. Semantically
// meaningless but stable, which is what offline mode and tests need. It is
// selected explicitly at construction, never as a silent fallback.
type DeterministicProvider struct{}

// Embed derives a stable pseudo-vector for the given text.
func (DeterministicProvider) Embed(_ context.Context, model string, text string) ([]float32, error) {
	seed := sha256.Sum256([]byte(model + "\x00" + text))

	vec := make([]float32, deterministicDim)
	block := seed
	for i := 0; i < deterministicDim; i += 8 {
		block = sha256.Sum256(block[:])
		for j := 0; j < 8 && i+j < deterministicDim; j++ {
			bits := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
			// Map to [-1, 1).
			vec[i+j] = float32(int32(bits)) / float32(math.MaxInt32)
		}
	}

	n := norm(vec)
	if n == 0 {
		return nil, fmt.Errorf("deterministic embedding degenerated to zero vector")
	}
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}
