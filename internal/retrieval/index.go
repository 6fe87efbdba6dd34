package retrieval

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Hit is one nearest-neighbor match: a document ID and its cosine similarity.
type Hit struct {
	ID    string
	Score float32
}

// Entry is one (document ID, vector) pair, used for persistence round-trips.
type Entry struct {
	ID     string
	Vector []float32
}

// Index is an in-memory nearest-neighbor structure over document vectors
// using brute-force cosine similarity. Vector norms are precomputed at add
// time so a search costs one dot product per stored vector.
type Index struct {
	mu      sync.RWMutex
	dim     int
	ids     []string
	pos     map[string]int
	vectors [][]float32
	norms   []float32
}

// NewIndex creates an empty index. The vector dimension is fixed by the
// first added vector.
func NewIndex() *Index {
	return &Index{pos: make(map[string]int)}
}

// Add inserts a (document ID, vector) pair. Dimension mismatches and
// duplicate IDs indicate a divergence between store and index and are
// surfaced, never silently tolerated.
func (ix *Index) Add(id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("adding %s: empty vector", id)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(vec)
	} else if len(vec) != ix.dim {
		return fmt.Errorf("adding %s: vector dimension %d, index dimension %d", id, len(vec), ix.dim)
	}
	if _, exists := ix.pos[id]; exists {
		return fmt.Errorf("adding %s: id already indexed", id)
	}

	ix.pos[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, vec)
	ix.norms = append(ix.norms, norm(vec))
	return nil
}

// Remove deletes the vector for the given document ID.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i, ok := ix.pos[id]
	if !ok {
		return false
	}
	last := len(ix.ids) - 1
	ix.ids[i] = ix.ids[last]
	ix.vectors[i] = ix.vectors[last]
	ix.norms[i] = ix.norms[last]
	ix.pos[ix.ids[i]] = i
	ix.ids = ix.ids[:last]
	ix.vectors = ix.vectors[:last]
	ix.norms = ix.norms[:last]
	delete(ix.pos, id)
	return true
}

// Count returns the number of indexed vectors.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Search returns the top-k most similar entries, ordered by descending
// score with ties broken by ID for deterministic output.
func (ix *Index) Search(query []float32, k int) []Hit {
	return ix.SearchFiltered(query, k, nil)
}

// SearchFiltered is Search restricted to IDs accepted by allow. A nil allow
// accepts everything.
func (ix *Index) SearchFiltered(query []float32, k int, allow func(id string) bool) []Hit {
	if k <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(ix.ids))
	for i, id := range ix.ids {
		if allow != nil && !allow(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: cosine(query, ix.vectors[i], queryNorm, ix.norms[i])})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Entries returns all (ID, vector) pairs in insertion order. Used by the
// persistence layer; the returned vectors are not copied.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries := make([]Entry, len(ix.ids))
	for i, id := range ix.ids {
		entries[i] = Entry{ID: id, Vector: ix.vectors[i]}
	}
	return entries
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm) with precomputed norms.
func cosine(a, b []float32, aNorm, bNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (float64(aNorm) * float64(bNorm)))
}
