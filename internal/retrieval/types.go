// Package retrieval owns the document store, the in-memory vector index,
// the embedding cache, and category-balanced retrieval over a fixed taxonomy.
package retrieval

import (
	"errors"
	"time"
)

// ErrEmptyIndex is returned by similarity search when no documents have been
// ingested. Callers must handle it explicitly instead of receiving an empty,
// ambiguous result.
var ErrEmptyIndex = errors.New("empty index")

// ErrUnknownCategory is returned when an ingested document carries a category
// outside the configured taxonomy.
var ErrUnknownCategory = errors.New("unknown category")

// Document is one ingested unit of text. Immutable once created; its ID is
// derived from the content hash, so re-ingesting identical content is a no-op.
type Document struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Category    string    `json:"category"`
	SourceURL   string    `json:"source_url,omitempty"`
	ContentHash string    `json:"content_hash"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// ScoredDocument is a Document with a similarity score attached.
type ScoredDocument struct {
	Document
	Score float32 `json:"score"`
}

// CategorySection holds the retrieval results for a single taxonomy
// category. An empty Documents slice is the explicit no-data marker; the
// section itself is never omitted from category-balanced results.
type CategorySection struct {
	Category  string           `json:"category"`
	Documents []ScoredDocument `json:"documents"`
}

// Empty reports whether the section carries the no-data marker.
func (s CategorySection) Empty() bool { return len(s.Documents) == 0 }
