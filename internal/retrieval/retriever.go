package retrieval

import (
	"context"
	"fmt"
	"sort"
)

// Retriever combines the embedding cache, vector index, and document store
// to serve similarity queries. Its category-balanced mode guarantees one
// section per taxonomy category regardless of what the corpus contains:
// plain global top-k over a mixed corpus starves minority categories.
type Retriever struct {
	cache        *Cache
	index        *Index
	store        *DocumentStore
	taxonomy     []string
	perCategoryK int
}

// NewRetriever creates a Retriever over the given components. The taxonomy
// slice fixes both the category set and the output order.
func NewRetriever(cache *Cache, index *Index, store *DocumentStore, taxonomy []string, perCategoryK int) *Retriever {
	if perCategoryK <= 0 {
		perCategoryK = 2
	}
	return &Retriever{
		cache:        cache,
		index:        index,
		store:        store,
		taxonomy:     taxonomy,
		perCategoryK: perCategoryK,
	}
}

// Taxonomy returns the fixed ordered category list.
func (r *Retriever) Taxonomy() []string { return r.taxonomy }

// Retrieve embeds the query and returns the top-k most similar documents.
// Returns ErrEmptyIndex when no documents exist.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if r.index.Count() == 0 {
		return nil, ErrEmptyIndex
	}

	vec, err := r.cache.GetOrCompute(ctx, query)
	if err != nil {
		return nil, err
	}

	// Resolve every hit before cutting to k: the index orders score ties by
	// ID only, and the cut must respect ingestion time ahead of ID.
	docs, err := r.resolve(r.index.Search(vec, r.index.Count()))
	if err != nil {
		return nil, err
	}
	sortDeterministic(docs)
	if len(docs) > k {
		docs = docs[:k]
	}
	return docs, nil
}

// RetrieveAllCategories embeds the query once and ranks each taxonomy
// category's documents independently, returning exactly one section per
// category in taxonomy order. Categories with no documents get an explicit
// empty section, never another category's results. An empty corpus yields
// all-empty sections rather than an error.
func (r *Retriever) RetrieveAllCategories(ctx context.Context, query string) ([]CategorySection, error) {
	vec, err := r.cache.GetOrCompute(ctx, query)
	if err != nil {
		return nil, err
	}

	sections := make([]CategorySection, 0, len(r.taxonomy))
	for _, category := range r.taxonomy {
		section := CategorySection{Category: category, Documents: []ScoredDocument{}}

		allowed := r.store.ByCategory(category)
		if len(allowed) > 0 {
			hits := r.index.SearchFiltered(vec, len(allowed), func(id string) bool {
				return allowed[id]
			})
			docs, err := r.resolve(hits)
			if err != nil {
				return nil, err
			}
			sortDeterministic(docs)
			if len(docs) > r.perCategoryK {
				docs = docs[:r.perCategoryK]
			}
			section.Documents = docs
		}

		sections = append(sections, section)
	}
	return sections, nil
}

// resolve maps index hits back to full documents. A hit without a stored
// document means the index and store diverged, which is corruption and is
// surfaced rather than skipped.
func (r *Retriever) resolve(hits []Hit) ([]ScoredDocument, error) {
	docs := make([]ScoredDocument, 0, len(hits))
	for _, h := range hits {
		doc, ok := r.store.Get(h.ID)
		if !ok {
			return nil, fmt.Errorf("index entry %s has no stored document: store and index diverged", h.ID)
		}
		docs = append(docs, ScoredDocument{Document: doc, Score: h.Score})
	}
	return docs, nil
}

// sortDeterministic orders results by descending similarity, breaking ties
// by most recent ingestion time and then by ID, so output is stable.
func sortDeterministic(docs []ScoredDocument) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		if !docs[i].IngestedAt.Equal(docs[j].IngestedAt) {
			return docs[i].IngestedAt.After(docs[j].IngestedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
