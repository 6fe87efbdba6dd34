package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testTaxonomy = []string{"Business", "RealEstate", "Technology", "Finance", "Legal"}

// newTestCorpus builds a retriever over the deterministic embedding strategy
// and ingests the given (text, category) pairs.
func newTestCorpus(t *testing.T, docs map[string]string) (*Retriever, *DocumentStore, *Index) {
	t.Helper()

	embedder := NewEmbedder(DeterministicProvider{}, "test-model")
	cache := NewCache(embedder, 64, time.Minute)
	store := NewDocumentStore()
	index := NewIndex()

	now := time.Now().UTC()
	for text, category := range docs {
		doc := makeDoc(text, category, now)
		vec, err := embedder.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("embedding %q: %v", text, err)
		}
		store.Put(doc)
		if err := index.Add(doc.ID, vec); err != nil {
			t.Fatalf("indexing %q: %v", text, err)
		}
	}

	return NewRetriever(cache, index, store, testTaxonomy, 2), store, index
}

func TestRetrieve_EmptyIndex(t *testing.T) {
	r, _, _ := newTestCorpus(t, nil)
	_, err := r.Retrieve(context.Background(), "anything", 5)
	if !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("Retrieve on empty corpus = %v, want ErrEmptyIndex", err)
	}
}

func TestRetrieve_TopK(t *testing.T) {
	r, _, _ := newTestCorpus(t, map[string]string{
		"quarterly revenue grew":     "Business",
		"office vacancy rates":       "RealEstate",
		"new framework released":     "Technology",
		"bond yields inverted":       "Finance",
		"contract clause disputed":   "Legal",
	})

	docs, err := r.Retrieve(context.Background(), "quarterly revenue grew", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("Retrieve returned %d documents, want 3", len(docs))
	}

	// The query text is itself in the corpus; its deterministic vector
	// matches exactly, so it must rank first with score ~1.
	if docs[0].Text != "quarterly revenue grew" {
		t.Errorf("top result = %q, want the exact match", docs[0].Text)
	}
	if docs[0].Score < 0.999 {
		t.Errorf("exact match scored %f, want ~1", docs[0].Score)
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].Score > docs[i-1].Score {
			t.Error("results not in descending score order")
		}
	}
}

func TestRetrieveAllCategories_OneSectionPerCategory(t *testing.T) {
	r, _, _ := newTestCorpus(t, map[string]string{
		"merger announced":    "Business",
		"earnings beat":       "Business",
		"ipo filed":           "Business",
		"zoning law changed":  "RealEstate",
	})

	sections, err := r.RetrieveAllCategories(context.Background(), "what happened?")
	if err != nil {
		t.Fatalf("RetrieveAllCategories: %v", err)
	}

	if len(sections) != len(testTaxonomy) {
		t.Fatalf("got %d sections, want %d", len(sections), len(testTaxonomy))
	}
	for i, category := range testTaxonomy {
		if sections[i].Category != category {
			t.Errorf("sections[%d].Category = %s, want %s", i, sections[i].Category, category)
		}
	}

	byCategory := make(map[string]CategorySection)
	for _, s := range sections {
		byCategory[s.Category] = s
	}
	if n := len(byCategory["Business"].Documents); n != 2 {
		t.Errorf("Business has %d documents, want perCategoryK=2", n)
	}
	if n := len(byCategory["RealEstate"].Documents); n != 1 {
		t.Errorf("RealEstate has %d documents, want 1", n)
	}
	for _, empty := range []string{"Technology", "Finance", "Legal"} {
		section := byCategory[empty]
		if !section.Empty() {
			t.Errorf("%s should be an explicit empty section, got %d documents",
				empty, len(section.Documents))
		}
		if section.Documents == nil {
			t.Errorf("%s has a nil Documents slice, want an empty one", empty)
		}
	}
}

func TestRetrieveAllCategories_NoCrossCategoryLeak(t *testing.T) {
	r, _, _ := newTestCorpus(t, map[string]string{
		"lease agreement terms": "RealEstate",
		"patent filing process": "Legal",
	})

	sections, err := r.RetrieveAllCategories(context.Background(), "agreement")
	if err != nil {
		t.Fatalf("RetrieveAllCategories: %v", err)
	}
	for _, section := range sections {
		for _, doc := range section.Documents {
			if doc.Category != section.Category {
				t.Errorf("section %s contains a %s document", section.Category, doc.Category)
			}
		}
	}
}

func TestRetrieveAllCategories_EmptyCorpus(t *testing.T) {
	r, _, _ := newTestCorpus(t, nil)

	sections, err := r.RetrieveAllCategories(context.Background(), "anything")
	if err != nil {
		t.Fatalf("RetrieveAllCategories on empty corpus: %v", err)
	}
	if len(sections) != len(testTaxonomy) {
		t.Fatalf("got %d sections, want %d", len(sections), len(testTaxonomy))
	}
	for _, s := range sections {
		if !s.Empty() {
			t.Errorf("section %s not empty on an empty corpus", s.Category)
		}
	}
}

func TestRetrieve_DivergedStoreSurfaces(t *testing.T) {
	r, store, _ := newTestCorpus(t, map[string]string{
		"soon to vanish": "Business",
	})
	// Remove the document but leave its vector behind.
	store.Delete(DocumentID(HashContent("soon to vanish")))

	if _, err := r.Retrieve(context.Background(), "soon to vanish", 1); err == nil {
		t.Error("Retrieve succeeded over a diverged store and index")
	}
}

// constantProvider returns the same vector for every text, forcing score ties.
type constantProvider struct{ vec []float32 }

func (p constantProvider) Embed(context.Context, string, string) ([]float32, error) {
	return p.vec, nil
}

func TestRetrieve_TieAtCutPrefersRecent(t *testing.T) {
	vec := []float32{1, 0, 0}
	cache := NewCache(NewEmbedder(constantProvider{vec: vec}, "test-model"), 64, time.Minute)
	store := NewDocumentStore()
	index := NewIndex()

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// The older document sorts first by ID; only ingestion time can rank
	// the newer one above it at the top-k cut.
	docs := []Document{
		{ID: "aaa", Text: "older", Category: "Business", ContentHash: "hash-aaa", IngestedAt: older},
		{ID: "zzz", Text: "newer", Category: "Business", ContentHash: "hash-zzz", IngestedAt: older.Add(time.Hour)},
	}
	for _, doc := range docs {
		store.Put(doc)
		if err := index.Add(doc.ID, vec); err != nil {
			t.Fatalf("indexing %s: %v", doc.ID, err)
		}
	}
	r := NewRetriever(cache, index, store, testTaxonomy, 1)

	got, err := r.Retrieve(context.Background(), "query", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "zzz" {
		t.Fatalf("Retrieve(k=1) = %+v, want the newer document zzz", got)
	}

	sections, err := r.RetrieveAllCategories(context.Background(), "query")
	if err != nil {
		t.Fatalf("RetrieveAllCategories: %v", err)
	}
	if n := len(sections[0].Documents); n != 1 {
		t.Fatalf("Business section has %d documents, want 1", n)
	}
	if sections[0].Documents[0].ID != "zzz" {
		t.Errorf("Business section top = %s, want the newer document zzz", sections[0].Documents[0].ID)
	}
}

func TestSortDeterministic_TieBreaks(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	docs := []ScoredDocument{
		{Document: Document{ID: "b", IngestedAt: older}, Score: 0.5},
		{Document: Document{ID: "a", IngestedAt: older}, Score: 0.5},
		{Document: Document{ID: "c", IngestedAt: newer}, Score: 0.5},
		{Document: Document{ID: "d", IngestedAt: older}, Score: 0.9},
	}
	sortDeterministic(docs)

	want := []string{"d", "c", "a", "b"}
	for i, id := range want {
		if docs[i].ID != id {
			t.Errorf("docs[%d].ID = %s, want %s", i, docs[i].ID, id)
		}
	}
}
