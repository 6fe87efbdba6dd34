package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

func testSnapshot(t *testing.T) Snapshot {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var docs []retrieval.Document
	var vectors []retrieval.Entry
	for i, text := range []string{"first doc", "second doc", "third doc"} {
		hash := retrieval.HashContent(text)
		doc := retrieval.Document{
			ID:          retrieval.DocumentID(hash),
			Text:        text,
			Category:    "Business",
			SourceURL:   "https://example.com",
			ContentHash: hash,
			IngestedAt:  now.Add(time.Duration(i) * time.Second),
		}
		docs = append(docs, doc)
		vectors = append(vectors, retrieval.Entry{
			ID:     doc.ID,
			Vector: []float32{float32(i), 0.5, -1.25},
		})
	}

	return Snapshot{
		EmbedModel: "test-model",
		Taxonomy:   []string{"Business", "Legal"},
		Documents:  docs,
		Vectors:    vectors,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "index"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	snap := testSnapshot(t)

	if err := m.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.EmbedModel != snap.EmbedModel {
		t.Errorf("EmbedModel = %q, want %q", loaded.EmbedModel, snap.EmbedModel)
	}
	if len(loaded.Documents) != len(snap.Documents) {
		t.Fatalf("loaded %d documents, want %d", len(loaded.Documents), len(snap.Documents))
	}
	for i, doc := range snap.Documents {
		got := loaded.Documents[i]
		if got.ID != doc.ID || got.Text != doc.Text || got.Category != doc.Category {
			t.Errorf("document %d = %+v, want %+v", i, got, doc)
		}
		if !got.IngestedAt.Equal(doc.IngestedAt) {
			t.Errorf("document %d IngestedAt = %v, want %v", i, got.IngestedAt, doc.IngestedAt)
		}
	}
	if len(loaded.Vectors) != len(snap.Vectors) {
		t.Fatalf("loaded %d vectors, want %d", len(loaded.Vectors), len(snap.Vectors))
	}
	for i, entry := range snap.Vectors {
		got := loaded.Vectors[i]
		if got.ID != entry.ID {
			t.Errorf("vector %d ID = %s, want %s", i, got.ID, entry.ID)
		}
		for j := range entry.Vector {
			if got.Vector[j] != entry.Vector[j] {
				t.Errorf("vector %d component %d = %f, want %f", i, j, got.Vector[j], entry.Vector[j])
			}
		}
	}
}

func TestLoad_NotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load with no index = %v, want ErrNotFound", err)
	}
}

func TestSave_RefusesDivergedCounts(t *testing.T) {
	m := newTestManager(t)
	snap := testSnapshot(t)
	snap.Vectors = snap.Vectors[:1]

	if err := m.Save(snap); err == nil {
		t.Error("Save accepted diverged document/vector counts")
	}
}

func TestSave_ReplacesPreviousState(t *testing.T) {
	m := newTestManager(t)
	snap := testSnapshot(t)
	if err := m.Save(snap); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	snap.Documents = snap.Documents[:1]
	snap.Vectors = snap.Vectors[:1]
	if err := m.Save(snap); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Documents) != 1 {
		t.Errorf("loaded %d documents, want the replacement state's 1", len(loaded.Documents))
	}
	if _, err := os.Stat(m.Root() + ".old"); !os.IsNotExist(err) {
		t.Error("stale .old directory left behind after swap")
	}
}

func TestLoad_CorruptMissingFile(t *testing.T) {
	m := newTestManager(t)
	if err := m.Save(testSnapshot(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	os.Remove(filepath.Join(m.Root(), VectorsFile))
	if _, err := m.Load(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load with missing file = %v, want ErrCorrupt", err)
	}
}

func TestLoad_CorruptSizeMismatch(t *testing.T) {
	m := newTestManager(t)
	if err := m.Save(testSnapshot(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(m.Root(), VectorsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading vectors: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-4], 0o644); err != nil {
		t.Fatalf("truncating vectors: %v", err)
	}

	if _, err := m.Load(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load with truncated file = %v, want ErrCorrupt", err)
	}
}

func TestLoad_CorruptOrphanVector(t *testing.T) {
	m := newTestManager(t)
	snap := testSnapshot(t)
	snap.Vectors[2].ID = "not-a-document"
	// Bypass Save's count check by writing a consistent-looking snapshot
	// whose vector IDs do not all resolve to documents.
	if err := m.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := m.Load(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load with orphan vector = %v, want ErrCorrupt", err)
	}
}

func TestVerify(t *testing.T) {
	m := newTestManager(t)
	if err := m.Verify(); err == nil {
		t.Error("Verify passed with no persisted index")
	}

	if err := m.Save(testSnapshot(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify after Save: %v", err)
	}
}

func TestVectorsCodec_EmptySnapshot(t *testing.T) {
	m := newTestManager(t)
	snap := Snapshot{EmbedModel: "m", Taxonomy: []string{"Business"}}

	if err := m.Save(snap); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if len(loaded.Documents) != 0 || len(loaded.Vectors) != 0 {
		t.Errorf("empty snapshot round-tripped to %d docs, %d vectors",
			len(loaded.Documents), len(loaded.Vectors))
	}
}
