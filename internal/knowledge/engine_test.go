package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/19paoletto10-hub/twilio-sub000/internal/config"
	"github.com/19paoletto10-hub/twilio-sub000/internal/llm"
	"github.com/19paoletto10-hub/twilio-sub000/internal/persist"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

// mockChatter implements synthesis.Chatter for testing.
type mockChatter struct {
	chatFn func(ctx context.Context, model string, messages []llm.Message) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []llm.Message) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, model, messages)
	}
	return "synthesized answer", nil
}

// testConfig loads the deterministic-strategy configuration with an
// isolated data directory. Callers must have set SUB000_STRATEGY first.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, chat *mockChatter) *Engine {
	t.Helper()
	t.Setenv("SUB000_STRATEGY", "deterministic")

	if chat == nil {
		chat = &mockChatter{}
	}
	e, err := New(testConfig(t), WithChatter(chat))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustIngest(t *testing.T, e *Engine, text, category string) retrieval.Document {
	t.Helper()
	doc, created, err := e.Ingest(context.Background(), IngestRequest{Text: text, Category: category})
	if err != nil {
		t.Fatalf("Ingest(%q): %v", text, err)
	}
	if !created {
		t.Fatalf("Ingest(%q) reported duplicate on first insert", text)
	}
	return doc
}

func TestIngest_Dedup(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	doc := mustIngest(t, e, "duplicate me", "Business")

	again, created, err := e.Ingest(ctx, IngestRequest{Text: "duplicate me", Category: "Finance"})
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}
	if created {
		t.Error("duplicate ingest reported created=true")
	}
	if again.ID != doc.ID {
		t.Errorf("duplicate returned %s, want %s", again.ID, doc.ID)
	}

	status := e.Status()
	if status.DocumentCount != 1 || status.VectorCount != 1 {
		t.Errorf("status = %d docs / %d vectors, want 1/1", status.DocumentCount, status.VectorCount)
	}
}

func TestIngest_Validation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if _, _, err := e.Ingest(ctx, IngestRequest{Text: "   ", Category: "Business"}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("empty text = %v, want ErrEmptyText", err)
	}
	if _, _, err := e.Ingest(ctx, IngestRequest{Text: "x", Category: "Gossip"}); !errors.Is(err, retrieval.ErrUnknownCategory) {
		t.Errorf("unknown category = %v, want ErrUnknownCategory", err)
	}
}

func TestBuildIndex_DedupAndCount(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	mustIngest(t, e, "already present", "Legal")

	added, err := e.BuildIndex(ctx, []IngestRequest{
		{Text: "already present", Category: "Legal"},  // dup of existing
		{Text: "batch doc one", Category: "Business"},
		{Text: "batch doc one", Category: "Business"}, // dup within batch
		{Text: "batch doc two", Category: "Finance"},
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2 after dedup", added)
	}

	status := e.Status()
	if status.DocumentCount != 3 || status.VectorCount != 3 {
		t.Errorf("status = %d docs / %d vectors, want 3/3", status.DocumentCount, status.VectorCount)
	}
}

func TestBuildIndex_RejectsBadBatchWithoutMutating(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustIngest(t, e, "keep me", "Business")

	_, err := e.BuildIndex(ctx, []IngestRequest{
		{Text: "fine", Category: "Business"},
		{Text: "bad", Category: "NoSuchCategory"},
	})
	if !errors.Is(err, retrieval.ErrUnknownCategory) {
		t.Fatalf("BuildIndex = %v, want ErrUnknownCategory", err)
	}
	if got := e.Status().DocumentCount; got != 1 {
		t.Errorf("document count = %d after rejected batch, want 1", got)
	}
}

func TestSearch(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Search(ctx, "anything", 3); !errors.Is(err, retrieval.ErrEmptyIndex) {
		t.Errorf("Search on empty engine = %v, want ErrEmptyIndex", err)
	}
	if _, err := e.Search(ctx, "  ", 3); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Search with blank query = %v, want ErrEmptyQuery", err)
	}

	mustIngest(t, e, "interest rates held steady", "Finance")
	mustIngest(t, e, "new zoning approved downtown", "RealEstate")

	docs, err := e.Search(ctx, "interest rates held steady", 0) // default top-k
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) == 0 || docs[0].Text != "interest rates held steady" {
		t.Errorf("top result = %+v, want the exact-match document", docs)
	}
}

func TestSearchAllCategories(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	mustIngest(t, e, "series B closed", "Business")

	sections, err := e.SearchAllCategories(ctx, "funding")
	if err != nil {
		t.Fatalf("SearchAllCategories: %v", err)
	}
	taxonomy := e.Taxonomy()
	if len(sections) != len(taxonomy) {
		t.Fatalf("got %d sections, want %d", len(sections), len(taxonomy))
	}
	for i, category := range taxonomy {
		if sections[i].Category != category {
			t.Errorf("sections[%d] = %s, want %s", i, sections[i].Category, category)
		}
	}
}

func TestAnswer(t *testing.T) {
	chat := &mockChatter{
		chatFn: func(_ context.Context, _ string, messages []llm.Message) (string, error) {
			return "grounded answer", nil
		},
	}
	e := newTestEngine(t, chat)
	ctx := context.Background()
	mustIngest(t, e, "the facts of the matter", "Legal")

	answer, err := e.Answer(ctx, "what are the facts?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Text != "grounded answer" {
		t.Errorf("Text = %q", answer.Text)
	}
	if len(answer.Fragments) == 0 {
		t.Error("answer carries no fragments")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Setenv("SUB000_STRATEGY", "deterministic")
	cfg := testConfig(t)

	e, err := New(cfg, WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	mustIngest(t, e, "persist this", "Technology")
	mustIngest(t, e, "and this too", "Business")

	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh engine over the same data dir restores the state.
	restored, err := New(cfg, WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New restored: %v", err)
	}
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	status := restored.Status()
	if status.DocumentCount != 2 || status.VectorCount != 2 {
		t.Errorf("restored status = %d/%d, want 2/2", status.DocumentCount, status.VectorCount)
	}

	docs, err := restored.Search(ctx, "persist this", 1)
	if err != nil {
		t.Fatalf("Search after Load: %v", err)
	}
	if docs[0].Text != "persist this" {
		t.Errorf("restored top result = %q", docs[0].Text)
	}
}

func TestLoad_NotFound(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.Load(); !errors.Is(err, persist.ErrNotFound) {
		t.Errorf("Load with nothing saved = %v, want ErrNotFound", err)
	}
}

func TestLoad_ModelMismatch(t *testing.T) {
	t.Setenv("SUB000_STRATEGY", "deterministic")
	cfg := testConfig(t)

	e, err := New(cfg, WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustIngest(t, e, "saved under one model", "Business")
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg.Provider.EmbedModel = "some-other-model"
	other, err := New(cfg, WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Load(); !errors.Is(err, ErrModelMismatch) {
		t.Errorf("Load with different model = %v, want ErrModelMismatch", err)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	t.Setenv("SUB000_STRATEGY", "deterministic")

	src, err := New(testConfig(t), WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	mustIngest(t, src, "bundle me up", "Finance")

	bundle := filepath.Join(t.TempDir(), "bundle.tar.gz")
	if _, err := src.ExportFile(bundle); err != nil {
		t.Fatalf("ExportFile: %v", err)
	}

	dst, err := New(testConfig(t), WithChatter(&mockChatter{}))
	if err != nil {
		t.Fatalf("New dst: %v", err)
	}
	manifest, err := dst.Import(bundle)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if manifest.DocumentCount != 1 {
		t.Errorf("manifest declares %d documents, want 1", manifest.DocumentCount)
	}

	docs, err := dst.Search(ctx, "bundle me up", 1)
	if err != nil {
		t.Fatalf("Search after import: %v", err)
	}
	if docs[0].Text != "bundle me up" {
		t.Errorf("imported top result = %q", docs[0].Text)
	}
}

func TestImport_RejectionKeepsState(t *testing.T) {
	e := newTestEngine(t, nil)
	mustIngest(t, e, "still here after rejection", "Legal")

	garbage := filepath.Join(t.TempDir(), "garbage.tar.gz")
	if err := os.WriteFile(garbage, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Import(garbage); !errors.Is(err, persist.ErrImportRejected) {
		t.Fatalf("Import garbage = %v, want ErrImportRejected", err)
	}
	if got := e.Status().DocumentCount; got != 1 {
		t.Errorf("document count = %d after rejected import, want 1", got)
	}
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t, nil)

	status := e.Status()
	if status.Loaded {
		t.Error("fresh engine reports loaded")
	}
	if status.BackupComplete {
		t.Error("fresh engine reports backup-complete with nothing on disk")
	}
	if status.Strategy != config.StrategyDeterministic {
		t.Errorf("Strategy = %q", status.Strategy)
	}

	mustIngest(t, e, "now loaded", "Business")
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	status = e.Status()
	if !status.Loaded {
		t.Error("engine not loaded after ingest")
	}
	if !status.BackupComplete {
		t.Error("backup not complete after Save")
	}
	if status.Cache.Misses == 0 {
		t.Error("cache counters not tracked")
	}
}

func TestConcurrentSearchDuringIngest(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustIngest(t, e, "baseline document", "Business")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := e.Search(ctx, "baseline document", 3); err != nil {
				t.Errorf("concurrent Search: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		text := "concurrent doc " + string(rune('a'+i))
		if _, _, err := e.Ingest(ctx, IngestRequest{Text: text, Category: "Technology"}); err != nil {
			t.Fatalf("concurrent Ingest: %v", err)
		}
	}
	<-done
}
