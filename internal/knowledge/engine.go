// Package knowledge wires the retrieval, synthesis, and persistence layers
// into one engine with a single-writer discipline: reads run concurrently,
// while ingest, rebuild, save, load, and import serialize against each other.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/19paoletto10-hub/twilio-sub000/internal/config"
	"github.com/19paoletto10-hub/twilio-sub000/internal/llm"
	"github.com/19paoletto10-hub/twilio-sub000/internal/persist"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
	"github.com/19paoletto10-hub/twilio-sub000/internal/synthesis"
)

var (
	// ErrEmptyText is returned when a document with no content is ingested.
	ErrEmptyText = errors.New("document text is empty")

	// ErrEmptyQuery is returned when a search or answer query is empty.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrModelMismatch is returned when a persisted index was built with a
	// different embedding model than the engine is configured with. Mixing
	// vector spaces produces garbage similarities, so it is refused outright.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// IngestRequest is one document to add to the knowledge base.
type IngestRequest struct {
	Text      string `json:"text"`
	Category  string `json:"category"`
	SourceURL string `json:"source_url,omitempty"`
}

// Engine is the facade over the whole knowledge base: document store,
// vector index, embedding cache, answer synthesis, and persistence.
type Engine struct {
	cfg     config.Config
	cache   *retrieval.Cache
	synth   *synthesis.Synthesizer
	manager *persist.Manager
	log     *slog.Logger

	// writeMu serializes every mutating operation end to end, including the
	// embedding calls they make. mu guards the component pointers below; it
	// is held only for pointer reads and swaps, never across network I/O.
	writeMu sync.Mutex
	mu      sync.RWMutex
	store   *retrieval.DocumentStore
	index   *retrieval.Index
	ret     *retrieval.Retriever
	loaded  bool
}

// Option customizes engine construction. Used by tests to substitute the
// provider or chat backend.
type Option func(*options)

type options struct {
	provider retrieval.Provider
	chatter  synthesis.Chatter
	logger   *slog.Logger
}

// WithProvider overrides the embedding provider selected by the strategy.
func WithProvider(p retrieval.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithChatter overrides the chat backend used for answer synthesis.
func WithChatter(c synthesis.Chatter) Option {
	return func(o *options) { o.chatter = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New constructs an Engine from the given configuration. The embedding
// strategy is fixed here: "openai" talks to the configured provider,
// "deterministic" derives vectors from content hashes. There is no runtime
// fallback from one to the other.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	client := llm.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	if o.provider == nil {
		switch cfg.Engine.Strategy {
		case config.StrategyDeterministic:
			o.provider = retrieval.DeterministicProvider{}
		default:
			o.provider = client
		}
	}
	if o.chatter == nil {
		o.chatter = client
	}

	manager, err := persist.NewManager(filepath.Join(cfg.Storage.DataDir, "index"))
	if err != nil {
		return nil, err
	}

	embedder := retrieval.NewEmbedder(o.provider, cfg.Provider.EmbedModel)
	cache := retrieval.NewCache(embedder, cfg.Engine.CacheCapacity, cfg.Engine.CacheTTL)

	e := &Engine{
		cfg:     cfg,
		cache:   cache,
		synth:   synthesis.New(o.chatter, cfg.Provider.ChatModel, 0),
		manager: manager,
		log:     o.logger,
	}
	e.install(retrieval.NewDocumentStore(), retrieval.NewIndex(), false)
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Taxonomy returns the fixed ordered category list.
func (e *Engine) Taxonomy() []string { return e.cfg.Engine.Taxonomy }

// install swaps in a new store/index pair and rebuilds the retriever over
// them. Callers that must exclude concurrent writers hold writeMu.
func (e *Engine) install(store *retrieval.DocumentStore, index *retrieval.Index, loaded bool) {
	ret := retrieval.NewRetriever(e.cache, index, store, e.cfg.Engine.Taxonomy, e.cfg.Engine.PerCategoryK)

	e.mu.Lock()
	e.store = store
	e.index = index
	e.ret = ret
	e.loaded = loaded
	e.mu.Unlock()
}

// components returns the current store/index/retriever snapshot. A query
// running on a snapshot finishes on it even if a rebuild swaps in new state
// mid-flight.
func (e *Engine) components() (*retrieval.DocumentStore, *retrieval.Index, *retrieval.Retriever) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store, e.index, e.ret
}

func (e *Engine) checkRequest(req *IngestRequest) error {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return ErrEmptyText
	}
	if !slices.Contains(e.cfg.Engine.Taxonomy, req.Category) {
		return fmt.Errorf("%w: %q (known: %s)", retrieval.ErrUnknownCategory,
			req.Category, strings.Join(e.cfg.Engine.Taxonomy, ", "))
	}
	return nil
}

// Ingest adds a single document. Ingestion is idempotent on content: a
// document whose text hashes to an already-stored document returns the
// existing entry with created=false and makes no provider call.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (retrieval.Document, bool, error) {
	if err := e.checkRequest(&req); err != nil {
		return retrieval.Document{}, false, err
	}
	hash := retrieval.HashContent(req.Text)

	store, _, _ := e.components()
	if doc, ok := store.GetByHash(hash); ok {
		return doc, false, nil
	}

	vec, err := e.cache.GetOrCompute(ctx, req.Text)
	if err != nil {
		return retrieval.Document{}, false, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// The store may have gained this document while we were embedding.
	store, index, _ := e.components()
	if doc, ok := store.GetByHash(hash); ok {
		return doc, false, nil
	}

	doc := retrieval.Document{
		ID:          retrieval.DocumentID(hash),
		Text:        req.Text,
		Category:    req.Category,
		SourceURL:   req.SourceURL,
		ContentHash: hash,
		IngestedAt:  time.Now().UTC(),
	}
	// Store before index: a concurrent search may miss the new vector but
	// must never resolve an index hit to a missing document.
	store.Put(doc)
	if err := index.Add(doc.ID, vec); err != nil {
		store.Delete(doc.ID)
		return retrieval.Document{}, false, fmt.Errorf("indexing %s: %w", doc.ID, err)
	}

	e.mu.Lock()
	e.loaded = true
	e.mu.Unlock()

	e.log.Debug("document ingested", "id", doc.ID, "category", doc.Category)
	return doc, true, nil
}

// BuildIndex ingests a batch of documents and atomically swaps the rebuilt
// store and index into place: queries see either the pre-batch state or the
// complete post-batch state, never a partial one. Returns the number of
// documents actually added after dedup.
func (e *Engine) BuildIndex(ctx context.Context, reqs []IngestRequest) (int, error) {
	for i := range reqs {
		if err := e.checkRequest(&reqs[i]); err != nil {
			return 0, fmt.Errorf("document %d: %w", i, err)
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	store, index, _ := e.components()
	newStore := retrieval.NewDocumentStore()
	newIndex := retrieval.NewIndex()
	for _, doc := range store.All() {
		newStore.Put(doc)
	}
	for _, entry := range index.Entries() {
		if err := newIndex.Add(entry.ID, entry.Vector); err != nil {
			return 0, fmt.Errorf("copying index: %w", err)
		}
	}

	// Dedup against existing documents and within the batch itself.
	type pendingDoc struct {
		req  IngestRequest
		hash string
	}
	var pending []pendingDoc
	seen := make(map[string]bool)
	for _, req := range reqs {
		hash := retrieval.HashContent(req.Text)
		if seen[hash] {
			continue
		}
		if _, ok := newStore.GetByHash(hash); ok {
			continue
		}
		seen[hash] = true
		pending = append(pending, pendingDoc{req: req, hash: hash})
	}

	vecs := make([][]float32, len(pending))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range pending {
		g.Go(func() error {
			vec, err := e.cache.GetOrCompute(gCtx, p.req.Text)
			if err != nil {
				return fmt.Errorf("embedding document %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for i, p := range pending {
		doc := retrieval.Document{
			ID:          retrieval.DocumentID(p.hash),
			Text:        p.req.Text,
			Category:    p.req.Category,
			SourceURL:   p.req.SourceURL,
			ContentHash: p.hash,
			IngestedAt:  now,
		}
		newStore.Put(doc)
		if err := newIndex.Add(doc.ID, vecs[i]); err != nil {
			return 0, fmt.Errorf("indexing %s: %w", doc.ID, err)
		}
	}

	e.install(newStore, newIndex, true)
	e.log.Info("index rebuilt", "added", len(pending), "total", newStore.Count())
	return len(pending), nil
}

// Search embeds the query and returns the top-k most similar documents
// across all categories. A k <= 0 uses the configured default.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]retrieval.ScoredDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = e.cfg.Engine.TopK
	}
	_, _, ret := e.components()
	return ret.Retrieve(ctx, query, k)
}

// SearchAllCategories embeds the query once and returns one ranked section
// per taxonomy category, in taxonomy order, with explicit empty sections
// for categories holding no documents.
func (e *Engine) SearchAllCategories(ctx context.Context, query string) ([]retrieval.CategorySection, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	_, _, ret := e.components()
	return ret.RetrieveAllCategories(ctx, query)
}

// Answer retrieves the top-k fragments for the query and synthesizes one
// focused answer from them.
func (e *Engine) Answer(ctx context.Context, query string) (synthesis.Answer, error) {
	fragments, err := e.Search(ctx, query, e.cfg.Engine.TopK)
	if err != nil {
		return synthesis.Answer{}, err
	}
	return e.synth.Answer(ctx, query, fragments)
}

// AnswerAllCategories synthesizes a category-structured answer: one block
// per taxonomy category with explicit "no data" notes for empty ones.
func (e *Engine) AnswerAllCategories(ctx context.Context, query string) (synthesis.Answer, error) {
	sections, err := e.SearchAllCategories(ctx, query)
	if err != nil {
		return synthesis.Answer{}, err
	}
	return e.synth.AnswerAllCategories(ctx, query, sections)
}

// Save persists the current store and index to disk with an atomic
// directory swap.
func (e *Engine) Save() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.saveLocked()
}

func (e *Engine) saveLocked() error {
	store, index, _ := e.components()
	snap := persist.Snapshot{
		EmbedModel: e.cache.Model(),
		Taxonomy:   e.cfg.Engine.Taxonomy,
		Documents:  store.All(),
		Vectors:    index.Entries(),
	}
	if err := e.manager.Save(snap); err != nil {
		return err
	}
	e.log.Info("index saved", "documents", len(snap.Documents), "path", e.manager.Root())
	return nil
}

// Load replaces the in-memory state with the persisted index. Returns
// persist.ErrNotFound when nothing has been saved yet and ErrModelMismatch
// when the persisted vectors were produced by a different embedding model.
func (e *Engine) Load() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.loadLocked()
}

func (e *Engine) loadLocked() error {
	snap, err := e.manager.Load()
	if err != nil {
		return err
	}
	if snap.EmbedModel != e.cache.Model() {
		return fmt.Errorf("%w: persisted index uses %q, engine configured with %q",
			ErrModelMismatch, snap.EmbedModel, e.cache.Model())
	}
	if !slices.Equal(snap.Taxonomy, e.cfg.Engine.Taxonomy) {
		e.log.Warn("persisted taxonomy differs from configured taxonomy",
			"persisted", snap.Taxonomy, "configured", e.cfg.Engine.Taxonomy)
	}

	store := retrieval.NewDocumentStore()
	index := retrieval.NewIndex()
	for _, doc := range snap.Documents {
		store.Put(doc)
	}
	for _, entry := range snap.Vectors {
		if err := index.Add(entry.ID, entry.Vector); err != nil {
			return fmt.Errorf("rebuilding index: %w", err)
		}
	}

	e.install(store, index, true)
	e.log.Info("index loaded", "documents", store.Count())
	return nil
}

// Export saves the current state and writes it as a portable bundle to w.
func (e *Engine) Export(w io.Writer) (persist.Manifest, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.saveLocked(); err != nil {
		return persist.Manifest{}, err
	}
	return e.manager.Export(w)
}

// ExportFile is Export writing to a file at path.
func (e *Engine) ExportFile(path string) (persist.Manifest, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.saveLocked(); err != nil {
		return persist.Manifest{}, err
	}
	return e.manager.ExportFile(path)
}

// Import validates the bundle at path, swaps it into the persisted location,
// and reloads the in-memory state from it. A rejected bundle leaves both the
// persisted and in-memory state untouched.
func (e *Engine) Import(path string) (persist.Manifest, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	manifest, err := e.manager.Import(path, e.cfg.Storage.BundleMaxBytes, e.cache.Model())
	if err != nil {
		return persist.Manifest{}, err
	}
	if err := e.loadLocked(); err != nil {
		return persist.Manifest{}, err
	}
	e.log.Info("bundle imported", "bundle_id", manifest.BundleID, "documents", manifest.DocumentCount)
	return manifest, nil
}
