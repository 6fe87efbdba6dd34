package knowledge

import "github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"

// Status is a point-in-time view of the engine: corpus size, embedding
// configuration, cache counters, and whether the persisted copy on disk is
// complete enough to restore from.
type Status struct {
	Loaded         bool                 `json:"loaded"`
	DocumentCount  int                  `json:"document_count"`
	VectorCount    int                  `json:"vector_count"`
	Strategy       string               `json:"strategy"`
	EmbedModel     string               `json:"embed_model"`
	Taxonomy       []string             `json:"taxonomy"`
	BackupComplete bool                 `json:"backup_complete"`
	Cache          retrieval.CacheStats `json:"cache"`
}

// Status reports the current engine state. BackupComplete re-verifies the
// persisted directory against its manifest on every call rather than
// trusting a cached flag.
func (e *Engine) Status() Status {
	store, index, _ := e.components()

	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()

	return Status{
		Loaded:         loaded,
		DocumentCount:  store.Count(),
		VectorCount:    index.Count(),
		Strategy:       e.cfg.Engine.Strategy,
		EmbedModel:     e.cache.Model(),
		Taxonomy:       e.cfg.Engine.Taxonomy,
		BackupComplete: e.manager.Verify() == nil,
		Cache:          e.cache.Stats(),
	}
}
