package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// docIDLength is the hex prefix of the content hash used as the document ID.
const docIDLength = 16

// HashContent returns the hex-encoded SHA-256 of the document body. The hash
// is the dedup key: two documents with the same text are the same document.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DocumentID derives the stable document ID from a content hash.
func DocumentID(contentHash string) string {
	if len(contentHash) < docIDLength {
		return contentHash
	}
	return contentHash[:docIDLength]
}

// DocumentStore holds ingested documents in memory, de-duplicated by content
// hash. Reads may run concurrently; writes take the exclusive lock.
type DocumentStore struct {
	mu     sync.RWMutex
	byID   map[string]Document
	byHash map[string]string // content hash -> document ID
	order  []string          // document IDs in ingestion order
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		byID:   make(map[string]Document),
		byHash: make(map[string]string),
	}
}

// Put stores doc unless a document with the same content hash already
// exists. It returns the stored (or pre-existing) document and whether a new
// entry was created.
func (s *DocumentStore) Put(doc Document) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[doc.ContentHash]; ok {
		return s.byID[id], false
	}

	s.byID[doc.ID] = doc
	s.byHash[doc.ContentHash] = doc.ID
	s.order = append(s.order, doc.ID)
	return doc, true
}

// Get returns the document with the given ID.
func (s *DocumentStore) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.byID[id]
	return doc, ok
}

// GetByHash returns the document with the given content hash, if any.
func (s *DocumentStore) GetByHash(contentHash string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[contentHash]
	if !ok {
		return Document{}, false
	}
	return s.byID[id], true
}

// All returns every document in ingestion order.
func (s *DocumentStore) All() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		docs = append(docs, s.byID[id])
	}
	return docs
}

// ByCategory returns the IDs of documents tagged with the given category,
// in ingestion order.
func (s *DocumentStore) ByCategory(category string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]bool)
	for _, id := range s.order {
		if s.byID[id].Category == category {
			ids[id] = true
		}
	}
	return ids
}

// Delete removes the document with the given ID.
func (s *DocumentStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	delete(s.byHash, doc.ContentHash)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Count returns the number of stored documents.
func (s *DocumentStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
