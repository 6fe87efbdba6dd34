// Package persist serializes the vector index and document store to a
// directory and swaps it into place atomically, so readers observe either
// the fully-old or fully-new state. It also packages that directory into
// portable backup bundles and validates bundles before import.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Persisted file names inside an index directory.
const (
	ManifestFile  = "manifest.json"
	VectorsFile   = "vectors.bin"
	DocumentsFile = "documents.db"
)

const manifestVersion = 1

// Manifest enumerates the files and counts required for a persisted
// directory to be considered valid and complete. It is written at save time
// and verified (never trusted blindly) at load and import time.
type Manifest struct {
	Version       int         `json:"version"`
	BundleID      string      `json:"bundle_id"`
	CreatedAt     time.Time   `json:"created_at"`
	EmbedModel    string      `json:"embed_model"`
	Taxonomy      []string    `json:"taxonomy"`
	DocumentCount int         `json:"document_count"`
	VectorCount   int         `json:"vector_count"`
	Files         []FileEntry `json:"files"`
}

// FileEntry records one required file and its expected size in bytes.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}

// verifyFiles checks that every manifest-declared file exists in dir with
// the declared size.
func verifyFiles(dir string, m Manifest) error {
	if m.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest declares no files")
	}
	for _, f := range m.Files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("declared file %s missing: %w", f.Name, err)
		}
		if info.Size() != f.Size {
			return fmt.Errorf("declared file %s has size %d, manifest says %d", f.Name, info.Size(), f.Size)
		}
	}
	return nil
}
