package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

// ErrNotFound is returned by Load when no persisted index exists.
var ErrNotFound = errors.New("no persisted index")

// ErrCorrupt is returned when a persisted directory fails manifest
// verification: missing files, size mismatches, or diverging counts. A
// corrupt directory is never partially loaded.
var ErrCorrupt = errors.New("persisted index corrupt")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Snapshot is the full persisted state of the engine: every document, its
// vector, and the identifiers the index was built with.
type Snapshot struct {
	EmbedModel string
	Taxonomy   []string
	Documents  []retrieval.Document
	Vectors    []retrieval.Entry
}

// Manager persists snapshots under a single active directory. Saves write
// to a sibling temporary directory and swap it in with directory renames;
// the active directory is never mutated in place.
type Manager struct {
	root string
}

// NewManager creates a Manager for the given active directory path. The
// parent directory is created if missing; the active directory itself only
// appears after the first successful Save or Import.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("persistence root must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the active directory path.
func (m *Manager) Root() string { return m.root }

// Save writes the snapshot to a temporary sibling directory and atomically
// swaps it into the active location. A reader that loads concurrently sees
// either the previous complete state or the new complete state.
func (m *Manager) Save(snap Snapshot) error {
	if len(snap.Documents) != len(snap.Vectors) {
		return fmt.Errorf("refusing to save diverged state: %d documents, %d vectors",
			len(snap.Documents), len(snap.Vectors))
	}

	tmp, err := os.MkdirTemp(filepath.Dir(m.root), ".sub000-save-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := writeVectors(filepath.Join(tmp, VectorsFile), snap.Vectors); err != nil {
		return err
	}
	if err := writeDocuments(filepath.Join(tmp, DocumentsFile), snap.Documents); err != nil {
		return err
	}

	manifest := Manifest{
		Version:       manifestVersion,
		BundleID:      uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		EmbedModel:    snap.EmbedModel,
		Taxonomy:      snap.Taxonomy,
		DocumentCount: len(snap.Documents),
		VectorCount:   len(snap.Vectors),
	}
	for _, name := range []string{VectorsFile, DocumentsFile} {
		info, err := os.Stat(filepath.Join(tmp, name))
		if err != nil {
			return fmt.Errorf("stating %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, FileEntry{Name: name, Size: info.Size()})
	}
	if err := writeManifest(tmp, manifest); err != nil {
		return err
	}

	return m.swap(tmp)
}

// swap replaces the active directory with dir using renames. Rename is the
// transactional primitive here: there is no point at which the active path
// holds a half-written mixture of old and new files.
func (m *Manager) swap(dir string) error {
	old := m.root + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("clearing previous backup directory: %w", err)
	}

	if _, err := os.Stat(m.root); err == nil {
		if err := os.Rename(m.root, old); err != nil {
			return fmt.Errorf("moving active directory aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stating active directory: %w", err)
	}

	if err := os.Rename(dir, m.root); err != nil {
		// Roll the old state back so the active index stays usable.
		if _, statErr := os.Stat(old); statErr == nil {
			_ = os.Rename(old, m.root)
		}
		return fmt.Errorf("activating new directory: %w", err)
	}

	_ = os.RemoveAll(old)
	return nil
}

// Load reads the active directory back into a Snapshot. It returns
// ErrNotFound when no index has been persisted and ErrCorrupt when the
// manifest's declared files or counts do not match what is read.
func (m *Manager) Load() (Snapshot, error) {
	if _, err := os.Stat(m.root); os.IsNotExist(err) {
		return Snapshot{}, ErrNotFound
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("stating active directory: %w", err)
	}
	return loadDir(m.root)
}

// Verify checks the active directory against its manifest without keeping
// the loaded state. A nil return means a restore from this directory would
// succeed ("backup-complete").
func (m *Manager) Verify() error {
	_, err := m.Load()
	return err
}

// loadDir reads and fully cross-checks one persisted directory.
func loadDir(dir string) (Snapshot, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return Snapshot{}, corruptf("%v", err)
	}
	if err := verifyFiles(dir, manifest); err != nil {
		return Snapshot{}, corruptf("%v", err)
	}
	if manifest.DocumentCount != manifest.VectorCount {
		return Snapshot{}, corruptf("manifest declares %d documents but %d vectors",
			manifest.DocumentCount, manifest.VectorCount)
	}

	vectors, err := readVectors(filepath.Join(dir, VectorsFile))
	if err != nil {
		return Snapshot{}, corruptf("%v", err)
	}
	if len(vectors) != manifest.VectorCount {
		return Snapshot{}, corruptf("read %d vectors, manifest declares %d", len(vectors), manifest.VectorCount)
	}

	documents, err := readDocuments(filepath.Join(dir, DocumentsFile))
	if err != nil {
		return Snapshot{}, corruptf("%v", err)
	}
	if len(documents) != manifest.DocumentCount {
		return Snapshot{}, corruptf("read %d documents, manifest declares %d", len(documents), manifest.DocumentCount)
	}

	// Every vector must belong to exactly one stored document.
	docIDs := make(map[string]bool, len(documents))
	for _, doc := range documents {
		docIDs[doc.ID] = true
	}
	for _, entry := range vectors {
		if !docIDs[entry.ID] {
			return Snapshot{}, corruptf("vector %s has no matching document", entry.ID)
		}
	}

	return Snapshot{
		EmbedModel: manifest.EmbedModel,
		Taxonomy:   manifest.Taxonomy,
		Documents:  documents,
		Vectors:    vectors,
	}, nil
}

// --- vectors.bin codec ---

// Layout: magic "SUBV", uint32 version, uint32 count, uint32 dim, then per
// entry a uint16 ID length, the ID bytes, and dim little-endian float32s.
var vectorsMagic = [4]byte{'S', 'U', 'B', 'V'}

const vectorsVersion = 1

func writeVectors(path string, entries []retrieval.Entry) error {
	dim := 0
	if len(entries) > 0 {
		dim = len(entries[0].Vector)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating vectors file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 16)
	copy(header[0:4], vectorsMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], vectorsVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(entries)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(dim))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("writing vectors header: %w", err)
	}

	for _, entry := range entries {
		if len(entry.Vector) != dim {
			return fmt.Errorf("vector %s has dimension %d, expected %d", entry.ID, len(entry.Vector), dim)
		}
		idBytes := []byte(entry.ID)
		if len(idBytes) > math.MaxUint16 {
			return fmt.Errorf("vector ID %q too long", entry.ID)
		}
		var idLen [2]byte
		binary.LittleEndian.PutUint16(idLen[:], uint16(len(idBytes)))
		if _, err := f.Write(idLen[:]); err != nil {
			return fmt.Errorf("writing vector entry: %w", err)
		}
		if _, err := f.Write(idBytes); err != nil {
			return fmt.Errorf("writing vector entry: %w", err)
		}
		if _, err := f.Write(encodeFloat32s(entry.Vector)); err != nil {
			return fmt.Errorf("writing vector entry: %w", err)
		}
	}

	return f.Sync()
}

func readVectors(path string) ([]retrieval.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vectors file: %w", err)
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("vectors file truncated: %d bytes", len(data))
	}
	if [4]byte(data[0:4]) != vectorsMagic {
		return nil, fmt.Errorf("vectors file has wrong magic")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != vectorsVersion {
		return nil, fmt.Errorf("unsupported vectors file version %d", v)
	}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	dim := int(binary.LittleEndian.Uint32(data[12:16]))

	entries := make([]retrieval.Entry, 0, count)
	offset := 16
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("vectors file truncated at entry %d", i)
		}
		idLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+idLen+dim*4 > len(data) {
			return nil, fmt.Errorf("vectors file truncated at entry %d", i)
		}
		id := string(data[offset : offset+idLen])
		offset += idLen
		vec, err := decodeFloat32s(data[offset : offset+dim*4])
		if err != nil {
			return nil, fmt.Errorf("decoding vector for %s: %w", id, err)
		}
		offset += dim * 4
		entries = append(entries, retrieval.Entry{ID: id, Vector: vec})
	}
	if offset != len(data) {
		return nil, fmt.Errorf("vectors file has %d trailing bytes", len(data)-offset)
	}
	return entries, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
