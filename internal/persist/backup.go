package persist

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrImportRejected is returned when a bundle fails pre-import validation.
// A rejected import never touches the active index.
var ErrImportRejected = errors.New("import rejected")

func rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrImportRejected, fmt.Sprintf(format, args...))
}

// Export packages the active persisted directory plus its manifest into a
// gzipped tar bundle written to w. The returned Manifest describes what was
// exported.
func (m *Manager) Export(w io.Writer) (Manifest, error) {
	if _, err := os.Stat(m.root); os.IsNotExist(err) {
		return Manifest{}, ErrNotFound
	}
	manifest, err := readManifest(m.root)
	if err != nil {
		return Manifest{}, corruptf("%v", err)
	}
	if err := verifyFiles(m.root, manifest); err != nil {
		return Manifest{}, corruptf("%v", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	names := []string{ManifestFile}
	for _, f := range manifest.Files {
		names = append(names, f.Name)
	}
	for _, name := range names {
		if err := addTarFile(tw, filepath.Join(m.root, name), name); err != nil {
			return Manifest{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("finalizing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Manifest{}, fmt.Errorf("finalizing compression: %w", err)
	}
	return manifest, nil
}

// ExportFile is Export writing to a file at path.
func (m *Manager) ExportFile(path string) (Manifest, error) {
	f, err := os.Create(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("creating bundle file: %w", err)
	}
	defer f.Close()

	manifest, err := m.Export(f)
	if err != nil {
		os.Remove(path)
		return Manifest{}, err
	}
	if err := f.Sync(); err != nil {
		return Manifest{}, fmt.Errorf("syncing bundle file: %w", err)
	}
	return manifest, nil
}

func addTarFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing archive header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s to archive: %w", name, err)
	}
	return nil
}

// Import validates the bundle at path and, only if it is fully valid,
// swaps it into the active location with the same atomic rename as Save.
// On any validation failure the active index is left completely untouched
// and ErrImportRejected is returned with the reason. A non-empty
// expectedModel rejects bundles built with a different embedding model.
func (m *Manager) Import(path string, maxBytes int64, expectedModel string) (Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Manifest{}, rejectedf("stating bundle: %v", err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return Manifest{}, rejectedf("bundle size %d exceeds limit %d", info.Size(), maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, rejectedf("opening bundle: %v", err)
	}
	defer f.Close()

	tmp, err := os.MkdirTemp(filepath.Dir(m.root), ".sub000-import-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractBundle(f, tmp, maxBytes); err != nil {
		return Manifest{}, rejectedf("%v", err)
	}

	manifest, err := readManifest(tmp)
	if err != nil {
		return Manifest{}, rejectedf("%v", err)
	}
	if expectedModel != "" && manifest.EmbedModel != expectedModel {
		return Manifest{}, rejectedf("bundle built with embedding model %q, engine uses %q",
			manifest.EmbedModel, expectedModel)
	}

	// Full validation against the extracted copy before the active state is
	// touched: declared files present with declared sizes, and counts
	// matching what is actually read back.
	if _, err := loadDir(tmp); err != nil {
		return Manifest{}, rejectedf("%v", err)
	}

	if err := m.swap(tmp); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// extractBundle unpacks a gzipped tar into dir, rejecting path traversal
// and bounding the total decompressed size.
func extractBundle(r io.Reader, dir string, maxBytes int64) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bundle is not a gzip archive: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %v", err)
		}

		name := filepath.Clean(hdr.Name)
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			return fmt.Errorf("archive entry %q has an unsafe path", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("archive entry %q is not a regular file", hdr.Name)
		}

		out, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("creating %s: %v", name, err)
		}

		limit := io.LimitReader(tr, hdr.Size+1)
		n, err := io.Copy(out, limit)
		out.Close()
		if err != nil {
			return fmt.Errorf("extracting %s: %v", name, err)
		}
		if n > hdr.Size {
			return fmt.Errorf("archive entry %q larger than its declared size", hdr.Name)
		}
		total += n
		if maxBytes > 0 && total > maxBytes {
			return fmt.Errorf("decompressed bundle exceeds limit %d", maxBytes)
		}
	}
	return nil
}
