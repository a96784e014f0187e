// Package backup snapshots original container files before a rewrite and
// restores them with checksum verification. One snapshot is one named
// directory holding copies of the files plus a manifest of checksums.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/ludokit/ludokit/errs"
)

// ManifestFileName sits inside every snapshot directory.
const ManifestFileName = "manifest.yaml"

// Manifest records what a snapshot holds. Checksums are hex SHA-256 of
// the copied bytes, keyed by the file's original absolute path.
type Manifest struct {
	ID        string            `yaml:"id"`
	CreatedAt time.Time         `yaml:"created_at"`
	Label     string            `yaml:"label,omitempty"`
	Files     map[string]string `yaml:"files"`
}

// Snapshot is one durably persisted backup.
type Snapshot struct {
	Dir      string
	Manifest Manifest
}

// Manager creates and restores snapshots under a base directory.
type Manager struct {
	baseDir string
}

// NewManager returns a manager rooted at baseDir, creating it if needed.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &Manager{baseDir: baseDir}, nil
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Take copies the given files into a new snapshot directory and fsyncs
// everything before returning. The snapshot is only usable once Take
// returns; a partially written snapshot directory has no manifest and is
// ignored by List and Restore.
func (m *Manager) Take(paths []string, label string) (*Snapshot, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("snapshot: no files given")
	}

	// ULIDs sort chronologically; Make's monotonic entropy keeps
	// same-millisecond snapshots ordered too.
	id := ulid.Make().String()
	dir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}

	man := Manifest{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Label:     label,
		Files:     make(map[string]string, len(paths)),
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", p, err)
		}
		sum, err := copyFileSync(abs, filepath.Join(dir, "files", storedName(abs)))
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("snapshot %s: %w", p, err)
		}
		man.Files[abs] = sum
	}

	// The manifest is written last: its presence marks the snapshot
	// complete.
	if err := writeManifestSync(filepath.Join(dir, ManifestFileName), man); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		return nil, err
	}
	return &Snapshot{Dir: dir, Manifest: man}, nil
}

// storedName flattens an absolute path into a safe file name inside the
// snapshot. Checksums disambiguate, the name only needs to be unique.
func storedName(abs string) string {
	h := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(h[:8]) + "_" + filepath.Base(abs)
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

// Restore writes every file in the snapshot back to its original path
// after verifying the stored copy against the manifest checksum. It is
// idempotent: restoring an already-restored snapshot verifies and
// rewrites the same bytes. A checksum mismatch aborts before any file
// is touched.
func (m *Manager) Restore(s *Snapshot) error {
	// Verify every stored copy first. Never start writing originals
	// from a snapshot that fails integrity.
	for abs, want := range s.Manifest.Files {
		stored := filepath.Join(s.Dir, "files", storedName(abs))
		got, err := hashFile(stored)
		if err != nil {
			return fmt.Errorf("restore %s: %w", s.Manifest.ID, err)
		}
		if got != want {
			return errs.ChecksumMismatch(stored, want, got)
		}
	}

	for abs, want := range s.Manifest.Files {
		stored := filepath.Join(s.Dir, "files", storedName(abs))
		sum, err := replaceFileSync(stored, abs)
		if err != nil {
			return fmt.Errorf("restore %s: %w", abs, err)
		}
		if sum != want {
			return errs.ChecksumMismatch(abs, want, sum)
		}
	}
	return nil
}

// Open loads an existing snapshot by id.
func (m *Manager) Open(id string) (*Snapshot, error) {
	dir := filepath.Join(m.baseDir, id)
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", id, err)
	}
	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", id, err)
	}
	return &Snapshot{Dir: dir, Manifest: man}, nil
}

// List returns all complete snapshots, oldest first. ULID ids sort
// chronologically, so lexical order is creation order.
func (m *Manager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := m.Open(e.Name())
		if err != nil {
			// Incomplete or foreign directory.
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return out, nil
}

// Prune deletes the oldest snapshots beyond keep. Returns the ids
// removed.
func (m *Manager) Prune(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(all) <= keep {
		return nil, nil
	}
	var removed []string
	for _, s := range all[:len(all)-keep] {
		if err := os.RemoveAll(s.Dir); err != nil {
			return removed, fmt.Errorf("prune %s: %w", s.Manifest.ID, err)
		}
		removed = append(removed, s.Manifest.ID)
	}
	return removed, nil
}

// Delete removes one snapshot by id.
func (m *Manager) Delete(id string) error {
	s, err := m.Open(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(s.Dir)
}

// ---------------------------------------------------------------------------
// File plumbing
// ---------------------------------------------------------------------------

// copyFileSync copies src to dst, fsyncs dst, and returns the hex
// SHA-256 of the copied bytes.
func copyFileSync(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// replaceFileSync copies src over dst through a temp file in dst's
// directory followed by a rename, so dst is never truncated in place
// and always holds either its old bytes or the full restored copy.
// Returns the hex SHA-256 of the copied bytes.
func replaceFileSync(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifestSync(path string, man Manifest) error {
	data, err := yaml.Marshal(man)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
