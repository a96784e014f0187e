// Package index implements the persisted extraction
// index that tracks every known text unit per container: its locator,
// a checksum of its source text, and its current translation. The index
// is what makes re-extraction after a game update incremental: units
// whose source is unchanged reuse their translation, changed units are
// flagged for re-translation with the old text kept as reference, and
// vanished units are retained for audit but excluded from the active set.
//
// The index file is stored alongside .ludokit.yaml as ludokit.index.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ludokit/ludokit/extract"
)

// IndexFileName is the default index file name.
const IndexFileName = "ludokit.index"

// Version is the index file format version.
const Version = 1

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Record is the persisted state of one text unit.
type Record struct {
	Locator    string         `yaml:"locator"`
	SourceHash string         `yaml:"source_hash"`
	SourceText string         `yaml:"source"`
	Translated string         `yaml:"translated,omitempty"`
	// Prior is the superseded translation of a unit whose source text
	// changed, kept as reference until the unit is re-translated.
	Prior  string         `yaml:"prior,omitempty"`
	Status extract.Status `yaml:"status"`
	// Removed marks units whose locator vanished from the container.
	// Kept for audit, excluded from the active set.
	Removed bool `yaml:"removed,omitempty"`
}

// File represents the ludokit.index file structure.
type File struct {
	Version int `yaml:"version"`
	// Containers maps container id -> unit id -> record.
	Containers map[string]map[string]Record `yaml:"containers"`

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// Load reads the index from the given directory.
// Returns an empty index if the file doesn't exist.
func Load(dir string) (*File, error) {
	path := filepath.Join(dir, IndexFileName)
	f := &File{
		Version:    Version,
		Containers: make(map[string]map[string]Record),
		path:       path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	f.path = path

	if f.Containers == nil {
		f.Containers = make(map[string]map[string]Record)
	}

	return f, nil
}

// Save writes the index to disk.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return fmt.Errorf("index file path not set")
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}

	return nil
}

// Path returns the index file path.
func (f *File) Path() string {
	return f.path
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Result is the outcome of a three-way reconcile between the persisted
// index and a fresh extraction.
type Result struct {
	// Unchanged units carry their stored translation and status forward.
	Unchanged []extract.Unit
	// Changed units have a modified source; the old translation rides
	// along in PriorTranslation and the unit needs re-translation.
	Changed []extract.Unit
	// Added units are new locators with no history.
	Added []extract.Unit
	// Removed holds unit ids whose locator no longer exists.
	Removed []string
}

// Active returns the units still present in the container, in extraction
// order.
func (r *Result) Active() []extract.Unit {
	out := make([]extract.Unit, 0, len(r.Unchanged)+len(r.Changed)+len(r.Added))
	out = append(out, r.Unchanged...)
	out = append(out, r.Changed...)
	out = append(out, r.Added...)
	return out
}

// NeedsTranslation returns the changed and added units (those without a
// current translation).
func (r *Result) NeedsTranslation() []extract.Unit {
	var out []extract.Unit
	out = append(out, r.Changed...)
	out = append(out, r.Added...)
	return out
}

// Reconcile compares a fresh extraction of one container against the
// index and updates the index in place: current units are recorded,
// vanished units are marked removed. A changed locator path is treated
// as removed + added; no fuzzy matching is attempted.
func (f *File) Reconcile(containerID string, current []extract.Unit) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := f.Containers[containerID]
	if records == nil {
		records = make(map[string]Record)
		f.Containers[containerID] = records
	}

	var res Result
	seen := make(map[string]bool, len(current))

	for _, u := range current {
		seen[u.UnitID] = true
		prev, ok := records[u.UnitID]
		switch {
		case !ok || prev.Removed:
			// Brand new, or back from the dead after a locator returned.
			res.Added = append(res.Added, u)
		case prev.SourceHash == extract.SourceHash(u.SourceText):
			u.TranslatedText = prev.Translated
			if prev.Status != "" {
				u.Status = prev.Status
			}
			res.Unchanged = append(res.Unchanged, u)
		default:
			u.PriorTranslation = prev.Translated
			u.Status = extract.StatusExtracted
			res.Changed = append(res.Changed, u)
		}
		records[u.UnitID] = Record{
			Locator:    u.Locator,
			SourceHash: extract.SourceHash(u.SourceText),
			SourceText: u.SourceText,
			Translated: u.TranslatedText,
			Prior:      u.PriorTranslation,
			Status:     u.Status,
		}
	}

	// Mark vanished units. Sorted for deterministic output.
	for id, rec := range records {
		if !seen[id] && !rec.Removed {
			rec.Removed = true
			records[id] = rec
			res.Removed = append(res.Removed, id)
		}
	}
	sort.Strings(res.Removed)

	return res
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

// SetTranslation records a translation for a unit.
// Returns false if the unit is unknown.
func (f *File) SetTranslation(containerID, unitID, translated string, status extract.Status) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.Containers[containerID][unitID]
	if !ok {
		return false
	}
	rec.Translated = translated
	rec.Status = status
	rec.Prior = ""
	f.Containers[containerID][unitID] = rec
	return true
}

// Get returns the record for a unit.
func (f *File) Get(containerID, unitID string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Containers[containerID][unitID]
	return rec, ok
}

// Lookup finds a unit id across all containers.
func (f *File) Lookup(unitID string) (containerID string, rec Record, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cid, records := range f.Containers {
		if r, found := records[unitID]; found {
			return cid, r, true
		}
	}
	return "", Record{}, false
}

// ActiveUnits rebuilds the active unit list for a container from the
// index, ordered by locator for determinism.
func (f *File) ActiveUnits(containerID string) []extract.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := f.Containers[containerID]
	ids := make([]string, 0, len(records))
	for id, rec := range records {
		if !rec.Removed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return records[ids[i]].Locator < records[ids[j]].Locator
	})

	units := make([]extract.Unit, 0, len(ids))
	for _, id := range ids {
		rec := records[id]
		units = append(units, extract.Unit{
			UnitID:             id,
			ContainerID:        containerID,
			Locator:            rec.Locator,
			SourceText:         rec.SourceText,
			TranslatedText:     rec.Translated,
			PriorTranslation:   rec.Prior,
			ByteLengthOriginal: len(rec.SourceText),
			Status:             rec.Status,
		})
	}
	return units
}

// ContainerIDs returns the sorted list of containers in the index.
func (f *File) ContainerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.Containers))
	for id := range f.Containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns per-index counters.
func (f *File) Stats() (containers, active, translated, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	containers = len(f.Containers)
	for _, records := range f.Containers {
		for _, rec := range records {
			if rec.Removed {
				removed++
				continue
			}
			active++
			if rec.Translated != "" {
				translated++
			}
		}
	}
	return
}

// Summary returns a human-readable summary string.
func (f *File) Summary() string {
	containers, active, translated, removed := f.Stats()
	if containers == 0 {
		return "empty"
	}
	return fmt.Sprintf("%d containers, %d units (%d translated, %d removed)",
		containers, active, translated, removed)
}
