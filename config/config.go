// Package config loads and writes the .ludokit.yaml project file.
//
// When a .ludokit.yaml file exists in the project root, ludokit uses it
// as the sole source of truth for translation targets. Without one,
// Detect scans the directory for known game-data layouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ludokit/ludokit/translate"
)

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// File is the top-level .ludokit.yaml structure.
type File struct {
	// SourceLang is the game's original language code (default "ja").
	SourceLang string `yaml:"source_lang,omitempty"`
	// TargetLang is the translation language code.
	TargetLang string `yaml:"target_lang"`
	// RulesVersion tags the active text-rule set. Bumping it retires
	// every cached translation without deleting history.
	RulesVersion string `yaml:"rules_version,omitempty"`
	// Targets lists the data directories to translate.
	Targets []Target `yaml:"targets"`
	// Glossary is the terminology file path relative to the project root.
	Glossary string `yaml:"glossary,omitempty"`
	// QualityPatterns is the quality-check pattern file path.
	QualityPatterns string `yaml:"quality_patterns,omitempty"`
	// Provider selects and tunes the translation backend.
	Provider translate.Config `yaml:"provider,omitempty"`
	// BackupRetention is how many snapshots to keep (default 10).
	BackupRetention int `yaml:"backup_retention,omitempty"`
}

// Target describes one directory of game data files.
type Target struct {
	// Name is a human-readable label shown in status/logs.
	Name string `yaml:"name"`
	// Root is the data directory relative to .ludokit.yaml (default ".").
	Root string `yaml:"root,omitempty"`
	// Include are file globs relative to Root (default "*.json", "*.gdc").
	Include []string `yaml:"include,omitempty"`
	// Exclude are file globs removed from the include set.
	Exclude []string `yaml:"exclude,omitempty"`
}

// FileName is the default config file name.
const FileName = ".ludokit.yaml"

var defaultInclude = []string{"*.json", "*.gdc"}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load loads and validates .ludokit.yaml from the given directory.
// Returns nil if no .ludokit.yaml exists.
func Load(rootDir string) (*File, error) {
	path := filepath.Join(rootDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Defaults
	if f.SourceLang == "" {
		f.SourceLang = "ja"
	}
	if f.TargetLang == "" {
		return nil, fmt.Errorf("%s: target_lang is required", path)
	}
	if f.RulesVersion == "" {
		f.RulesVersion = "v1"
	}
	if f.BackupRetention == 0 {
		f.BackupRetention = 10
	}
	if f.Provider.Provider == "" {
		f.Provider.Provider = translate.ProviderAnthropic
	}

	for i := range f.Targets {
		t := &f.Targets[i]
		if t.Name == "" {
			return nil, fmt.Errorf("%s: target #%d has no name", path, i+1)
		}
		if t.Root == "" {
			t.Root = "."
		}
		if len(t.Include) == 0 {
			t.Include = defaultInclude
		}
	}
	return &f, nil
}

// ---------------------------------------------------------------------------
// Resolving targets to files
// ---------------------------------------------------------------------------

// ResolvedTarget holds a target with its matched absolute file paths.
type ResolvedTarget struct {
	Target  Target
	AbsRoot string
	Files   []string
}

// Resolve expands every target's globs against the project root.
func (f *File) Resolve(projectRoot string) ([]ResolvedTarget, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	var resolved []ResolvedTarget
	for _, t := range f.Targets {
		root := filepath.Join(absRoot, t.Root)
		files, err := expandGlobs(root, t.Include, t.Exclude)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		resolved = append(resolved, ResolvedTarget{
			Target:  t,
			AbsRoot: root,
			Files:   files,
		})
	}
	return resolved, nil
}

// AllFiles returns the deduplicated union of every target's files.
func (f *File) AllFiles(projectRoot string) ([]string, error) {
	resolved, err := f.Resolve(projectRoot)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var all []string
	for _, rt := range resolved {
		for _, p := range rt.Files {
			if !seen[p] {
				seen[p] = true
				all = append(all, p)
			}
		}
	}
	sort.Strings(all)
	return all, nil
}

func expandGlobs(root string, include, exclude []string) ([]string, error) {
	excluded := func(name string) bool {
		for _, pat := range exclude {
			if ok, _ := filepath.Match(pat, name); ok {
				return true
			}
		}
		return false
	}

	seen := make(map[string]bool)
	var files []string
	for _, pat := range include {
		matches, err := filepath.Glob(filepath.Join(root, pat))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pat, err)
		}
		for _, m := range matches {
			if seen[m] || excluded(filepath.Base(m)) {
				continue
			}
			if fi, err := os.Stat(m); err != nil || fi.IsDir() {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ---------------------------------------------------------------------------
// Auto-detection
// ---------------------------------------------------------------------------

// Detect scans rootDir for a known game-data layout and synthesizes a
// config for it. Returns nil when nothing recognizable is found.
func Detect(rootDir string) *File {
	// RPG Maker MV/MZ keeps its JSON database under data/ or www/data/.
	for _, sub := range []string{"data", filepath.Join("www", "data"), "."} {
		dir := filepath.Join(rootDir, sub)
		if !looksLikeGameData(dir) {
			continue
		}
		return &File{
			SourceLang:   "ja",
			RulesVersion: "v1",
			Targets: []Target{{
				Name:    "game data",
				Root:    sub,
				Include: defaultInclude,
				// Plugin and animation tables hold no dialogue.
				Exclude: []string{"Animations.json", "Tilesets.json", "MapInfos.json"},
			}},
			BackupRetention: 10,
			Provider:        translate.Config{Provider: translate.ProviderAnthropic},
		}
	}
	return nil
}

// looksLikeGameData reports whether dir holds translatable containers.
func looksLikeGameData(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case name == "System.json", name == "Actors.json", name == "Items.json":
			return true
		case strings.HasPrefix(name, "Map") && strings.HasSuffix(name, ".json"):
			return true
		case strings.HasSuffix(name, ".gdc"):
			return true
		}
	}
	return false
}

// Save writes the config back to rootDir. Used by `ludokit init`.
func (f *File) Save(rootDir string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}
	path := filepath.Join(rootDir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
