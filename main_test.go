package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestAPIKeyFor(t *testing.T) {
	t.Setenv("LUDOKIT_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-oai")

	if got := apiKeyFor("anthropic"); got != "sk-ant" {
		t.Fatalf("apiKeyFor(anthropic) = %q, want %q", got, "sk-ant")
	}
	if got := apiKeyFor("openai"); got != "sk-oai" {
		t.Fatalf("apiKeyFor(openai) = %q, want %q", got, "sk-oai")
	}
	if got := apiKeyFor("ollama"); got != "" {
		t.Fatalf("apiKeyFor(ollama) = %q, want empty", got)
	}

	t.Setenv("LUDOKIT_API_KEY", "override")
	if got := apiKeyFor("anthropic"); got != "override" {
		t.Fatalf("apiKeyFor with LUDOKIT_API_KEY = %q, want %q", got, "override")
	}
}

func TestLoadConfigMissing(t *testing.T) {
	old := rootDir
	defer func() { rootDir = old }()
	rootDir = t.TempDir()

	if _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig() on empty directory should fail")
	}
}

func TestLoadConfigDetects(t *testing.T) {
	old := rootDir
	defer func() { rootDir = old }()
	rootDir = t.TempDir()

	dataDir := filepath.Join(rootDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "System.json"), []byte(`{"gameTitle":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Root != "data" {
		t.Fatalf("detected targets = %#v, want one rooted at data", cfg.Targets)
	}
}

func TestLoadConfigRejectsBadTargetLang(t *testing.T) {
	old := rootDir
	defer func() { rootDir = old }()
	rootDir = t.TempDir()

	cfgYAML := "target_lang: \"not a language\"\ntargets:\n  - name: data\n"
	if err := os.WriteFile(filepath.Join(rootDir, ".ludokit.yaml"), []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig() should reject an unparseable target language")
	}
}

func TestWorkDir(t *testing.T) {
	old := rootDir
	defer func() { rootDir = old }()
	rootDir = filepath.Join("some", "project")

	if got := workDir(); got != filepath.Join("some", "project", ".ludokit") {
		t.Fatalf("workDir() = %q", got)
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()

	want := []string{
		"apply", "check", "extract", "init", "memory", "restore",
		"review", "snapshots", "status", "translate", "version",
	}
	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	sort.Strings(got)

	for _, name := range want {
		found := false
		for _, g := range got {
			if g == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("root command is missing subcommand %q (have %v)", name, got)
		}
	}

	if root.PersistentFlags().Lookup("root") == nil {
		t.Fatal("root command should define the --root persistent flag")
	}
}
