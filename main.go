// ludokit is a game localization kit: extracts translatable text from game
// data containers, translates it through AI providers with a persistent
// translation memory, and patches the results back transactionally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ludokit/ludokit/apply"
	"github.com/ludokit/ludokit/backup"
	"github.com/ludokit/ludokit/codec"
	"github.com/ludokit/ludokit/config"
	"github.com/ludokit/ludokit/events"
	"github.com/ludokit/ludokit/extract"
	"github.com/ludokit/ludokit/glossary"
	"github.com/ludokit/ludokit/i18n"
	"github.com/ludokit/ludokit/index"
	"github.com/ludokit/ludokit/langmeta"
	"github.com/ludokit/ludokit/memory"
	"github.com/ludokit/ludokit/quality"
	"github.com/ludokit/ludokit/review"
	"github.com/ludokit/ludokit/translate"
	"github.com/ludokit/ludokit/treecodec"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flag
// ---------------------------------------------------------------------------

var rootDir string

// workDir returns ludokit's state directory inside the project.
func workDir() string {
	return filepath.Join(rootDir, ".ludokit")
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ludokit",
		Short: "Game localization kit with AI translation and transactional patch-back",
		Long: `ludokit: game localization kit.

Extracts translatable text from game data containers (RPG Maker style
JSON databases and GDC binary bundles), translates it through an AI
provider backed by a persistent translation memory, and patches the
results back with snapshot/rollback safety.

Commands:
  status      Show project info and translation statistics
  init        Write a .ludokit.yaml for a detected project
  extract     Extract text units into the index
  translate   Translate pending units using the configured provider
  apply       Patch translations back into the game files
  restore     Restore files from a backup snapshot
  snapshots   List and prune backup snapshots
  review      Export/import a reviewer CSV sheet
  memory      Inspect and export the translation memory
  check       Run quality checks over pending translations

AI Providers:
  anthropic   Anthropic Claude (ANTHROPIC_API_KEY)
  openai      OpenAI or compatible endpoint (OPENAI_API_KEY)
  ollama      Ollama local server`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global persistent flag inherited by all subcommands
	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")

	root.AddCommand(
		newStatusCmd(),
		newInitCmd(),
		newExtractCmd(),
		newTranslateCmd(),
		newApplyCmd(),
		newRestoreCmd(),
		newSnapshotsCmd(),
		newReviewCmd(),
		newMemoryCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads .ludokit.yaml, falling back to layout detection.
func loadConfig() (*config.File, error) {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Detect(rootDir)
	}
	if cfg == nil {
		return nil, fmt.Errorf("no .ludokit.yaml and no recognizable game data under %s (run `ludokit init`)", rootDir)
	}
	if cfg.TargetLang != "" {
		if err := langmeta.Validate(cfg.TargetLang); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ludokit version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// status (read-only: project info + index stats)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project info and translation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := cfg.AllFiles(rootDir)
	if err != nil {
		return err
	}

	src := langmeta.Resolve(cfg.SourceLang)
	fmt.Printf("Project root:  %s\n", rootDir)
	fmt.Printf("Source:        %s %s (%s)\n", src.Flag, src.Name, cfg.SourceLang)
	if cfg.TargetLang != "" {
		dst := langmeta.Resolve(cfg.TargetLang)
		fmt.Printf("Target:        %s %s (%s)\n", dst.Flag, dst.Name, cfg.TargetLang)
	}
	fmt.Printf("Provider:      %s\n", cfg.Provider.Provider)
	fmt.Printf("Data files:    %d\n", len(files))

	idx, err := index.Load(workDir())
	if err != nil {
		return err
	}
	fmt.Printf("Index:         %s\n", idx.Summary())

	containers := idx.ContainerIDs()
	sort.Strings(containers)
	for _, cid := range containers {
		units := idx.ActiveUnits(cid)
		translated := 0
		for _, u := range units {
			if u.TranslatedText != "" {
				translated++
			}
		}
		fmt.Printf("  %-28s %4d units, %4d translated\n", cid, len(units), translated)
	}
	return nil
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	var targetLang string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a .ludokit.yaml for a detected project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if existing, _ := config.Load(rootDir); existing != nil {
				return fmt.Errorf("%s already exists", config.FileName)
			}
			cfg := config.Detect(rootDir)
			if cfg == nil {
				return fmt.Errorf("no recognizable game data under %s", rootDir)
			}
			if err := langmeta.Validate(targetLang); err != nil {
				return err
			}
			cfg.TargetLang = targetLang
			if err := cfg.Save(rootDir); err != nil {
				return err
			}
			logSuccess("wrote %s (%d target(s))", config.FileName, len(cfg.Targets))
			return nil
		},
	}
	cmd.Flags().StringVar(&targetLang, "target-lang", "ko", "Translation target language")
	return cmd
}

// ---------------------------------------------------------------------------
// extract
// ---------------------------------------------------------------------------

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract text units from game data into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract()
		},
	}
}

func runExtract() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := cfg.AllFiles(rootDir)
	if err != nil {
		return err
	}
	idx, err := index.Load(workDir())
	if err != nil {
		return err
	}

	logInfo("%s", i18n.T("Extracting text units..."))
	rules := treecodec.DefaultRules()
	var added, changed, removed, unchanged, skipped int
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		format, err := codec.Detect(path, data)
		if err != nil {
			logWarning("%s: %v", filepath.Base(path), err)
			skipped++
			continue
		}
		cdc := codec.For(format, rules)
		cid := filepath.Base(path)
		g, err := cdc.Parse(cid, data)
		if err != nil {
			logWarning("%s: %v", cid, err)
			skipped++
			continue
		}
		res := idx.Reconcile(cid, extract.Extract(g, cdc))
		added += len(res.Added)
		changed += len(res.Changed)
		removed += len(res.Removed)
		unchanged += len(res.Unchanged)
	}
	if err := idx.Save(); err != nil {
		return err
	}

	logSuccess("%d added, %d changed, %d removed, %d unchanged", added, changed, removed, unchanged)
	if skipped > 0 {
		logWarning("%d file(s) skipped", skipped)
	}
	return nil
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var batchSize, maxInFlight int
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate pending units using the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd.Context(), batchSize, maxInFlight)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 30, "Texts per provider request")
	cmd.Flags().IntVar(&maxInFlight, "max-in-flight", 4, "Concurrent provider requests")
	return cmd
}

// apiKeyFor reads the provider's API key from the environment.
func apiKeyFor(provider string) string {
	if key := os.Getenv("LUDOKIT_API_KEY"); key != "" {
		return key
	}
	switch provider {
	case translate.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case translate.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

func runTranslate(ctx context.Context, batchSize, maxInFlight int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.TargetLang == "" {
		return fmt.Errorf("target_lang is not configured")
	}

	idx, err := index.Load(workDir())
	if err != nil {
		return err
	}
	var units []extract.Unit
	for _, cid := range idx.ContainerIDs() {
		for _, u := range idx.ActiveUnits(cid) {
			if u.TranslatedText == "" {
				units = append(units, u)
			}
		}
	}
	if len(units) == 0 {
		logInfo("nothing to translate")
		return nil
	}
	logInfo(i18n.N("Found %d unit", "Found %d units", len(units)), len(units))

	provCfg := cfg.Provider
	provCfg.APIKey = apiKeyFor(provCfg.Provider)
	provider, err := translate.New(provCfg)
	if err != nil {
		return err
	}
	gloss := glossary.New(nil)
	if cfg.Glossary != "" {
		gloss, err = glossary.Load(filepath.Join(rootDir, cfg.Glossary))
		if err != nil {
			return err
		}
	}
	store, err := memory.Open(workDir())
	if err != nil {
		return err
	}
	defer store.Close()

	svc := translate.NewService(
		translate.NewClient(provider, translate.Options{}),
		store, gloss,
		translate.ServiceOptions{
			SourceLang:   cfg.SourceLang,
			TargetLang:   cfg.TargetLang,
			RulesVersion: cfg.RulesVersion,
			BatchSize:    batchSize,
			MaxInFlight:  maxInFlight,
		})

	logInfo("%s", i18n.T("Translating..."))
	res, err := svc.Run(ctx, units)
	if err != nil {
		return err
	}

	applied := 0
	for _, u := range units {
		if target, ok := res.Translated[u.UnitID]; ok {
			if idx.SetTranslation(u.ContainerID, u.UnitID, target, extract.StatusTranslated) {
				applied++
			}
		}
	}
	if err := idx.Save(); err != nil {
		return err
	}

	logSuccess("%d translated (%d memory hits, %d provider calls deduplicated to %d texts)",
		applied, res.Hits, len(units), res.Misses)
	if len(res.Failed) > 0 {
		logWarning("%d unit(s) failed; re-run translate or fix by review", len(res.Failed))
	}
	return nil
}

// ---------------------------------------------------------------------------
// apply
// ---------------------------------------------------------------------------

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Patch translations back into the game files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context())
		},
	}
}

func runApply(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := cfg.AllFiles(rootDir)
	if err != nil {
		return err
	}
	idx, err := index.Load(workDir())
	if err != nil {
		return err
	}
	backups, err := backup.NewManager(filepath.Join(workDir(), "backups"))
	if err != nil {
		return err
	}

	stream := events.NewStream()
	ch, cancelSub := stream.Subscribe(256)
	defer cancelSub()
	go func() {
		for ev := range ch {
			switch ev.Kind {
			case events.KindSnapshotTaken:
				logInfo(i18n.T("Snapshot created: %s"), ev.Detail)
			case events.KindFileCommitted:
				logSuccess("%s: %d unit(s) applied", ev.ContainerID, ev.Count)
			case events.KindUnitStale:
				logWarning("%s: stale unit %s (%s)", ev.ContainerID, ev.UnitID, ev.Detail)
			case events.KindFileRolledBack:
				logError("rolled back: %s", ev.Detail)
			}
		}
	}()

	engine := apply.NewEngine(backups, idx, stream, treecodec.DefaultRules())

	logInfo("%s", i18n.T("Applying translations..."))
	rep, err := engine.Run(ctx, files)
	if err != nil {
		return err
	}
	if rep.State != apply.StateCommitted {
		return fmt.Errorf("apply finished in state %s", rep.State)
	}

	total := 0
	for _, n := range rep.Applied {
		total += n
	}
	if total == 0 {
		logInfo("%s", i18n.T("No pending translations."))
	} else {
		logSuccess("job %s committed: %d unit(s) across %d file(s)", rep.JobID, total, len(rep.Applied))
	}

	if cfg.BackupRetention > 0 {
		if removed, err := backups.Prune(cfg.BackupRetention); err != nil {
			logWarning("prune: %v", err)
		} else if len(removed) > 0 {
			logInfo("pruned %d old snapshot(s)", len(removed))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// restore / snapshots
// ---------------------------------------------------------------------------

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Restore files from a backup snapshot (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := backup.NewManager(filepath.Join(workDir(), "backups"))
			if err != nil {
				return err
			}
			var snap *backup.Snapshot
			if len(args) == 1 {
				snap, err = backups.Open(args[0])
			} else {
				all, lerr := backups.List()
				if lerr != nil {
					return lerr
				}
				if len(all) == 0 {
					return fmt.Errorf("no snapshots")
				}
				snap = all[len(all)-1]
			}
			if err != nil {
				return err
			}
			if err := backups.Restore(snap); err != nil {
				return err
			}
			logSuccess(i18n.T("Restored from snapshot %s"), snap.Manifest.ID)
			return nil
		},
	}
}

func newSnapshotsCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List backup snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := backup.NewManager(filepath.Join(workDir(), "backups"))
			if err != nil {
				return err
			}
			all, err := backups.List()
			if err != nil {
				return err
			}
			for _, s := range all {
				fmt.Printf("%s  %s  %d file(s)  %s\n",
					s.Manifest.ID,
					s.Manifest.CreatedAt.Format("2006-01-02 15:04:05"),
					len(s.Manifest.Files),
					s.Manifest.Label)
			}
			return nil
		},
	}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete old snapshots beyond the retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := backup.NewManager(filepath.Join(workDir(), "backups"))
			if err != nil {
				return err
			}
			removed, err := backups.Prune(keep)
			if err != nil {
				return err
			}
			logSuccess("pruned %d snapshot(s)", len(removed))
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 10, "Snapshots to keep")
	cmd.AddCommand(prune)
	return cmd
}

// ---------------------------------------------------------------------------
// review
// ---------------------------------------------------------------------------

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Export/import a reviewer CSV sheet",
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the review sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := index.Load(workDir())
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := review.Export(f, idx); err != nil {
				return err
			}
			logSuccess("wrote %s", out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "output", "o", "review.csv", "Output CSV path")

	imp := &cobra.Command{
		Use:   "import <sheet.csv>",
		Short: "Apply reviewer edits back into the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := index.Load(workDir())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := review.Import(f, idx)
			if err != nil {
				return err
			}
			if err := idx.Save(); err != nil {
				return err
			}
			logSuccess("%d updated, %d unchanged", res.Updated, res.Unchanged)
			for _, row := range res.Orphaned {
				logWarning("orphaned: %s (%s)", row.UnitID, row.Locator)
			}
			return nil
		},
	}

	cmd.AddCommand(export, imp)
	return cmd
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and export the translation memory",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show translation memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := memory.Open(workDir())
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.Stat()
			if err != nil {
				return err
			}
			fmt.Printf("Entries:     %d\n", st.Entries)
			fmt.Printf("Superseded:  %d\n", st.Superseded)
			for pair, n := range st.LangPairs {
				fmt.Printf("  %-10s %d\n", pair, n)
			}
			for prov, n := range st.Providers {
				fmt.Printf("  via %-6s %d\n", prov, n)
			}
			return nil
		},
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export the memory as TMX",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.Open(workDir())
			if err != nil {
				return err
			}
			defer store.Close()
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := store.ExportTMX(f, cfg.SourceLang, cfg.TargetLang, version); err != nil {
				return err
			}
			logSuccess("wrote %s", out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "output", "o", "memory.tmx", "Output TMX path")

	cmd.AddCommand(stats, export)
	return cmd
}

// ---------------------------------------------------------------------------
// check
// ---------------------------------------------------------------------------

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run quality checks over pending translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			checker, err := quality.New(nil)
			if err != nil {
				return err
			}
			if cfg.QualityPatterns != "" {
				checker, err = quality.Load(filepath.Join(rootDir, cfg.QualityPatterns))
				if err != nil {
					return err
				}
			}
			idx, err := index.Load(workDir())
			if err != nil {
				return err
			}

			var issues []quality.Issue
			for _, cid := range idx.ContainerIDs() {
				for _, u := range idx.ActiveUnits(cid) {
					if u.TranslatedText == "" {
						continue
					}
					issues = append(issues, checker.Check(u.UnitID, u.SourceText, u.TranslatedText)...)
				}
			}
			fmt.Println(quality.Report(issues))
			for _, is := range issues {
				if is.Severity == quality.SeverityError {
					return fmt.Errorf("%d issue(s) found", len(issues))
				}
			}
			return nil
		},
	}
}
