// Package apply orchestrates one transactional patch-back: parse,
// plan, snapshot, rewrite, verify, and either commit or roll back to
// the snapshot. A job moves through an explicit state machine and a
// per-file lock keeps concurrent jobs off the same file.
package apply

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ludokit/ludokit/backup"
	"github.com/ludokit/ludokit/codec"
	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
	"github.com/ludokit/ludokit/events"
	"github.com/ludokit/ludokit/extract"
	"github.com/ludokit/ludokit/index"
	"github.com/ludokit/ludokit/patch"
	"github.com/ludokit/ludokit/treecodec"
)

// State is the job's position in the apply lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StatePlanning     State = "planning"
	StateSnapshotting State = "snapshotting"
	StateRewriting    State = "rewriting"
	StateVerifying    State = "verifying"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"
)

// Engine runs apply jobs. Safe for concurrent use; applies touching the
// same file serialize on a per-file lock.
type Engine struct {
	Backups *backup.Manager
	Index   *index.File
	Events  *events.Stream
	Rules   treecodec.Rules

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires an engine. stream may be nil.
func NewEngine(backups *backup.Manager, idx *index.File, stream *events.Stream, rules treecodec.Rules) *Engine {
	return &Engine{
		Backups: backups,
		Index:   idx,
		Events:  stream,
		Rules:   rules,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Report summarizes one finished job.
type Report struct {
	JobID    string
	State    State
	Snapshot string
	// Applied counts patched units per container id.
	Applied map[string]int
	// Stale lists units excluded at planning, per container id.
	Stale map[string][]patch.Stale
	// Skipped lists files with nothing to apply.
	Skipped []string
}

// fileWork is the per-file working set carried across states.
type fileWork struct {
	path        string
	containerID string
	format      codec.Format
	cdc         codec.Codec
	graph       *container.Graph
	units       []extract.Unit
	plan        *patch.Plan
	rewritten   []byte
}

// Run applies every pending translation in the index to the given
// files. The snapshot covers all files and is durably persisted before
// the first byte of any rewrite; failure at or after Rewriting restores
// every file from it. Cancellation is honored between files during
// Extracting and Planning only; once Snapshotting starts, the job runs
// through Verifying before the context is consulted again.
func (e *Engine) Run(ctx context.Context, paths []string) (*Report, error) {
	rep := &Report{
		JobID:   uuid.NewString(),
		State:   StateIdle,
		Applied: make(map[string]int),
		Stale:   make(map[string][]patch.Stale),
	}

	unlock := e.lockAll(paths)
	defer unlock()

	// Extracting
	rep.State = StateExtracting
	var work []*fileWork
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		fw, err := e.loadFile(path)
		if err != nil {
			return rep, err
		}
		e.emit(events.Event{Kind: events.KindUnitExtracted, JobID: rep.JobID,
			ContainerID: fw.containerID, Count: len(fw.units)})
		work = append(work, fw)
	}

	// Planning
	rep.State = StatePlanning
	var pending []*fileWork
	for _, fw := range work {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		plan, err := patch.Build(fw.graph, fw.format, fw.units)
		if err != nil {
			return rep, err
		}
		for _, s := range plan.Stale {
			e.emit(events.Event{Kind: events.KindUnitStale, JobID: rep.JobID,
				ContainerID: fw.containerID, UnitID: s.Unit.UnitID, Detail: s.Err.Error()})
		}
		if len(plan.Stale) > 0 {
			rep.Stale[fw.containerID] = plan.Stale
		}
		if len(plan.Ops) == 0 {
			rep.Skipped = append(rep.Skipped, fw.path)
			continue
		}
		fw.plan = plan
		e.emit(events.Event{Kind: events.KindPlanBuilt, JobID: rep.JobID,
			ContainerID: fw.containerID, Count: len(plan.Ops)})
		pending = append(pending, fw)
	}
	if len(pending) == 0 {
		rep.State = StateCommitted
		return rep, nil
	}

	// Snapshotting. From here on the context is not consulted until
	// Verifying is done: a half-applied cancel would leave files in a
	// state the snapshot exists to prevent.
	rep.State = StateSnapshotting
	var snapPaths []string
	for _, fw := range pending {
		snapPaths = append(snapPaths, fw.path)
	}
	snap, err := e.Backups.Take(snapPaths, "apply "+rep.JobID)
	if err != nil {
		return rep, fmt.Errorf("snapshot: %w", err)
	}
	rep.Snapshot = snap.Manifest.ID
	e.emit(events.Event{Kind: events.KindSnapshotTaken, JobID: rep.JobID,
		Detail: snap.Manifest.ID, Count: len(snapPaths)})

	// Rewriting
	rep.State = StateRewriting
	if err := e.rewriteAll(pending); err != nil {
		return rep, e.rollback(rep, snap, err)
	}

	// Verifying
	rep.State = StateVerifying
	for _, fw := range pending {
		if err := verify(fw); err != nil {
			return rep, e.rollback(rep, snap, err)
		}
	}

	// Committed
	for _, fw := range pending {
		rep.Applied[fw.containerID] = len(fw.plan.Ops)
		e.markApplied(fw)
		e.emit(events.Event{Kind: events.KindFileCommitted, JobID: rep.JobID,
			ContainerID: fw.containerID, Count: len(fw.plan.Ops)})
	}
	rep.State = StateCommitted
	if e.Index != nil {
		if err := e.Index.Save(); err != nil {
			return rep, err
		}
	}
	// A cancel that landed after Snapshotting changes nothing: the job
	// is committed and durable.
	return rep, nil
}

// loadFile parses one container and pulls its translated units from
// the index.
func (e *Engine) loadFile(path string) (*fileWork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	format, err := codec.Detect(path, data)
	if err != nil {
		return nil, err
	}
	cdc := codec.For(format, e.Rules)
	containerID := filepath.Base(path)

	graph, err := cdc.Parse(containerID, data)
	if err != nil {
		return nil, err
	}

	var units []extract.Unit
	if e.Index != nil {
		for _, u := range e.Index.ActiveUnits(containerID) {
			if u.TranslatedText != "" && u.Status != extract.StatusApplied {
				units = append(units, u)
			}
		}
	}
	return &fileWork{
		path:        path,
		containerID: containerID,
		format:      format,
		cdc:         cdc,
		graph:       graph,
		units:       units,
	}, nil
}

// rewriteAll serializes every pending graph and lands it with
// write-to-temp-then-rename. The original is never truncated in place.
func (e *Engine) rewriteAll(pending []*fileWork) error {
	for _, fw := range pending {
		out, err := fw.cdc.Rewrite(fw.graph, fw.plan.Ops)
		if err != nil {
			return err
		}
		fw.rewritten = out

		tmp, err := os.CreateTemp(filepath.Dir(fw.path), "."+fw.containerID+".tmp*")
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", fw.path, err)
		}
		if _, err := tmp.Write(out); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("rewrite %s: %w", fw.path, err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("rewrite %s: %w", fw.path, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("rewrite %s: %w", fw.path, err)
		}
		if err := os.Rename(tmp.Name(), fw.path); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("rewrite %s: %w", fw.path, err)
		}
		e.emit(events.Event{Kind: events.KindFileRewritten,
			ContainerID: fw.containerID, Count: len(out)})
	}
	return nil
}

// verify reparses the rewritten file and confirms every patched unit's
// new text is recoverable from the fresh parse.
func verify(fw *fileWork) error {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", fw.path, err)
	}
	graph, err := fw.cdc.Parse(fw.containerID, data)
	if err != nil {
		return err
	}

	byLocator := make(map[string]string)
	for _, f := range fw.cdc.TextFields(graph) {
		byLocator[f.Locator] = f.Value
	}
	for _, u := range fw.units {
		if u.TranslatedText == "" {
			continue
		}
		planned := false
		for _, op := range fw.plan.Ops {
			loc := op.Field
			if fw.format == codec.FormatBinary {
				loc = container.BinaryLocator(op.ObjectID, op.Field)
			}
			if loc == u.Locator {
				planned = true
				break
			}
		}
		if !planned {
			continue
		}
		if got := byLocator[u.Locator]; got != u.TranslatedText {
			return errs.PatchConflict(fmt.Sprintf(
				"verify %s: %s holds %q after rewrite", fw.containerID, u.Locator, got))
		}
	}
	return nil
}

// rollback restores the snapshot and folds the cause into the report.
func (e *Engine) rollback(rep *Report, snap *backup.Snapshot, cause error) error {
	if rerr := e.Backups.Restore(snap); rerr != nil {
		// Restore itself failed integrity; stop everything.
		return fmt.Errorf("rollback of job %s failed: %w (apply failure: %v)",
			rep.JobID, rerr, cause)
	}
	rep.State = StateRolledBack
	e.emit(events.Event{Kind: events.KindFileRolledBack, JobID: rep.JobID,
		Detail: cause.Error()})
	return cause
}

// markApplied flips the applied units' status in the index.
func (e *Engine) markApplied(fw *fileWork) {
	if e.Index == nil {
		return
	}
	planned := make(map[string]bool, len(fw.plan.Ops))
	for _, op := range fw.plan.Ops {
		loc := op.Field
		if fw.format == codec.FormatBinary {
			loc = container.BinaryLocator(op.ObjectID, op.Field)
		}
		planned[loc] = true
	}
	for _, u := range fw.units {
		if planned[u.Locator] {
			e.Index.SetTranslation(fw.containerID, u.UnitID, u.TranslatedText, extract.StatusApplied)
		}
	}
}

// lockAll takes the per-file locks in sorted path order so two jobs
// over overlapping file sets cannot deadlock.
func (e *Engine) lockAll(paths []string) func() {
	uniq := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		uniq[abs] = true
	}
	sorted := make([]string, 0, len(uniq))
	for p := range uniq {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var held []*sync.Mutex
	for _, p := range sorted {
		e.mu.Lock()
		l, ok := e.locks[p]
		if !ok {
			l = &sync.Mutex{}
			e.locks[p] = l
		}
		e.mu.Unlock()
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (e *Engine) emit(ev events.Event) {
	e.Events.Emit(ev)
}
