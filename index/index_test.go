package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ludokit/ludokit/extract"
)

func unit(containerID, locator, source string) extract.Unit {
	return extract.Unit{
		UnitID:             extract.UnitID(containerID, locator),
		ContainerID:        containerID,
		Locator:            locator,
		SourceText:         source,
		ByteLengthOriginal: len(source),
		Status:             extract.StatusExtracted,
	}
}

func TestLoadNonExistent(t *testing.T) {
	f, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load returned error for non-existent file: %v", err)
	}
	if f.Version != Version {
		t.Errorf("Version = %d, want %d", f.Version, Version)
	}
	if len(f.Containers) != 0 {
		t.Errorf("Containers not empty: %v", f.Containers)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	f, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	f.Reconcile("Map003.json", []extract.Unit{
		unit("Map003.json", "events.1.name", "EV001"),
		unit("Map003.json", "events.1.pages.0.list.0.parameters.0", "こんにちは"),
	})
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, IndexFileName)); err != nil {
		t.Fatalf("index file not created: %v", err)
	}

	f2, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	containers, active, _, _ := f2.Stats()
	if containers != 1 || active != 2 {
		t.Errorf("stats = (%d, %d), want (1, 2)", containers, active)
	}
}

func TestReconcileFirstRunIsAllAdded(t *testing.T) {
	f, _ := Load(t.TempDir())
	res := f.Reconcile("Map003.json", []extract.Unit{
		unit("Map003.json", "a", "one"),
		unit("Map003.json", "b", "two"),
	})
	if len(res.Added) != 2 || len(res.Unchanged)+len(res.Changed)+len(res.Removed) != 0 {
		t.Errorf("first run result = %+v", res)
	}
}

// The three-way reconcile: unchanged units keep their translation,
// changed units keep the old one as reference, vanished units are
// retained with the removed flag, new locators mint fresh units.
func TestReconcileThreeWay(t *testing.T) {
	f, _ := Load(t.TempDir())
	cid := "Map003.json"

	f.Reconcile(cid, []extract.Unit{
		unit(cid, "keep", "同じ"),
		unit(cid, "change", "古い"),
		unit(cid, "vanish", "消える"),
	})
	f.SetTranslation(cid, extract.UnitID(cid, "keep"), "같다", extract.StatusTranslated)
	f.SetTranslation(cid, extract.UnitID(cid, "change"), "낡았다", extract.StatusTranslated)

	res := f.Reconcile(cid, []extract.Unit{
		unit(cid, "keep", "同じ"),
		unit(cid, "change", "新しい"),
		unit(cid, "added", "増えた"),
	})

	if len(res.Unchanged) != 1 || res.Unchanged[0].Locator != "keep" {
		t.Fatalf("Unchanged = %+v", res.Unchanged)
	}
	if res.Unchanged[0].TranslatedText != "같다" {
		t.Error("unchanged unit lost its translation")
	}
	if res.Unchanged[0].Status != extract.StatusTranslated {
		t.Error("unchanged unit lost its status")
	}

	if len(res.Changed) != 1 || res.Changed[0].Locator != "change" {
		t.Fatalf("Changed = %+v", res.Changed)
	}
	if res.Changed[0].PriorTranslation != "낡았다" {
		t.Error("changed unit lost its prior translation reference")
	}
	if res.Changed[0].TranslatedText != "" {
		t.Error("changed unit should need re-translation")
	}
	// The unit id persists across the text change.
	if res.Changed[0].UnitID != extract.UnitID(cid, "change") {
		t.Error("changed unit minted a new id")
	}

	if len(res.Added) != 1 || res.Added[0].Locator != "added" {
		t.Fatalf("Added = %+v", res.Added)
	}

	vanishID := extract.UnitID(cid, "vanish")
	if len(res.Removed) != 1 || res.Removed[0] != vanishID {
		t.Fatalf("Removed = %v", res.Removed)
	}
	// Removed units stay in the index for audit.
	rec, ok := f.Get(cid, vanishID)
	if !ok || !rec.Removed {
		t.Error("removed unit not retained for audit")
	}
	// But they are out of the active set.
	for _, u := range f.ActiveUnits(cid) {
		if u.UnitID == vanishID {
			t.Error("removed unit still active")
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f, _ := Load(t.TempDir())
	units := []extract.Unit{unit("System.json", "gameTitle", "ひまわりの丘")}

	f.Reconcile("System.json", units)
	res := f.Reconcile("System.json", units)
	if len(res.Unchanged) != 1 || len(res.Added) != 0 {
		t.Errorf("second reconcile = %+v", res)
	}
}

func TestSetTranslationClearsPrior(t *testing.T) {
	f, _ := Load(t.TempDir())
	cid := "Map003.json"
	f.Reconcile(cid, []extract.Unit{unit(cid, "a", "v1")})
	id := extract.UnitID(cid, "a")
	f.SetTranslation(cid, id, "t1", extract.StatusTranslated)
	f.Reconcile(cid, []extract.Unit{unit(cid, "a", "v2")})

	rec, _ := f.Get(cid, id)
	if rec.Prior != "t1" {
		t.Fatalf("prior = %q, want t1", rec.Prior)
	}
	f.SetTranslation(cid, id, "t2", extract.StatusTranslated)
	rec, _ = f.Get(cid, id)
	if rec.Prior != "" || rec.Translated != "t2" {
		t.Errorf("after retranslation: %+v", rec)
	}
}

func TestLookupAcrossContainers(t *testing.T) {
	f, _ := Load(t.TempDir())
	f.Reconcile("A.json", []extract.Unit{unit("A.json", "x", "a")})
	f.Reconcile("B.json", []extract.Unit{unit("B.json", "y", "b")})

	cid, rec, ok := f.Lookup(extract.UnitID("B.json", "y"))
	if !ok || cid != "B.json" || rec.Locator != "y" {
		t.Errorf("Lookup = (%q, %+v, %v)", cid, rec, ok)
	}
	if _, _, ok := f.Lookup("ffffffffffffffff"); ok {
		t.Error("Lookup found a unit that does not exist")
	}
}

func TestSummary(t *testing.T) {
	f, _ := Load(t.TempDir())
	if f.Summary() != "empty" {
		t.Errorf("empty summary = %q", f.Summary())
	}
	f.Reconcile("A.json", []extract.Unit{unit("A.json", "x", "a")})
	if got := f.Summary(); got != "1 containers, 1 units (0 translated, 0 removed)" {
		t.Errorf("summary = %q", got)
	}
}
