package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/trigger"
)

// openTestStore opens a store on a fresh temp file with a counting
// clock and deterministic IDs.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "benchd.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var now int64
	s.nowMs = func() int64 {
		now += 1000
		return now
	}
	var n int
	s.newID = func() string {
		n++
		return fmt.Sprintf("%08x", n)
	}
	return s
}

func rampDef(name string) sequence.Definition {
	return sequence.Definition{
		Name: name,
		Unit: "V",
		Waveform: sequence.Waveform{
			Type:           sequence.WaveRamp,
			Min:            0,
			Max:            10,
			PointsPerCycle: 100,
			IntervalMs:     100,
		},
	}
}

func guardScript(name string) trigger.Script {
	return trigger.Script{
		Name: name,
		Triggers: []trigger.Trigger{{
			ID: "t1",
			Condition: trigger.Condition{
				Type:      trigger.ConditionValue,
				DeviceID:  "psu-1",
				Parameter: driver.KindVoltage,
				Operator:  trigger.OpGreater,
				Value:     5,
			},
			Action: trigger.Action{
				Type:     trigger.ActionSetOutput,
				DeviceID: "psu-1",
			},
			RepeatMode: trigger.RepeatOnce,
			DebounceMs: 100,
		}},
	}
}

func TestSequenceLibrarySaveAssignsIDAndStamps(t *testing.T) {
	s := openTestStore(t)
	lib := s.Sequences()

	// Client-supplied identity and timestamps are discarded on save.
	def := rampDef("voltage ramp")
	def.ID = "spoofed"
	def.CreatedAtMs = 42
	def.UpdatedAtMs = 42

	id, err := lib.Save(def)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "seq_00000001" {
		t.Fatalf("id = %q", id)
	}

	got, err := lib.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "voltage ramp" || got.ID != id {
		t.Errorf("got = %+v", got)
	}
	if got.CreatedAtMs != 1000 || got.UpdatedAtMs != 1000 {
		t.Errorf("timestamps = %d/%d, want 1000/1000", got.CreatedAtMs, got.UpdatedAtMs)
	}
}

func TestSequenceLibraryUpdatePreservesCreation(t *testing.T) {
	s := openTestStore(t)
	lib := s.Sequences()

	id, err := lib.Save(rampDef("before"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	def, _ := lib.Get(id)
	def.Name = "after"
	def.Waveform.Max = 20
	if err := lib.Update(def); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := lib.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "after" || got.Waveform.Max != 20 {
		t.Errorf("got = %+v", got)
	}
	if got.CreatedAtMs != 1000 {
		t.Errorf("createdAt = %d, want original 1000", got.CreatedAtMs)
	}
	if got.UpdatedAtMs <= got.CreatedAtMs {
		t.Errorf("updatedAt = %d not after createdAt", got.UpdatedAtMs)
	}
}

func TestSequenceLibraryUpdateErrors(t *testing.T) {
	s := openTestStore(t)
	lib := s.Sequences()

	def := rampDef("x")
	if err := lib.Update(def); !errors.Is(err, ErrMissingID) {
		t.Errorf("update without id: %v, want ErrMissingID", err)
	}

	def.ID = "seq_deadbeef"
	if err := lib.Update(def); !errors.Is(err, ErrNotFound) {
		t.Errorf("update unknown id: %v, want ErrNotFound", err)
	}
}

func TestSequenceLibraryDelete(t *testing.T) {
	s := openTestStore(t)
	lib := s.Sequences()

	id, _ := lib.Save(rampDef("doomed"))
	if err := lib.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := lib.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
	if err := lib.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
}

func TestSequenceLibraryListsInCreationOrder(t *testing.T) {
	s := openTestStore(t)
	lib := s.Sequences()

	for _, name := range []string{"first", "second", "third"} {
		if _, err := lib.Save(rampDef(name)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	defs, err := lib.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	if !reflect.DeepEqual(names, []string{"first", "second", "third"}) {
		t.Errorf("order = %v", names)
	}
}

func TestScriptLibraryRoundtrip(t *testing.T) {
	s := openTestStore(t)
	lib := s.Scripts()

	id, err := lib.Save(guardScript("overvoltage guard"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "scr_00000001" {
		t.Fatalf("id = %q", id)
	}

	got, err := lib.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "overvoltage guard" || len(got.Triggers) != 1 {
		t.Fatalf("got = %+v", got)
	}
	if got.Triggers[0].Condition.Operator != trigger.OpGreater {
		t.Errorf("condition = %+v", got.Triggers[0].Condition)
	}

	got.Name = "renamed"
	if err := lib.Update(got); err != nil {
		t.Fatalf("update: %v", err)
	}
	scripts, err := lib.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scripts) != 1 || scripts[0].Name != "renamed" {
		t.Errorf("list = %+v", scripts)
	}

	if err := lib.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := lib.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "benchd.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := s.Sequences().Save(rampDef("durable"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SetAlias("BENCHLAB,VPSU-1,A1", "left supply"); err != nil {
		t.Fatalf("set alias: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Sequences().Get(id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Name != "durable" {
		t.Errorf("got = %+v", got)
	}
	aliases, err := s2.Aliases()
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	if aliases["BENCHLAB,VPSU-1,A1"] != "left supply" {
		t.Errorf("aliases = %v", aliases)
	}
}

func TestAliasKeyIncludesSerialWhenPresent(t *testing.T) {
	withSerial := driver.DeviceInfo{Manufacturer: "BENCHLAB", Model: "VPSU-1", Serial: "A1"}
	if got := AliasKey(withSerial); got != "BENCHLAB,VPSU-1,A1" {
		t.Errorf("key = %q", got)
	}
	noSerial := driver.DeviceInfo{Manufacturer: "BENCHLAB", Model: "VPSU-1"}
	if got := AliasKey(noSerial); got != "BENCHLAB,VPSU-1" {
		t.Errorf("key = %q", got)
	}
}

func TestSetAliasOverwritePreservesCreation(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetAlias("BENCHLAB,VLOAD-1,B2", "dc load"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAlias("BENCHLAB,VLOAD-1,B2", "the big load"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var rec aliasRecord
	if err := s.get(bucketAliases, "BENCHLAB,VLOAD-1,B2", &rec); err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Alias != "the big load" {
		t.Errorf("alias = %q", rec.Alias)
	}
	if rec.CreatedAtMs != 1000 {
		t.Errorf("createdAt = %d, want 1000", rec.CreatedAtMs)
	}
	if rec.UpdatedAtMs <= rec.CreatedAtMs {
		t.Errorf("updatedAt = %d not after createdAt", rec.UpdatedAtMs)
	}
}

func TestClearAliasIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetAlias("BENCHLAB,VPSU-1,A1", "supply"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.ClearAlias("BENCHLAB,VPSU-1,A1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.ClearAlias("BENCHLAB,VPSU-1,A1"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	aliases, _ := s.Aliases()
	if len(aliases) != 0 {
		t.Errorf("aliases = %v", aliases)
	}
}

func TestSetAliasRejectsEmptyInput(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetAlias("", "name"); err == nil {
		t.Error("empty idn accepted")
	}
	if err := s.SetAlias("BENCHLAB,VPSU-1", ""); err == nil {
		t.Error("empty alias accepted")
	}
}

func TestExportImportRoundtrip(t *testing.T) {
	src := openTestStore(t)

	seqID, err := src.Sequences().Save(rampDef("ramp"))
	if err != nil {
		t.Fatalf("save sequence: %v", err)
	}
	scrID, err := src.Scripts().Save(guardScript("guard"))
	if err != nil {
		t.Fatalf("save script: %v", err)
	}
	if err := src.SetAlias("BENCHLAB,VPSU-1,A1", "left supply"); err != nil {
		t.Fatalf("set alias: %v", err)
	}

	doc, err := src.ExportSettings()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if doc.Version != settingsVersion {
		t.Errorf("version = %d", doc.Version)
	}
	if len(doc.Sequences) != 1 || len(doc.Scripts) != 1 || len(doc.Aliases) != 1 {
		t.Fatalf("doc = %+v", doc)
	}

	dst := openTestStore(t)
	counts, err := dst.ImportSettings(doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if counts != (ImportCounts{Sequences: 1, Scripts: 1, Aliases: 1}) {
		t.Errorf("counts = %+v", counts)
	}

	// IDs survive the transfer so references between scripts and
	// sequences stay valid.
	if _, err := dst.Sequences().Get(seqID); err != nil {
		t.Errorf("sequence id not preserved: %v", err)
	}
	if _, err := dst.Scripts().Get(scrID); err != nil {
		t.Errorf("script id not preserved: %v", err)
	}
	aliases, _ := dst.Aliases()
	if aliases["BENCHLAB,VPSU-1,A1"] != "left supply" {
		t.Errorf("aliases = %v", aliases)
	}
}

func TestImportReplacesByID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Sequences().Save(rampDef("original"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	keeper, err := s.Sequences().Save(rampDef("untouched"))
	if err != nil {
		t.Fatalf("save keeper: %v", err)
	}

	doc, err := s.ExportSettings()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	doc.Sequences = doc.Sequences[:1]
	doc.Sequences[0].Name = "replaced"

	if _, err := s.ImportSettings(doc); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, err := s.Sequences().Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "replaced" {
		t.Errorf("name = %q", got.Name)
	}
	if got.CreatedAtMs != 1000 {
		t.Errorf("createdAt = %d, want 1000", got.CreatedAtMs)
	}

	// Entries the document does not name are left alone.
	if _, err := s.Sequences().Get(keeper); err != nil {
		t.Errorf("unnamed entry removed: %v", err)
	}
}

func TestImportIsAllOrNothing(t *testing.T) {
	s := openTestStore(t)

	bad := guardScript("bad")
	bad.Triggers[0].Condition.Operator = "~"

	doc := Settings{
		Version:   settingsVersion,
		Sequences: []sequence.Definition{rampDef("valid")},
		Scripts:   []trigger.Script{bad},
		Aliases:   map[string]string{},
	}

	if _, err := s.ImportSettings(doc); err == nil {
		t.Fatal("invalid script accepted")
	}

	defs, err := s.Sequences().List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("valid sibling was written despite failure: %+v", defs)
	}
}

func TestImportAssignsMissingIDs(t *testing.T) {
	s := openTestStore(t)

	doc := Settings{
		Version:   settingsVersion,
		Sequences: []sequence.Definition{rampDef("no id")},
		Scripts:   []trigger.Script{guardScript("no id")},
		Aliases:   map[string]string{},
	}

	counts, err := s.ImportSettings(doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if counts.Sequences != 1 || counts.Scripts != 1 {
		t.Errorf("counts = %+v", counts)
	}

	defs, _ := s.Sequences().List()
	if len(defs) != 1 || defs[0].ID == "" {
		t.Fatalf("defs = %+v", defs)
	}
	scripts, _ := s.Scripts().List()
	if len(scripts) != 1 || scripts[0].ID == "" {
		t.Fatalf("scripts = %+v", scripts)
	}
}

func TestCountsTallyEveryNamespace(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c != (Counts{}) {
		t.Fatalf("fresh store counts = %+v", c)
	}

	if _, err := s.Sequences().Save(rampDef("a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Sequences().Save(rampDef("b")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Scripts().Save(guardScript("g")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SetAlias("ACME,PSU-1,X1", "bench left"); err != nil {
		t.Fatalf("alias: %v", err)
	}

	c, err = s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if want := (Counts{Sequences: 2, Scripts: 1, Aliases: 1}); c != want {
		t.Errorf("counts = %+v, want %+v", c, want)
	}
}
