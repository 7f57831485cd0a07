package e2e

import (
	"path/filepath"
	"testing"
)

// TestSettingsPersistenceE2E tests that settings survive a restart.
// Scenario: Save a sequence, a script and an alias -> Shut the server
// down -> Boot a fresh instance over the same store -> Everything is
// still served
func TestSettingsPersistenceE2E(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "benchd.db")

	stack := StartStackAt(t, storePath)
	c := stack.Dial(t)

	c.Send(map[string]any{
		"type": "sequenceLibrarySave",
		"sequence": map[string]any{
			"name": "kept ramp",
			"waveform": map[string]any{
				"type":  "arbitrary",
				"steps": []map[string]any{{"value": 1, "dwellMs": 10}},
			},
		},
	})
	seqID := c.WaitFor("sequenceLibrary")["sequences"].([]any)[0].(map[string]any)["id"].(string)

	c.Send(map[string]any{
		"type": "triggerScriptLibrarySave",
		"script": map[string]any{
			"name": "kept script",
			"triggers": []map[string]any{{
				"id":         "t1",
				"condition":  map[string]any{"type": "time", "seconds": 3600},
				"action":     map[string]any{"type": "setOutput", "deviceId": psuID, "enabled": false},
				"repeatMode": "once",
			}},
		},
	})
	scriptID := c.WaitFor("triggerScriptLibrary")["scripts"].([]any)[0].(map[string]any)["id"].(string)

	c.Send(map[string]any{"type": "deviceAliasSet", "idn": "BENCHLAB,VPSU-1,PS01", "alias": "rail A"})
	c.WaitFor("deviceAliasChanged")
	t.Logf("Saved sequence %s, script %s and an alias", seqID, scriptID)

	stack.Shutdown()
	t.Logf("First instance stopped")

	restarted := StartStackAt(t, storePath)
	c2 := restarted.Dial(t)

	c2.Send(map[string]any{"type": "sequenceLibraryList"})
	defs := c2.WaitFor("sequenceLibrary")["sequences"].([]any)
	if len(defs) != 1 || defs[0].(map[string]any)["id"] != seqID {
		t.Fatalf("Restarted sequence library = %v, want %s", defs, seqID)
	}

	c2.Send(map[string]any{"type": "triggerScriptLibraryList"})
	scripts := c2.WaitFor("triggerScriptLibrary")["scripts"].([]any)
	if len(scripts) != 1 || scripts[0].(map[string]any)["id"] != scriptID {
		t.Fatalf("Restarted script library = %v, want %s", scripts, scriptID)
	}

	c2.Send(map[string]any{"type": "deviceAliasList"})
	table := c2.WaitFor("deviceAliases")["aliases"].(map[string]any)
	if table["BENCHLAB,VPSU-1,PS01"] != "rail A" {
		t.Fatalf("Restarted alias table = %v", table)
	}

	// The stored alias reattaches to the rediscovered supply.
	c2.Send(map[string]any{"type": "getDevices"})
	roster := c2.WaitFor("deviceList")
	var alias any
	for _, d := range roster["devices"].([]any) {
		dev := d.(map[string]any)
		if dev["id"] == psuID {
			alias = dev["alias"]
		}
	}
	if alias != "rail A" {
		t.Fatalf("Rediscovered supply alias = %v, want rail A", alias)
	}
	t.Logf("All settings survived the restart")
}

// TestSettingsExportImportE2E tests carrying settings between servers.
// Scenario: Save on one server -> Export the settings document ->
// Import into a second, independent server -> Its libraries match
func TestSettingsExportImportE2E(t *testing.T) {
	source := StartStack(t)
	target := StartStack(t)

	cs := source.Dial(t)
	cs.Send(map[string]any{
		"type": "sequenceLibrarySave",
		"sequence": map[string]any{
			"name": "travelling ramp",
			"waveform": map[string]any{
				"type":  "arbitrary",
				"steps": []map[string]any{{"value": 2, "dwellMs": 10}},
			},
		},
	})
	cs.WaitFor("sequenceLibrary")
	cs.Send(map[string]any{"type": "deviceAliasSet", "idn": "BENCHLAB,VLOAD-1,LD01", "alias": "sink"})
	cs.WaitFor("deviceAliasChanged")

	cs.Send(map[string]any{"type": "settingsExport"})
	doc := cs.WaitFor("settingsExported")["settings"].(map[string]any)
	if doc["version"] != float64(1) {
		t.Fatalf("Settings version = %v, want 1", doc["version"])
	}
	t.Logf("Exported settings document")

	ct := target.Dial(t)
	ct.Send(map[string]any{"type": "settingsImport", "settings": doc})
	ack := ct.WaitFor("settingsImported")
	if ack["sequences"] != float64(1) || ack["aliases"] != float64(1) {
		t.Fatalf("Import ack = %v, want 1 sequence and 1 alias", ack)
	}

	ct.Send(map[string]any{"type": "sequenceLibraryList"})
	defs := ct.WaitFor("sequenceLibrary")["sequences"].([]any)
	if len(defs) != 1 || defs[0].(map[string]any)["name"] != "travelling ramp" {
		t.Fatalf("Imported library = %v", defs)
	}

	ct.Send(map[string]any{"type": "deviceAliasList"})
	table := ct.WaitFor("deviceAliases")["aliases"].(map[string]any)
	if table["BENCHLAB,VLOAD-1,LD01"] != "sink" {
		t.Fatalf("Imported alias table = %v", table)
	}
	t.Logf("Settings document moved between servers")
}
