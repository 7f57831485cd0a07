package e2e

import (
	"testing"
)

// TestTriggerValueConditionE2E tests a value trigger fired by live
// measurements.
// Scenario: Arm a script watching supply voltage -> Raise the supply
// past the threshold -> The trigger fires once and switches the load on
func TestTriggerValueConditionE2E(t *testing.T) {
	stack := StartStack(t)
	c := stack.Dial(t)

	c.Send(map[string]any{
		"type": "triggerScriptLibrarySave",
		"script": map[string]any{
			"name": "load on past 2.5 V",
			"triggers": []map[string]any{{
				"id": "t1",
				"condition": map[string]any{
					"type":      "value",
					"deviceId":  psuID,
					"parameter": "voltage",
					"operator":  ">",
					"value":     2.5,
				},
				"action": map[string]any{
					"type":     "setOutput",
					"deviceId": loadID,
					"enabled":  true,
				},
				"repeatMode": "once",
			}},
		},
	})
	lib := c.WaitFor("triggerScriptLibrary")
	id := lib["scripts"].([]any)[0].(map[string]any)["id"].(string)
	t.Logf("Saved script %s", id)

	// Watch the load to observe the action's effect.
	c.Send(map[string]any{"type": "subscribe", "deviceId": loadID})
	c.WaitFor("subscribed")

	c.Send(map[string]any{"type": "triggerScriptRun", "id": id})
	started := c.WaitFor("triggerScriptStarted")
	if started["scriptId"] != id {
		t.Fatalf("Started scriptId = %v, want %s", started["scriptId"], id)
	}

	// Push the supply past the threshold; its output settles upward
	// through 2.5 V while the script watches the measurement stream.
	c.Send(map[string]any{"type": "setValue", "deviceId": psuID, "name": "voltage", "value": 5.0, "immediate": true})
	c.Send(map[string]any{"type": "setOutput", "deviceId": psuID, "enabled": true})

	fired := c.WaitFor("triggerFired")
	if fired["scriptId"] != id || fired["triggerId"] != "t1" {
		t.Fatalf("Fired event = %v, want script %s trigger t1", fired, id)
	}
	state := fired["state"].(map[string]any)
	if state["firedCount"] != float64(1) {
		t.Fatalf("firedCount = %v, want 1", state["firedCount"])
	}
	if state["conditionMet"] != true {
		t.Fatalf("conditionMet = %v, want true", state["conditionMet"])
	}
	t.Logf("Trigger fired")

	c.WaitForMatch("field", func(m map[string]any) bool {
		return m["deviceId"] == loadID && m["field"] == "outputEnabled" && m["value"] == true
	})
	t.Logf("Load input switched on by the action")

	c.Send(map[string]any{"type": "triggerScriptStop"})
	stopped := c.WaitFor("triggerScriptStopped")
	if status := stopped["status"].(map[string]any); status["execState"] != "idle" {
		t.Fatalf("Stopped execState = %v, want idle", status["execState"])
	}
}

// TestTriggerTimeConditionE2E tests a time trigger.
// Scenario: Arm a script that programs the supply 200 ms after start ->
// The setpoint lands without any client involvement
func TestTriggerTimeConditionE2E(t *testing.T) {
	stack := StartStack(t)
	c := stack.Dial(t)

	c.Send(map[string]any{
		"type": "triggerScriptLibrarySave",
		"script": map[string]any{
			"name": "delayed setpoint",
			"triggers": []map[string]any{{
				"id": "delay",
				"condition": map[string]any{
					"type":    "time",
					"seconds": 0.2,
				},
				"action": map[string]any{
					"type":      "setValue",
					"deviceId":  psuID,
					"parameter": "voltage",
					"value":     1.5,
				},
				"repeatMode": "once",
			}},
		},
	})
	lib := c.WaitFor("triggerScriptLibrary")
	id := lib["scripts"].([]any)[0].(map[string]any)["id"].(string)

	c.Send(map[string]any{"type": "subscribe", "deviceId": psuID})
	c.WaitFor("subscribed")

	c.Send(map[string]any{"type": "triggerScriptRun", "id": id})
	c.WaitFor("triggerScriptStarted")

	fired := c.WaitFor("triggerFired")
	if fired["triggerId"] != "delay" {
		t.Fatalf("Fired triggerId = %v, want delay", fired["triggerId"])
	}
	if state := fired["state"].(map[string]any); state["firedCount"] != float64(1) {
		t.Fatalf("firedCount = %v, want 1", state["firedCount"])
	}

	c.WaitForMatch("field", func(m map[string]any) bool {
		if m["deviceId"] != psuID || m["field"] != "setpoints" {
			return false
		}
		sp, ok := m["value"].(map[string]any)
		return ok && sp["voltage"] == 1.5
	})
	t.Logf("Action programmed the supply to 1.5 V")

	c.Send(map[string]any{"type": "triggerScriptStop"})
	c.WaitFor("triggerScriptStopped")
}
