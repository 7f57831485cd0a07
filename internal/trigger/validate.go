package trigger

import (
	"fmt"

	"github.com/benchlab/benchd/internal/driver"
)

// ValidateScript checks a script before it runs or is persisted. Value
// conditions may only watch measured parameters (voltage, current,
// power); actions that write accept any settable parameter.
func ValidateScript(s Script) error {
	bad := func(format string, args ...any) error {
		return &Error{
			Op:       "validate",
			ScriptID: s.ID,
			Err:      fmt.Errorf("%w: %s", ErrInvalidScript, fmt.Sprintf(format, args...)),
		}
	}
	if len(s.Triggers) == 0 {
		return bad("script has no triggers")
	}
	seen := make(map[string]bool, len(s.Triggers))
	for i, t := range s.Triggers {
		if t.ID == "" {
			return bad("trigger %d has no id", i)
		}
		if seen[t.ID] {
			return bad("duplicate trigger id %q", t.ID)
		}
		seen[t.ID] = true
		if t.RepeatMode != RepeatOnce && t.RepeatMode != RepeatAlways {
			return bad("trigger %s: unknown repeat mode %q", t.ID, t.RepeatMode)
		}
		if t.DebounceMs < 0 {
			return bad("trigger %s: negative debounce", t.ID)
		}
		if err := validateCondition(t, bad); err != nil {
			return err
		}
		if err := validateAction(t, bad); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(t Trigger, bad func(string, ...any) error) error {
	c := t.Condition
	switch c.Type {
	case ConditionValue:
		if c.DeviceID == "" {
			return bad("trigger %s: value condition needs a device", t.ID)
		}
		if !measuredParameter(c.Parameter) {
			return bad("trigger %s: parameter %q is not measured", t.ID, c.Parameter)
		}
		switch c.Operator {
		case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		default:
			return bad("trigger %s: unknown operator %q", t.ID, c.Operator)
		}
	case ConditionTime:
		if c.Seconds <= 0 {
			return bad("trigger %s: seconds must be positive", t.ID)
		}
	default:
		return bad("trigger %s: unknown condition type %q", t.ID, c.Type)
	}
	return nil
}

func validateAction(t Trigger, bad func(string, ...any) error) error {
	a := t.Action
	switch a.Type {
	case ActionSetValue:
		if a.DeviceID == "" {
			return bad("trigger %s: setValue needs a device", t.ID)
		}
		if !settableParameter(a.Parameter) {
			return bad("trigger %s: unknown parameter %q", t.ID, a.Parameter)
		}
	case ActionSetOutput:
		if a.DeviceID == "" {
			return bad("trigger %s: setOutput needs a device", t.ID)
		}
	case ActionStartSequence:
		if a.SequenceID == "" {
			return bad("trigger %s: startSequence needs a sequence id", t.ID)
		}
		if a.DeviceID == "" {
			return bad("trigger %s: startSequence needs a device", t.ID)
		}
		if !settableParameter(a.Parameter) {
			return bad("trigger %s: unknown parameter %q", t.ID, a.Parameter)
		}
	case ActionStopSequence, ActionPauseSequence:
	default:
		return bad("trigger %s: unknown action type %q", t.ID, a.Type)
	}
	return nil
}

func measuredParameter(k driver.ValueKind) bool {
	switch k {
	case driver.KindVoltage, driver.KindCurrent, driver.KindPower:
		return true
	}
	return false
}

func settableParameter(k driver.ValueKind) bool {
	switch k {
	case driver.KindVoltage, driver.KindCurrent, driver.KindPower, driver.KindResistance:
		return true
	}
	return false
}
