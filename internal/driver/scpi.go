package driver

import (
	"fmt"
	"strconv"
	"strings"
)

// decimalsFor returns the wire precision used when programming a value
// of the given kind.
func decimalsFor(kind ValueKind) int {
	switch kind {
	case KindVoltage, KindCurrent:
		return 3
	case KindPower:
		return 2
	case KindResistance:
		return 1
	default:
		return 3
	}
}

// FormatValue renders v for the wire with fixed decimals. Instruments
// reject scientific notation, so 'f' formatting is mandatory.
func FormatValue(kind ValueKind, v float64) string {
	return strconv.FormatFloat(v, 'f', decimalsFor(kind), 64)
}

// parseNumber parses an instrument numeric reply, tolerating
// surrounding whitespace and a trailing unit suffix such as "V" or
// "OHM".
func parseNumber(s string) (float64, error) {
	tok := strings.TrimSpace(s)
	if fields := strings.Fields(tok); len(fields) > 0 {
		tok = fields[0]
	}
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return v, nil
	}
	trimmed := strings.TrimRightFunc(tok, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, &Error{Op: "parse", Code: CodeParseError, Err: fmt.Errorf("unparseable number %q", s)}
	}
	return v, nil
}

// parseOnOff parses a boolean reply in any of the forms instruments
// use: "1"/"0", "ON"/"OFF".
func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	default:
		return false, &Error{Op: "parse", Code: CodeParseError, Err: fmt.Errorf("unparseable boolean %q", s)}
	}
}

// onOff formats a boolean for the wire.
func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ValidateSetpoint validates a programmed value against the capability
// range before any I/O happens.
func ValidateSetpoint(caps Capabilities, kind ValueKind, value float64) error {
	r, ok := caps.Setpoints[kind]
	if !ok {
		return &Error{Op: "setValue", Code: CodeUnsupportedOperation, Err: fmt.Errorf("%s is not settable on this device", kind)}
	}
	if !r.Contains(value) {
		return &Error{Op: "setValue", Code: CodeInvalidValue, Err: fmt.Errorf("%s %g outside range [%g, %g]", kind, value, r.Min, r.Max)}
	}
	return nil
}
