package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benchlab/benchd/internal/transport"
)

// SCPILoad drives SCPI-dialect electronic loads.
type SCPILoad struct {
	tr   transport.Transport
	info DeviceInfo
	caps Capabilities
}

// NewSCPILoad builds an electronic load driver over an identified
// transport with the matched capability profile.
func NewSCPILoad(tr transport.Transport, info DeviceInfo, caps Capabilities) *SCPILoad {
	caps.DeviceType = DeviceTypeElectronicLoad
	if caps.Channels == 0 {
		caps.Channels = 1
	}
	if len(caps.Modes) == 0 {
		caps.Modes = []LoadMode{ModeConstantCurrent, ModeConstantVoltage, ModeConstantPower, ModeConstantResistance}
	}
	return &SCPILoad{tr: tr, info: info, caps: caps}
}

// Identify re-reads the instrument identity.
func (d *SCPILoad) Identify(ctx context.Context) (DeviceInfo, error) {
	return Identify(ctx, d.tr)
}

// Capabilities returns the matched profile.
func (d *SCPILoad) Capabilities() Capabilities {
	return d.caps
}

// ReadMeasurements reads the sunk voltage and current. Power is computed.
func (d *SCPILoad) ReadMeasurements(ctx context.Context) (Measurements, error) {
	vRaw, err := d.tr.Query(ctx, "MEAS:VOLT?")
	if err != nil {
		return Measurements{}, err
	}
	v, err := parseNumber(vRaw)
	if err != nil {
		return Measurements{}, err
	}
	iRaw, err := d.tr.Query(ctx, "MEAS:CURR?")
	if err != nil {
		return Measurements{}, err
	}
	i, err := parseNumber(iRaw)
	if err != nil {
		return Measurements{}, err
	}
	return Measurements{
		Voltage:     v,
		Current:     i,
		Power:       v * i,
		TimestampMs: time.Now().UnixMilli(),
	}, nil
}

// modeFunction maps operating modes to the instrument's FUNC argument.
var modeFunction = map[LoadMode]string{
	ModeConstantCurrent:    "CURR",
	ModeConstantVoltage:    "VOLT",
	ModeConstantPower:      "POW",
	ModeConstantResistance: "RES",
}

// functionMode is the reverse of modeFunction for parsing FUNC? replies.
func functionMode(fn string) (LoadMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(fn)) {
	case "CURR", "CURRENT":
		return ModeConstantCurrent, true
	case "VOLT", "VOLTAGE":
		return ModeConstantVoltage, true
	case "POW", "POWER":
		return ModeConstantPower, true
	case "RES", "RESISTANCE":
		return ModeConstantResistance, true
	default:
		return "", false
	}
}

// modeSetpointKind maps an operating mode to the value kind it regulates.
func modeSetpointKind(mode LoadMode) ValueKind {
	switch mode {
	case ModeConstantVoltage:
		return KindVoltage
	case ModeConstantPower:
		return KindPower
	case ModeConstantResistance:
		return KindResistance
	default:
		return KindCurrent
	}
}

// ReadStatusFields reads input state, operating mode and the active
// mode's setpoint.
func (d *SCPILoad) ReadStatusFields(ctx context.Context) (StatusFields, error) {
	fields := make(StatusFields, 3)

	inRaw, err := d.tr.Query(ctx, "INP?")
	if err != nil {
		return nil, err
	}
	on, err := parseOnOff(inRaw)
	if err != nil {
		return nil, err
	}
	if on {
		fields["input"] = "on"
	} else {
		fields["input"] = "off"
	}

	fnRaw, err := d.tr.Query(ctx, "FUNC?")
	if err != nil {
		return nil, err
	}
	mode, ok := functionMode(fnRaw)
	if !ok {
		return nil, &Error{Op: "readStatus", Code: CodeParseError, Err: fmt.Errorf("unknown FUNC reply %q", fnRaw)}
	}
	fields["mode"] = string(mode)

	kind := modeSetpointKind(mode)
	spRaw, err := d.tr.Query(ctx, setpointQuery(kind))
	if err != nil {
		return nil, err
	}
	fields[string(kind)+"Setpoint"] = spRaw

	return fields, nil
}

// setpointQuery returns the query for a kind's programmed value.
func setpointQuery(kind ValueKind) string {
	switch kind {
	case KindVoltage:
		return "VOLT?"
	case KindPower:
		return "POW?"
	case KindResistance:
		return "RES?"
	default:
		return "CURR?"
	}
}

// SetMode switches the operating mode.
func (d *SCPILoad) SetMode(ctx context.Context, mode LoadMode) error {
	if !d.caps.SupportsMode(mode) {
		return &Error{Op: "setMode", Code: CodeInvalidMode, Err: fmt.Errorf("mode %q not supported", mode)}
	}
	return d.tr.Command(ctx, "FUNC "+modeFunction[mode])
}

// SetOutput switches the input stage on or off.
func (d *SCPILoad) SetOutput(ctx context.Context, on bool) error {
	return d.tr.Command(ctx, "INP "+onOff(on))
}

// SetValue programs the setpoint for the kind's mode. The instrument
// keeps one setpoint per mode; programming a kind whose mode is not
// active takes effect when that mode is selected.
func (d *SCPILoad) SetValue(ctx context.Context, kind ValueKind, value float64) error {
	if err := ValidateSetpoint(d.caps, kind, value); err != nil {
		return err
	}
	switch kind {
	case KindCurrent:
		return d.tr.Command(ctx, "CURR "+FormatValue(kind, value))
	case KindVoltage:
		return d.tr.Command(ctx, "VOLT "+FormatValue(kind, value))
	case KindPower:
		return d.tr.Command(ctx, "POW "+FormatValue(kind, value))
	case KindResistance:
		return d.tr.Command(ctx, "RES "+FormatValue(kind, value))
	default:
		return &Error{Op: "setValue", Code: CodeUnsupportedOperation}
	}
}

// StartList is reserved for hardware list mode.
func (d *SCPILoad) StartList(ctx context.Context) error {
	return &Error{Op: "startList", Code: CodeNotImplemented}
}

// StopList is reserved for hardware list mode.
func (d *SCPILoad) StopList(ctx context.Context) error {
	return &Error{Op: "stopList", Code: CodeNotImplemented}
}
