package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/benchlab/benchd/internal/transport"
)

// invalidMeasurement is the sentinel many scopes return for a
// measurement that cannot be made on the current capture.
const invalidMeasurement = 9e37

// SCPIScope drives SCPI-dialect oscilloscopes. Waveform data is
// transferred in ASCII form, which every serial-attached scope
// supports and which survives the line-framed transport.
type SCPIScope struct {
	tr   transport.Transport
	info DeviceInfo
	caps Capabilities
}

// NewSCPIScope builds an oscilloscope driver over an identified
// transport with the matched capability profile.
func NewSCPIScope(tr transport.Transport, info DeviceInfo, caps Capabilities) *SCPIScope {
	caps.DeviceType = DeviceTypeOscilloscope
	if caps.Channels == 0 {
		caps.Channels = 2
	}
	return &SCPIScope{tr: tr, info: info, caps: caps}
}

// Identify re-reads the instrument identity.
func (d *SCPIScope) Identify(ctx context.Context) (DeviceInfo, error) {
	return Identify(ctx, d.tr)
}

// Capabilities returns the matched profile.
func (d *SCPIScope) Capabilities() Capabilities {
	return d.caps
}

// ReadMeasurements is not applicable to oscilloscopes; scope sessions
// poll status only.
func (d *SCPIScope) ReadMeasurements(ctx context.Context) (Measurements, error) {
	return Measurements{}, &Error{Op: "readMeasurements", Code: CodeUnsupportedOperation}
}

// ReadStatusFields reads run state, timebase and per-channel display
// state and scale.
func (d *SCPIScope) ReadStatusFields(ctx context.Context) (StatusFields, error) {
	fields := make(StatusFields, 2+2*d.caps.Channels)

	stat, err := d.tr.Query(ctx, ":TRIG:STAT?")
	if err != nil {
		return nil, err
	}
	stat = strings.ToUpper(strings.TrimSpace(stat))
	fields["trigStatus"] = stat
	if stat == "STOP" {
		fields["running"] = "off"
	} else {
		fields["running"] = "on"
	}

	tb, err := d.tr.Query(ctx, ":TIM:SCAL?")
	if err != nil {
		return nil, err
	}
	fields["timebase"] = tb

	for ch := 1; ch <= d.caps.Channels; ch++ {
		dispRaw, err := d.tr.Query(ctx, fmt.Sprintf(":CHAN%d:DISP?", ch))
		if err != nil {
			return nil, err
		}
		on, err := parseOnOff(dispRaw)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("ch%d", ch)
		if on {
			fields[key] = "on"
		} else {
			fields[key] = "off"
		}

		scale, err := d.tr.Query(ctx, fmt.Sprintf(":CHAN%d:SCAL?", ch))
		if err != nil {
			return nil, err
		}
		fields[key+"Scale"] = scale
	}

	return fields, nil
}

// SetMode is not applicable to oscilloscopes.
func (d *SCPIScope) SetMode(ctx context.Context, mode LoadMode) error {
	return &Error{Op: "setMode", Code: CodeUnsupportedOperation}
}

// SetOutput is not applicable to oscilloscopes.
func (d *SCPIScope) SetOutput(ctx context.Context, on bool) error {
	return &Error{Op: "setOutput", Code: CodeUnsupportedOperation}
}

// SetValue is not applicable to oscilloscopes.
func (d *SCPIScope) SetValue(ctx context.Context, kind ValueKind, value float64) error {
	return &Error{Op: "setValue", Code: CodeUnsupportedOperation}
}

// StartList is reserved for hardware list mode.
func (d *SCPIScope) StartList(ctx context.Context) error {
	return &Error{Op: "startList", Code: CodeNotImplemented}
}

// StopList is reserved for hardware list mode.
func (d *SCPIScope) StopList(ctx context.Context) error {
	return &Error{Op: "stopList", Code: CodeNotImplemented}
}

func (d *SCPIScope) checkChannel(op string, channel int) error {
	if channel < 1 || channel > d.caps.Channels {
		return &Error{Op: op, Code: CodeInvalidValue, Err: fmt.Errorf("channel %d outside 1..%d", channel, d.caps.Channels)}
	}
	return nil
}

// ReadWaveform captures one channel's trace in ASCII form.
func (d *SCPIScope) ReadWaveform(ctx context.Context, channel int) (Waveform, error) {
	if err := d.checkChannel("readWaveform", channel); err != nil {
		return Waveform{}, err
	}
	if err := d.tr.Command(ctx, ":WAV:FORM ASC"); err != nil {
		return Waveform{}, err
	}
	if err := d.tr.Command(ctx, fmt.Sprintf(":WAV:SOUR CHAN%d", channel)); err != nil {
		return Waveform{}, err
	}
	xincRaw, err := d.tr.Query(ctx, ":WAV:XINC?")
	if err != nil {
		return Waveform{}, err
	}
	xinc, err := parseNumber(xincRaw)
	if err != nil {
		return Waveform{}, err
	}
	dataRaw, err := d.tr.Query(ctx, ":WAV:DATA?")
	if err != nil {
		return Waveform{}, err
	}
	samples, err := parseWaveformBlock(dataRaw)
	if err != nil {
		return Waveform{}, err
	}
	return Waveform{Channel: channel, Samples: samples, SampleIntervalS: xinc}, nil
}

// parseWaveformBlock parses an ASCII waveform reply, stripping the
// optional IEEE 488.2 block header ("#<n><len>") some scopes prepend.
func parseWaveformBlock(raw string) ([]float64, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "#") {
		if len(s) < 2 {
			return nil, &Error{Op: "readWaveform", Code: CodeParseError, Err: fmt.Errorf("truncated block header %q", raw)}
		}
		n := int(s[1] - '0')
		if n < 0 || n > 9 || len(s) < 2+n {
			return nil, &Error{Op: "readWaveform", Code: CodeParseError, Err: fmt.Errorf("bad block header %q", raw)}
		}
		s = s[2+n:]
	}
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	samples := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &Error{Op: "readWaveform", Code: CodeParseError, Err: fmt.Errorf("bad sample %q", p)}
		}
		samples = append(samples, v)
	}
	return samples, nil
}

// scopeMeasItems maps measurement kinds to the instrument's item names.
var scopeMeasItems = []struct {
	kind string
	item string
}{
	{ScopeMeasVpp, "VPP"},
	{ScopeMeasVavg, "VAVG"},
	{ScopeMeasFrequency, "FREQ"},
	{ScopeMeasDuty, "PDUT"},
}

// ReadScopeMeasurements reads the automatic measurements for every
// displayed channel. Invalid readouts (the 9.9e37 sentinel) are
// skipped.
func (d *SCPIScope) ReadScopeMeasurements(ctx context.Context) ([]ScopeMeasurement, error) {
	var out []ScopeMeasurement
	for ch := 1; ch <= d.caps.Channels; ch++ {
		dispRaw, err := d.tr.Query(ctx, fmt.Sprintf(":CHAN%d:DISP?", ch))
		if err != nil {
			return nil, err
		}
		on, err := parseOnOff(dispRaw)
		if err != nil {
			return nil, err
		}
		if !on {
			continue
		}
		for _, mi := range scopeMeasItems {
			raw, err := d.tr.Query(ctx, fmt.Sprintf(":MEAS:ITEM? %s,CHAN%d", mi.item, ch))
			if err != nil {
				return nil, err
			}
			v, err := parseNumber(raw)
			if err != nil {
				return nil, err
			}
			if v >= invalidMeasurement {
				continue
			}
			out = append(out, ScopeMeasurement{Channel: ch, Kind: mi.kind, Value: v})
		}
	}
	return out, nil
}

// ReadMeasurement reads one named measurement from one channel. An
// invalid readout (the 9.9e37 sentinel) is an error: the caller asked
// for a specific item and silence would hide a miswired probe.
func (d *SCPIScope) ReadMeasurement(ctx context.Context, channel int, kind string) (ScopeMeasurement, error) {
	if err := d.checkChannel("readMeasurement", channel); err != nil {
		return ScopeMeasurement{}, err
	}
	item := ""
	for _, mi := range scopeMeasItems {
		if mi.kind == kind {
			item = mi.item
			break
		}
	}
	if item == "" {
		return ScopeMeasurement{}, &Error{Op: "readMeasurement", Code: CodeInvalidValue, Err: fmt.Errorf("unknown measurement %q", kind)}
	}
	raw, err := d.tr.Query(ctx, fmt.Sprintf(":MEAS:ITEM? %s,CHAN%d", item, channel))
	if err != nil {
		return ScopeMeasurement{}, err
	}
	v, err := parseNumber(raw)
	if err != nil {
		return ScopeMeasurement{}, err
	}
	if v >= invalidMeasurement {
		return ScopeMeasurement{}, &Error{Op: "readMeasurement", Code: CodeInvalidValue, Err: fmt.Errorf("%s not measurable on channel %d", kind, channel)}
	}
	return ScopeMeasurement{Channel: channel, Kind: kind, Value: v}, nil
}

// Screenshot returns a PNG of the display. Only profiles that declare
// HasScreenshot support it: display data must come back as a single
// base64 line to survive the line-framed transport, which stock scopes
// do not do.
func (d *SCPIScope) Screenshot(ctx context.Context) ([]byte, error) {
	if !d.caps.HasScreenshot {
		return nil, &Error{Op: "screenshot", Code: CodeUnsupportedOperation}
	}
	raw, err := d.tr.Query(ctx, ":DISP:DATA?")
	if err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, &Error{Op: "screenshot", Code: CodeParseError, Err: err}
	}
	return png, nil
}

// SetRunState starts or stops acquisition.
func (d *SCPIScope) SetRunState(ctx context.Context, running bool) error {
	if running {
		return d.tr.Command(ctx, ":RUN")
	}
	return d.tr.Command(ctx, ":STOP")
}

// Single arms a single-shot acquisition.
func (d *SCPIScope) Single(ctx context.Context) error {
	return d.tr.Command(ctx, ":SING")
}

// AutoSetup asks the instrument to pick display settings for the
// applied signals. Scopes take a moment to settle afterwards; callers
// should re-poll rather than assume the next status read is final.
func (d *SCPIScope) AutoSetup(ctx context.Context) error {
	return d.tr.Command(ctx, ":AUT")
}

// SetChannelEnabled shows or hides a channel.
func (d *SCPIScope) SetChannelEnabled(ctx context.Context, channel int, enabled bool) error {
	if err := d.checkChannel("setChannelEnabled", channel); err != nil {
		return err
	}
	return d.tr.Command(ctx, fmt.Sprintf(":CHAN%d:DISP %s", channel, onOff(enabled)))
}

// SetTimebase programs seconds per division.
func (d *SCPIScope) SetTimebase(ctx context.Context, secondsPerDiv float64) error {
	if secondsPerDiv <= 0 {
		return &Error{Op: "setTimebase", Code: CodeInvalidValue, Err: fmt.Errorf("timebase %g must be positive", secondsPerDiv)}
	}
	return d.tr.Command(ctx, ":TIM:SCAL "+strconv.FormatFloat(secondsPerDiv, 'g', -1, 64))
}

// SetChannelScale programs volts per division for a channel.
func (d *SCPIScope) SetChannelScale(ctx context.Context, channel int, voltsPerDiv float64) error {
	if err := d.checkChannel("setChannelScale", channel); err != nil {
		return err
	}
	if voltsPerDiv <= 0 {
		return &Error{Op: "setChannelScale", Code: CodeInvalidValue, Err: fmt.Errorf("scale %g must be positive", voltsPerDiv)}
	}
	return d.tr.Command(ctx, fmt.Sprintf(":CHAN%d:SCAL %s", channel, strconv.FormatFloat(voltsPerDiv, 'g', -1, 64)))
}

// SetTriggerLevel programs the edge trigger source and level.
func (d *SCPIScope) SetTriggerLevel(ctx context.Context, channel int, level float64) error {
	if err := d.checkChannel("setTriggerLevel", channel); err != nil {
		return err
	}
	if err := d.tr.Command(ctx, fmt.Sprintf(":TRIG:EDGE:SOUR CHAN%d", channel)); err != nil {
		return err
	}
	return d.tr.Command(ctx, ":TRIG:EDGE:LEV "+strconv.FormatFloat(level, 'g', -1, 64))
}
