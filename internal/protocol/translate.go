package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/session"
)

// DeviceInfo is instrument identity in wire form.
type DeviceInfo struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
}

// DeviceEntry is one row of the deviceList roster.
type DeviceEntry struct {
	DeviceInfo
	Port             string                   `json:"port,omitempty"`
	Alias            string                   `json:"alias,omitempty"`
	ConnectionStatus session.ConnectionStatus `json:"connectionStatus"`
}

// ValueDescriptor describes one settable or measured quantity.
type ValueDescriptor struct {
	Name     string   `json:"name"`
	Unit     string   `json:"unit"`
	Decimals int      `json:"decimals"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Modes    []string `json:"modes,omitempty"`
}

// DeviceCapabilities is the client-facing capability description.
// Outputs lists settable quantities with their ranges; Modes lists the
// selectable operating modes in wire case.
type DeviceCapabilities struct {
	DeviceClass   string            `json:"deviceClass"`
	Outputs       []ValueDescriptor `json:"outputs,omitempty"`
	Measurements  []ValueDescriptor `json:"measurements,omitempty"`
	Modes         []string          `json:"modes,omitempty"`
	ModesSettable bool              `json:"modesSettable"`
	Features      map[string]bool   `json:"features,omitempty"`
	Channels      int               `json:"channels,omitempty"`
}

// HistoryData is the retained measurement history in columnar form.
type HistoryData struct {
	Timestamps []int64   `json:"timestamps"`
	Voltage    []float64 `json:"voltage"`
	Current    []float64 `json:"current"`
	Power      []float64 `json:"power"`
}

// ScopeChannel is one channel's display configuration.
type ScopeChannel struct {
	Enabled bool    `json:"enabled"`
	Scale   float64 `json:"scale"`
}

// ScopeStatus is the acquisition state of an oscilloscope.
type ScopeStatus struct {
	Running       bool                    `json:"running"`
	TriggerStatus string                  `json:"triggerStatus"`
	Timebase      float64                 `json:"timebase"`
	Channels      map[string]ScopeChannel `json:"channels"`
}

// DeviceState is the full client-facing state of one device, sent with
// the subscribed acknowledgement. Mode, OutputEnabled, Setpoints,
// Measurements and History apply to power devices; Scope applies to
// oscilloscopes.
type DeviceState struct {
	DeviceID          string                   `json:"deviceId"`
	Info              DeviceInfo               `json:"info"`
	Capabilities      DeviceCapabilities       `json:"capabilities"`
	Port              string                   `json:"port,omitempty"`
	Alias             string                   `json:"alias,omitempty"`
	ConnectionStatus  session.ConnectionStatus `json:"connectionStatus"`
	ConsecutiveErrors int                      `json:"consecutiveErrors"`
	Mode              string                   `json:"mode,omitempty"`
	OutputEnabled     bool                     `json:"outputEnabled"`
	Setpoints         map[string]float64       `json:"setpoints,omitempty"`
	Measurements      *MeasurementValues       `json:"measurements,omitempty"`
	Scope             *ScopeStatus             `json:"scope,omitempty"`
	History           *HistoryData             `json:"history,omitempty"`
	LastUpdated       int64                    `json:"lastUpdated"`
}

// WireDeviceType maps an internal device type to its wire form.
func WireDeviceType(t driver.DeviceType) string {
	switch t {
	case driver.DeviceTypePowerSupply:
		return "power-supply"
	case driver.DeviceTypeElectronicLoad:
		return "electronic-load"
	case driver.DeviceTypeOscilloscope:
		return "oscilloscope"
	}
	return string(t)
}

func deviceClass(t driver.DeviceType) string {
	switch t {
	case driver.DeviceTypePowerSupply:
		return "psu"
	case driver.DeviceTypeElectronicLoad:
		return "load"
	case driver.DeviceTypeOscilloscope:
		return "oscilloscope"
	}
	return string(t)
}

// WireMode converts an internal mode string to wire case.
func WireMode(mode string) string {
	return strings.ToUpper(mode)
}

// ParseLoadMode converts a wire mode to the driver's form. Validity is
// checked against capabilities by the receiving layer.
func ParseLoadMode(mode string) driver.LoadMode {
	return driver.LoadMode(strings.ToLower(mode))
}

// InfoFrom translates instrument identity.
func InfoFrom(deviceID string, t driver.DeviceType, info driver.DeviceInfo) DeviceInfo {
	return DeviceInfo{
		ID:           deviceID,
		Type:         WireDeviceType(t),
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Serial:       info.Serial,
		Firmware:     info.Firmware,
	}
}

// EntryFrom translates one discovery summary to a roster row.
func EntryFrom(s manager.DeviceSummary, alias string) DeviceEntry {
	return DeviceEntry{
		DeviceInfo:       InfoFrom(s.DeviceID, s.Capabilities.DeviceType, s.Info),
		Port:             s.PortName,
		Alias:            alias,
		ConnectionStatus: s.Status,
	}
}

// setpointOrder fixes the order outputs appear in capability payloads.
var setpointOrder = []driver.ValueKind{
	driver.KindVoltage,
	driver.KindCurrent,
	driver.KindPower,
	driver.KindResistance,
}

// setpointModes maps each settable quantity to the load mode that
// regulates it.
var setpointModes = map[driver.ValueKind]driver.LoadMode{
	driver.KindVoltage:    driver.ModeConstantVoltage,
	driver.KindCurrent:    driver.ModeConstantCurrent,
	driver.KindPower:      driver.ModeConstantPower,
	driver.KindResistance: driver.ModeConstantResistance,
}

// CapabilitiesFrom translates device capabilities. On mode-selectable
// devices each output is annotated with the mode that makes it active.
func CapabilitiesFrom(caps driver.Capabilities) DeviceCapabilities {
	out := DeviceCapabilities{
		DeviceClass:   deviceClass(caps.DeviceType),
		ModesSettable: len(caps.Modes) > 0,
		Channels:      caps.Channels,
	}
	for _, m := range caps.Modes {
		out.Modes = append(out.Modes, WireMode(string(m)))
	}
	out.Features = featuresFrom(caps)
	for _, kind := range setpointOrder {
		r, ok := caps.Setpoints[kind]
		if !ok {
			continue
		}
		d := ValueDescriptor{
			Name:     string(kind),
			Unit:     r.Unit,
			Decimals: r.Decimals,
			Min:      f64(r.Min),
			Max:      f64(r.Max),
		}
		if mode, ok := setpointModes[kind]; ok && caps.SupportsMode(mode) {
			d.Modes = []string{WireMode(string(mode))}
		}
		out.Outputs = append(out.Outputs, d)
	}
	out.Measurements = measurementDescriptors(caps)
	return out
}

func featuresFrom(caps driver.Capabilities) map[string]bool {
	f := make(map[string]bool)
	if caps.HasRemoteSense {
		f["remoteSense"] = true
	}
	if caps.HasOVP {
		f["ovp"] = true
	}
	if caps.HasOCP {
		f["ocp"] = true
	}
	if caps.HasListMode {
		f["listMode"] = true
	}
	if caps.HasScreenshot {
		f["screenshot"] = true
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

func measurementDescriptors(caps driver.Capabilities) []ValueDescriptor {
	if caps.DeviceType == driver.DeviceTypeOscilloscope {
		return []ValueDescriptor{
			{Name: driver.ScopeMeasVpp, Unit: "V", Decimals: 3},
			{Name: driver.ScopeMeasVavg, Unit: "V", Decimals: 3},
			{Name: driver.ScopeMeasFrequency, Unit: "Hz", Decimals: 1},
			{Name: driver.ScopeMeasDuty, Unit: "%", Decimals: 1},
		}
	}
	canonical := []struct {
		kind driver.ValueKind
		unit string
	}{
		{driver.KindVoltage, "V"},
		{driver.KindCurrent, "A"},
		{driver.KindPower, "W"},
	}
	out := make([]ValueDescriptor, 0, len(canonical))
	for _, c := range canonical {
		d := ValueDescriptor{Name: string(c.kind), Unit: c.unit, Decimals: 3}
		if r, ok := caps.Setpoints[c.kind]; ok {
			d.Unit = r.Unit
			d.Decimals = r.Decimals
		}
		out = append(out, d)
	}
	return out
}

// StateFrom translates a session snapshot to the client-facing state.
// History may be nil when the caller has none to attach.
func StateFrom(st session.DeviceState, alias string, history []session.HistoryPoint) DeviceState {
	w := DeviceState{
		DeviceID:          st.DeviceID,
		Info:              InfoFrom(st.DeviceID, st.Capabilities.DeviceType, st.Info),
		Capabilities:      CapabilitiesFrom(st.Capabilities),
		Port:              st.PortName,
		Alias:             alias,
		ConnectionStatus:  st.Status,
		ConsecutiveErrors: st.ConsecutiveErrors,
		LastUpdated:       st.LastSeenMs,
	}
	if st.Capabilities.DeviceType == driver.DeviceTypeOscilloscope {
		w.Scope = ScopeStatusFrom(st.StatusFields, st.Capabilities.Channels)
		return w
	}
	w.Mode = modeFrom(st)
	w.OutputEnabled = outputEnabled(st.StatusFields)
	if len(st.Setpoints) > 0 {
		w.Setpoints = make(map[string]float64, len(st.Setpoints))
		for kind, v := range st.Setpoints {
			w.Setpoints[string(kind)] = v
		}
	}
	mv := measurementValues(st.Measurements)
	w.Measurements = &mv
	w.History = HistoryFrom(history)
	return w
}

// modeFrom resolves the wire mode. Bench supplies report no explicit
// operating mode; they regulate voltage unless current-limited, so
// they present as CV.
func modeFrom(st session.DeviceState) string {
	if mode, ok := st.StatusFields["mode"]; ok {
		return WireMode(mode)
	}
	if st.Capabilities.DeviceType == driver.DeviceTypePowerSupply {
		return "CV"
	}
	return ""
}

// outputEnabled reads the on/off field; supplies call it "output",
// loads call it "input".
func outputEnabled(fields driver.StatusFields) bool {
	return fields["output"] == "on" || fields["input"] == "on"
}

func measurementValues(m driver.Measurements) MeasurementValues {
	return MeasurementValues{
		Voltage:  m.Voltage,
		Current:  m.Current,
		Power:    m.Power,
		Channels: m.Channels,
	}
}

// MeasurementFrom translates one poll sample.
func MeasurementFrom(deviceID string, m driver.Measurements) MeasurementMessage {
	return MeasurementMessage{
		Type:     MsgMeasurement,
		DeviceID: deviceID,
		Update: MeasurementUpdate{
			TimestampMs:  m.TimestampMs,
			Measurements: measurementValues(m),
		},
	}
}

// HistoryFrom converts history points to columnar wire form. Returns
// nil when there are no points.
func HistoryFrom(points []session.HistoryPoint) *HistoryData {
	if len(points) == 0 {
		return nil
	}
	h := &HistoryData{
		Timestamps: make([]int64, len(points)),
		Voltage:    make([]float64, len(points)),
		Current:    make([]float64, len(points)),
		Power:      make([]float64, len(points)),
	}
	for i, p := range points {
		h.Timestamps[i] = p.TimestampMs
		h.Voltage[i] = p.Voltage
		h.Current[i] = p.Current
		h.Power[i] = p.Power
	}
	return h
}

// ScopeStatusFrom parses scope status fields into wire form. Channel
// keys use the instrument's CHANn naming.
func ScopeStatusFrom(fields driver.StatusFields, channels int) *ScopeStatus {
	s := &ScopeStatus{
		Running:       fields["running"] == "on",
		TriggerStatus: fields["trigStatus"],
		Channels:      make(map[string]ScopeChannel, channels),
	}
	if tb, err := strconv.ParseFloat(fields["timebase"], 64); err == nil {
		s.Timebase = tb
	}
	for ch := 1; ch <= channels; ch++ {
		key := fmt.Sprintf("ch%d", ch)
		c := ScopeChannel{Enabled: fields[key] == "on"}
		if sc, err := strconv.ParseFloat(fields[key+"Scale"], 64); err == nil {
			c.Scale = sc
		}
		s.Channels[fmt.Sprintf("CHAN%d", ch)] = c
	}
	return s
}

// FieldsFromDiff translates a status diff into field messages, one per
// changed field, in deterministic key order. Raw on/off strings become
// booleans, numeric fields become numbers, and setpoint changes are
// coalesced into a single trailing setpoints object so clients apply
// them atomically.
func FieldsFromDiff(deviceID string, diff driver.StatusFields) []FieldMessage {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]FieldMessage, 0, len(keys))
	var setpoints map[string]float64
	for _, k := range keys {
		v := diff[k]
		switch {
		case k == "output" || k == "input":
			out = append(out, newField(deviceID, "outputEnabled", v == "on"))
		case k == "mode":
			out = append(out, newField(deviceID, "mode", WireMode(v)))
		case strings.HasSuffix(k, "Setpoint"):
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			if setpoints == nil {
				setpoints = make(map[string]float64)
			}
			setpoints[strings.TrimSuffix(k, "Setpoint")] = f
		case k == "running":
			out = append(out, newField(deviceID, "running", v == "on"))
		case k == "trigStatus":
			out = append(out, newField(deviceID, "triggerStatus", v))
		case k == "timebase" || strings.HasSuffix(k, "Scale"):
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out = append(out, newField(deviceID, k, f))
			} else {
				out = append(out, newField(deviceID, k, v))
			}
		case scopeChannelKey(k):
			out = append(out, newField(deviceID, k, v == "on"))
		default:
			out = append(out, newField(deviceID, k, v))
		}
	}
	if setpoints != nil {
		out = append(out, newField(deviceID, "setpoints", setpoints))
	}
	return out
}

// ConnectionField reports a connection status transition as a field
// update.
func ConnectionField(deviceID string, status session.ConnectionStatus) FieldMessage {
	return newField(deviceID, "connectionStatus", string(status))
}

// scopeChannelKey matches the chN display-enable keys.
func scopeChannelKey(k string) bool {
	if !strings.HasPrefix(k, "ch") || len(k) == 2 {
		return false
	}
	for _, r := range k[2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func f64(v float64) *float64 {
	return &v
}
