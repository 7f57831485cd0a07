package driver

import (
	"context"
	"time"

	"github.com/benchlab/benchd/internal/transport"
)

// SCPIPowerSupply drives SCPI-dialect bench power supplies.
type SCPIPowerSupply struct {
	tr   transport.Transport
	info DeviceInfo
	caps Capabilities
}

// NewSCPIPowerSupply builds a power supply driver over an identified
// transport with the matched capability profile.
func NewSCPIPowerSupply(tr transport.Transport, info DeviceInfo, caps Capabilities) *SCPIPowerSupply {
	caps.DeviceType = DeviceTypePowerSupply
	if caps.Channels == 0 {
		caps.Channels = 1
	}
	return &SCPIPowerSupply{tr: tr, info: info, caps: caps}
}

// Identify re-reads the instrument identity.
func (d *SCPIPowerSupply) Identify(ctx context.Context) (DeviceInfo, error) {
	return Identify(ctx, d.tr)
}

// Capabilities returns the matched profile.
func (d *SCPIPowerSupply) Capabilities() Capabilities {
	return d.caps
}

// ReadMeasurements reads output voltage and current. Power is computed;
// most supplies have no power measurement query.
func (d *SCPIPowerSupply) ReadMeasurements(ctx context.Context) (Measurements, error) {
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

// ReadStatusFields reads output state and programmed setpoints.
func (d *SCPIPowerSupply) ReadStatusFields(ctx context.Context) (StatusFields, error) {
	fields := make(StatusFields, 3)

	outRaw, err := d.tr.Query(ctx, "OUTP?")
	if err != nil {
		return nil, err
	}
	on, err := parseOnOff(outRaw)
	if err != nil {
		return nil, err
	}
	if on {
		fields["output"] = "on"
	} else {
		fields["output"] = "off"
	}

	vRaw, err := d.tr.Query(ctx, "VOLT?")
	if err != nil {
		return nil, err
	}
	fields["voltageSetpoint"] = vRaw

	iRaw, err := d.tr.Query(ctx, "CURR?")
	if err != nil {
		return nil, err
	}
	fields["currentSetpoint"] = iRaw

	return fields, nil
}

// SetMode is not applicable to power supplies.
func (d *SCPIPowerSupply) SetMode(ctx context.Context, mode LoadMode) error {
	return &Error{Op: "setMode", Code: CodeUnsupportedOperation}
}

// SetOutput switches the output relay.
func (d *SCPIPowerSupply) SetOutput(ctx context.Context, on bool) error {
	return d.tr.Command(ctx, "OUTP "+onOff(on))
}

// SetValue programs a voltage or current setpoint.
func (d *SCPIPowerSupply) SetValue(ctx context.Context, kind ValueKind, value float64) error {
	if err := ValidateSetpoint(d.caps, kind, value); err != nil {
		return err
	}
	switch kind {
	case KindVoltage:
		return d.tr.Command(ctx, "VOLT "+FormatValue(kind, value))
	case KindCurrent:
		return d.tr.Command(ctx, "CURR "+FormatValue(kind, value))
	default:
		return &Error{Op: "setValue", Code: CodeUnsupportedOperation}
	}
}

// StartList is reserved for hardware list mode.
func (d *SCPIPowerSupply) StartList(ctx context.Context) error {
	return &Error{Op: "startList", Code: CodeNotImplemented}
}

// StopList is reserved for hardware list mode.
func (d *SCPIPowerSupply) StopList(ctx context.Context) error {
	return &Error{Op: "stopList", Code: CodeNotImplemented}
}
