package driver

import (
	"strings"

	"github.com/benchlab/benchd/internal/transport"
)

// Factory builds a driver over an identified transport.
type Factory func(tr transport.Transport, info DeviceInfo) Driver

// Matcher selects a driver family by instrument identity. Manufacturer
// and Model are matched case-insensitively; Manufacturer as substring,
// Model as prefix. An empty Model matches every model of the
// manufacturer.
type Matcher struct {
	Name         string
	Manufacturer string
	Model        string
	New          Factory
}

// Matches reports whether the matcher applies to info.
func (m Matcher) Matches(info DeviceInfo) bool {
	if !strings.Contains(strings.ToUpper(info.Manufacturer), strings.ToUpper(m.Manufacturer)) {
		return false
	}
	if m.Model == "" {
		return true
	}
	return strings.HasPrefix(strings.ToUpper(info.Model), strings.ToUpper(m.Model))
}

// Registry holds driver matchers in priority order.
type Registry struct {
	matchers []Matcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a matcher. Earlier registrations win.
func (r *Registry) Register(m Matcher) {
	r.matchers = append(r.matchers, m)
}

// Match selects the driver factory for an identified instrument. When
// no matcher applies, the generic power supply profile is returned and
// the second result is false.
func (r *Registry) Match(info DeviceInfo) (Matcher, bool) {
	for _, m := range r.matchers {
		if m.Matches(info) {
			return m, true
		}
	}
	return Matcher{
		Name: "generic-scpi-psu",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIPowerSupply(tr, info, genericPSUCaps())
		},
	}, false
}

func genericPSUCaps() Capabilities {
	return Capabilities{
		Channels: 1,
		Setpoints: map[ValueKind]ValueRange{
			KindVoltage: {Min: 0, Max: 30, Unit: "V", Decimals: 3},
			KindCurrent: {Min: 0, Max: 5, Unit: "A", Decimals: 3},
		},
	}
}

func dp800Caps() Capabilities {
	return Capabilities{
		Channels: 1,
		Setpoints: map[ValueKind]ValueRange{
			KindVoltage: {Min: 0, Max: 32, Unit: "V", Decimals: 3},
			KindCurrent: {Min: 0, Max: 3.2, Unit: "A", Decimals: 3},
		},
		HasOVP: true,
		HasOCP: true,
	}
}

func ka3005Caps() Capabilities {
	return Capabilities{
		Channels: 1,
		Setpoints: map[ValueKind]ValueRange{
			KindVoltage: {Min: 0, Max: 31, Unit: "V", Decimals: 3},
			KindCurrent: {Min: 0, Max: 5.1, Unit: "A", Decimals: 3},
		},
		HasOVP: true,
		HasOCP: true,
	}
}

func it8500Caps() Capabilities {
	return Capabilities{
		Channels: 1,
		Setpoints: map[ValueKind]ValueRange{
			KindCurrent:    {Min: 0, Max: 30, Unit: "A", Decimals: 3},
			KindVoltage:    {Min: 0.1, Max: 120, Unit: "V", Decimals: 3},
			KindPower:      {Min: 0, Max: 300, Unit: "W", Decimals: 2},
			KindResistance: {Min: 0.05, Max: 7500, Unit: "Ohm", Decimals: 1},
		},
		Modes:       []LoadMode{ModeConstantCurrent, ModeConstantVoltage, ModeConstantPower, ModeConstantResistance},
		HasListMode: true,
	}
}

func dl3000Caps() Capabilities {
	return Capabilities{
		Channels: 1,
		Setpoints: map[ValueKind]ValueRange{
			KindCurrent:    {Min: 0, Max: 40, Unit: "A", Decimals: 3},
			KindVoltage:    {Min: 0, Max: 150, Unit: "V", Decimals: 3},
			KindPower:      {Min: 0, Max: 200, Unit: "W", Decimals: 2},
			KindResistance: {Min: 0.08, Max: 15000, Unit: "Ohm", Decimals: 1},
		},
		Modes:       []LoadMode{ModeConstantCurrent, ModeConstantVoltage, ModeConstantPower, ModeConstantResistance},
		HasListMode: true,
	}
}

func twoChannelScopeCaps() Capabilities {
	return Capabilities{Channels: 2}
}

func fourChannelScopeCaps() Capabilities {
	return Capabilities{Channels: 4}
}

// DefaultRegistry returns the registry with the built-in driver
// matchers for the supported instrument families.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Matcher{
		Name: "rigol-dp800", Manufacturer: "RIGOL", Model: "DP8",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIPowerSupply(tr, info, dp800Caps())
		},
	})
	r.Register(Matcher{
		Name: "korad-ka", Manufacturer: "KORAD", Model: "KA",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIPowerSupply(tr, info, ka3005Caps())
		},
	})
	r.Register(Matcher{
		Name: "itech-it8500", Manufacturer: "ITECH", Model: "IT85",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPILoad(tr, info, it8500Caps())
		},
	})
	r.Register(Matcher{
		Name: "rigol-dl3000", Manufacturer: "RIGOL", Model: "DL3",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPILoad(tr, info, dl3000Caps())
		},
	})
	r.Register(Matcher{
		Name: "rigol-ds1000z", Manufacturer: "RIGOL", Model: "DS1",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIScope(tr, info, fourChannelScopeCaps())
		},
	})
	r.Register(Matcher{
		Name: "siglent-sds", Manufacturer: "SIGLENT", Model: "SDS",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIScope(tr, info, twoChannelScopeCaps())
		},
	})

	// Simulated bench instruments.
	r.Register(Matcher{
		Name: "benchlab-vpsu", Manufacturer: "BENCHLAB", Model: "VPSU",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIPowerSupply(tr, info, genericPSUCaps())
		},
	})
	r.Register(Matcher{
		Name: "benchlab-vload", Manufacturer: "BENCHLAB", Model: "VLOAD",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPILoad(tr, info, it8500Caps())
		},
	})
	r.Register(Matcher{
		Name: "benchlab-vscope", Manufacturer: "BENCHLAB", Model: "VSCOPE",
		New: func(tr transport.Transport, info DeviceInfo) Driver {
			return NewSCPIScope(tr, info, simScopeCaps())
		},
	})

	return r
}

// simScopeCaps marks the simulated scope as screenshot-capable; it
// renders PNG frames in-process rather than over the wire.
func simScopeCaps() Capabilities {
	return Capabilities{Channels: 2, HasScreenshot: true}
}
