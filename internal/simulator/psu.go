package simulator

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PSU simulates a single-channel bench power supply feeding a resistive
// load. The measured voltage settles toward the setpoint with a short
// time constant and the supply drops into current limiting when the
// load would draw more than the programmed current.
type PSU struct {
	mu sync.Mutex

	idn string

	outputOn bool
	setV     float64
	setI     float64

	measV float64
	measI float64

	loadOhms float64
	lastStep time.Time
	rng      *rand.Rand
}

// NewPSU builds a simulated supply. serial distinguishes multiple
// units on one bench.
func NewPSU(serial string) *PSU {
	return &PSU{
		idn:      fmt.Sprintf("BENCHLAB,VPSU-1,%s,1.2.0", serial),
		setV:     0,
		setI:     1.0,
		loadOhms: 10.0,
		lastStep: time.Now(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetLoadOhms changes the simulated load resistance.
func (p *PSU) SetLoadOhms(ohms float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ohms > 0 {
		p.loadOhms = ohms
	}
}

// step advances the electrical model to now.
func (p *PSU) step() {
	now := time.Now()
	dt := now.Sub(p.lastStep).Seconds()
	p.lastStep = now
	if dt <= 0 {
		return
	}

	targetV := 0.0
	if p.outputOn {
		targetV = p.setV
		// Current limit: the supply folds back when the load would
		// draw more than the programmed current.
		if p.loadOhms > 0 && p.setV/p.loadOhms > p.setI {
			targetV = p.setI * p.loadOhms
		}
	}

	// First-order settling with a 50ms time constant.
	alpha := 1 - expDecay(dt, 0.05)
	p.measV += (targetV - p.measV) * alpha
	if p.loadOhms > 0 && p.outputOn {
		p.measI = p.measV / p.loadOhms
	} else {
		p.measI = 0
	}

	p.measV += p.rng.Float64()*0.004 - 0.002
	if p.measV < 0 {
		p.measV = 0
	}
	if p.measI > 0 {
		p.measI += p.rng.Float64()*0.002 - 0.001
		if p.measI < 0 {
			p.measI = 0
		}
	}
}

// Handle implements Instrument.
func (p *PSU) Handle(cmd string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		return p.idn, true
	case upper == "MEAS:VOLT?":
		p.step()
		return fmt.Sprintf("%.3f", p.measV), true
	case upper == "MEAS:CURR?":
		p.step()
		return fmt.Sprintf("%.3f", p.measI), true
	case upper == "VOLT?":
		return fmt.Sprintf("%.3f", p.setV), true
	case upper == "CURR?":
		return fmt.Sprintf("%.3f", p.setI), true
	case upper == "OUTP?":
		if p.outputOn {
			return "1", true
		}
		return "0", true
	case strings.HasPrefix(upper, "VOLT "):
		if v, ok := parseArg(cmd); ok {
			p.setV = v
		}
		return "", false
	case strings.HasPrefix(upper, "CURR "):
		if v, ok := parseArg(cmd); ok {
			p.setI = v
		}
		return "", false
	case strings.HasPrefix(upper, "OUTP "):
		p.outputOn = parseOnOffArg(cmd)
		return "", false
	default:
		// Unknown queries get no reply so the caller times out, just
		// like a real instrument. Unknown commands are ignored.
		return "", false
	}
}
