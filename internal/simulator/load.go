package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Load simulates an electronic load sinking from a fixed-voltage
// source through a small internal resistance.
type Load struct {
	mu sync.Mutex

	idn string

	inputOn bool
	mode    string // CURR, VOLT, POW, RES

	setCurr float64
	setVolt float64
	setPow  float64
	setRes  float64

	sourceV    float64
	sourceResR float64
	rng        *rand.Rand
}

// NewLoad builds a simulated load attached to a 12V source.
func NewLoad(serial string) *Load {
	return &Load{
		idn:        fmt.Sprintf("BENCHLAB,VLOAD-1,%s,1.2.0", serial),
		mode:       "CURR",
		setCurr:    0.5,
		setVolt:    1.0,
		setPow:     10.0,
		setRes:     100.0,
		sourceV:    12.0,
		sourceResR: 0.05,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSourceVoltage changes the simulated DUT voltage.
func (l *Load) SetSourceVoltage(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v >= 0 {
		l.sourceV = v
	}
}

// sink returns the present sunk current for the active mode.
func (l *Load) sink() (volt, curr float64) {
	if !l.inputOn {
		return l.sourceV, 0
	}
	switch l.mode {
	case "CURR":
		curr = l.setCurr
	case "POW":
		if l.sourceV > 0 {
			curr = l.setPow / l.sourceV
		}
	case "RES":
		if l.setRes > 0 {
			curr = l.sourceV / l.setRes
		}
	case "VOLT":
		// CV mode: sink whatever current pulls the terminal down to
		// the setpoint through the source resistance.
		if l.sourceV > l.setVolt && l.sourceResR > 0 {
			curr = (l.sourceV - l.setVolt) / l.sourceResR
		}
	}
	curr = math.Max(curr, 0)
	volt = l.sourceV - curr*l.sourceResR
	if volt < 0 {
		volt = 0
	}
	return volt, curr
}

// Handle implements Instrument.
func (l *Load) Handle(cmd string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		return l.idn, true
	case upper == "MEAS:VOLT?":
		v, _ := l.sink()
		return fmt.Sprintf("%.3f", v+l.rng.Float64()*0.004-0.002), true
	case upper == "MEAS:CURR?":
		_, i := l.sink()
		if i > 0 {
			i += l.rng.Float64()*0.002 - 0.001
		}
		return fmt.Sprintf("%.3f", math.Max(i, 0)), true
	case upper == "INP?":
		if l.inputOn {
			return "1", true
		}
		return "0", true
	case upper == "FUNC?":
		return l.mode, true
	case upper == "CURR?":
		return fmt.Sprintf("%.3f", l.setCurr), true
	case upper == "VOLT?":
		return fmt.Sprintf("%.3f", l.setVolt), true
	case upper == "POW?":
		return fmt.Sprintf("%.2f", l.setPow), true
	case upper == "RES?":
		return fmt.Sprintf("%.1f", l.setRes), true
	case strings.HasPrefix(upper, "INP "):
		l.inputOn = parseOnOffArg(cmd)
		return "", false
	case strings.HasPrefix(upper, "FUNC "):
		arg := strings.ToUpper(strings.TrimSpace(cmd[len("FUNC "):]))
		switch arg {
		case "CURR", "VOLT", "POW", "RES":
			l.mode = arg
		}
		return "", false
	case strings.HasPrefix(upper, "CURR "):
		if v, ok := parseArg(cmd); ok {
			l.setCurr = v
		}
		return "", false
	case strings.HasPrefix(upper, "VOLT "):
		if v, ok := parseArg(cmd); ok {
			l.setVolt = v
		}
		return "", false
	case strings.HasPrefix(upper, "POW "):
		if v, ok := parseArg(cmd); ok {
			l.setPow = v
		}
		return "", false
	case strings.HasPrefix(upper, "RES "):
		if v, ok := parseArg(cmd); ok {
			l.setRes = v
		}
		return "", false
	default:
		return "", false
	}
}

// parseArg parses the numeric argument of a "CMD value" line.
func parseArg(cmd string) (float64, bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseOnOffArg parses the boolean argument of a "CMD ON|OFF|1|0" line.
func parseOnOffArg(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return false
	}
	switch strings.ToUpper(fields[len(fields)-1]) {
	case "ON", "1":
		return true
	default:
		return false
	}
}

// expDecay returns e^(-dt/tau).
func expDecay(dt, tau float64) float64 {
	if tau <= 0 {
		return 0
	}
	return math.Exp(-dt / tau)
}
