package simulator

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	scopeChannels    = 2
	scopeSamples     = 600
	scopeDivisions   = 12
	screenshotWidth  = 320
	screenshotHeight = 240
)

type simChannel struct {
	enabled bool
	scale   float64 // volts per division
}

// Scope simulates a two-channel oscilloscope watching a 1kHz test
// signal: a sine on channel 1 and a 30% duty square on channel 2. The
// signal phase tracks wall time so consecutive captures animate.
type Scope struct {
	mu sync.Mutex

	idn string

	running  bool
	timebase float64 // seconds per division
	channels [scopeChannels]simChannel

	wavSource  int
	trigSource int
	trigLevel  float64

	sigFreq float64
	sigAmp  float64
	started time.Time
}

// NewScope builds a simulated scope.
func NewScope(serial string) *Scope {
	s := &Scope{
		idn:      fmt.Sprintf("BENCHLAB,VSCOPE-1,%s,1.2.0", serial),
		running:  true,
		timebase: 1e-3,
		sigFreq:  1000,
		sigAmp:   1.65,
		started:  time.Now(),
	}
	for i := range s.channels {
		s.channels[i] = simChannel{enabled: i == 0, scale: 1.0}
	}
	s.channels[1].enabled = true
	return s
}

// sample returns the signal voltage for a channel at time t seconds.
func (s *Scope) sample(channel int, t float64) float64 {
	phase := math.Mod(t*s.sigFreq, 1)
	switch channel {
	case 1:
		return s.sigAmp * math.Sin(2*math.Pi*phase)
	default:
		if phase < 0.3 {
			return s.sigAmp
		}
		return -s.sigAmp
	}
}

// xinc returns the sample interval for the current timebase.
func (s *Scope) xinc() float64 {
	return s.timebase * scopeDivisions / scopeSamples
}

// capture renders one trace for the selected source channel.
func (s *Scope) capture() []float64 {
	t0 := time.Since(s.started).Seconds()
	if !s.running {
		t0 = 0
	}
	out := make([]float64, scopeSamples)
	dt := s.xinc()
	for i := range out {
		out[i] = s.sample(s.wavSource, t0+float64(i)*dt)
	}
	return out
}

// Handle implements Instrument.
func (s *Scope) Handle(cmd string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		return s.idn, true
	case upper == ":TRIG:STAT?":
		if s.running {
			return "RUN", true
		}
		return "STOP", true
	case upper == ":RUN":
		s.running = true
		return "", false
	case upper == ":STOP":
		s.running = false
		return "", false
	case upper == ":SING":
		// Single-shot completes instantly against the synthetic signal.
		s.running = false
		return "", false
	case upper == ":AUT":
		s.autoSetup()
		return "", false
	case upper == ":TIM:SCAL?":
		return strconv.FormatFloat(s.timebase, 'g', -1, 64), true
	case strings.HasPrefix(upper, ":TIM:SCAL "):
		if v, ok := parseArg(cmd); ok && v > 0 {
			s.timebase = v
		}
		return "", false
	case upper == ":WAV:XINC?":
		return strconv.FormatFloat(s.xinc(), 'g', -1, 64), true
	case upper == ":WAV:DATA?":
		return s.waveformReply(), true
	case strings.HasPrefix(upper, ":WAV:SOUR CHAN"):
		if ch, ok := trailingChannel(upper); ok {
			s.wavSource = ch
		}
		return "", false
	case strings.HasPrefix(upper, ":WAV:FORM"):
		return "", false
	case strings.HasPrefix(upper, ":TRIG:EDGE:SOUR CHAN"):
		if ch, ok := trailingChannel(upper); ok {
			s.trigSource = ch
		}
		return "", false
	case strings.HasPrefix(upper, ":TRIG:EDGE:LEV "):
		if v, ok := parseArg(cmd); ok {
			s.trigLevel = v
		}
		return "", false
	case upper == ":DISP:DATA?":
		return base64.StdEncoding.EncodeToString(s.renderScreenshot()), true
	case strings.HasPrefix(upper, ":MEAS:ITEM? "):
		return s.measurementReply(upper)
	case strings.HasPrefix(upper, ":CHAN"):
		return s.handleChannel(cmd, upper)
	default:
		return "", false
	}
}

// handleChannel processes :CHANn:... commands and queries.
func (s *Scope) handleChannel(cmd, upper string) (string, bool) {
	rest := upper[len(":CHAN"):]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return "", false
	}
	ch, err := strconv.Atoi(rest[:sep])
	if err != nil || ch < 1 || ch > scopeChannels {
		return "", false
	}
	c := &s.channels[ch-1]
	sub := rest[sep+1:]
	switch {
	case sub == "DISP?":
		if c.enabled {
			return "1", true
		}
		return "0", true
	case strings.HasPrefix(sub, "DISP "):
		c.enabled = parseOnOffArg(cmd)
		return "", false
	case sub == "SCAL?":
		return strconv.FormatFloat(c.scale, 'g', -1, 64), true
	case strings.HasPrefix(sub, "SCAL "):
		if v, ok := parseArg(cmd); ok && v > 0 {
			c.scale = v
		}
		return "", false
	default:
		return "", false
	}
}

// autoSetup fits the timebase and channel scales to the test signal
// and restarts acquisition, the way front-panel auto buttons do.
func (s *Scope) autoSetup() {
	s.running = true
	// Two signal periods across the screen.
	s.timebase = 2 / (s.sigFreq * scopeDivisions)
	for i := range s.channels {
		s.channels[i].enabled = true
		s.channels[i].scale = s.sigAmp / 2
	}
}

// waveformReply renders the ASCII block for the selected channel.
func (s *Scope) waveformReply() string {
	samples := s.capture()
	parts := make([]string, len(samples))
	for i, v := range samples {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	payload := strings.Join(parts, ",")
	return fmt.Sprintf("#9%09d%s", len(payload), payload)
}

// measurementReply answers :MEAS:ITEM? KIND,CHANn.
func (s *Scope) measurementReply(upper string) (string, bool) {
	args := strings.TrimSpace(upper[len(":MEAS:ITEM? "):])
	parts := strings.SplitN(args, ",", 2)
	if len(parts) != 2 {
		return "", false
	}
	ch, ok := trailingChannel(parts[1])
	if !ok || ch < 1 || ch > scopeChannels {
		return "", false
	}
	if !s.channels[ch-1].enabled {
		return "9.9E37", true
	}
	switch parts[0] {
	case "VPP":
		return fmt.Sprintf("%.3f", 2*s.sigAmp), true
	case "VAVG":
		if ch == 1 {
			return "0.000", true
		}
		// 30% duty square spends more time low.
		return fmt.Sprintf("%.3f", s.sigAmp*(0.3-0.7)), true
	case "FREQ":
		return fmt.Sprintf("%.1f", s.sigFreq), true
	case "PDUT":
		if ch == 1 {
			return "50.0", true
		}
		return "30.0", true
	default:
		return "9.9E37", true
	}
}

// trailingChannel parses the N of a trailing "CHANn" token.
func trailingChannel(tok string) (int, bool) {
	tok = strings.TrimSpace(tok)
	idx := strings.LastIndex(tok, "CHAN")
	if idx < 0 || idx+4 >= len(tok) {
		return 0, false
	}
	ch, err := strconv.Atoi(tok[idx+4:])
	if err != nil {
		return 0, false
	}
	return ch, true
}

var screenshotTraceColors = []color.RGBA{
	{R: 0x40, G: 0xff, B: 0x60, A: 0xff},
	{R: 0xff, G: 0xd0, B: 0x40, A: 0xff},
}

// renderScreenshot draws the enabled channels on a grid and encodes
// the frame as PNG.
func (s *Scope) renderScreenshot() []byte {
	img := image.NewRGBA(image.Rect(0, 0, screenshotWidth, screenshotHeight))
	bg := color.RGBA{R: 0x10, G: 0x14, B: 0x10, A: 0xff}
	grid := color.RGBA{R: 0x20, G: 0x30, B: 0x20, A: 0xff}
	for y := 0; y < screenshotHeight; y++ {
		for x := 0; x < screenshotWidth; x++ {
			if x%(screenshotWidth/scopeDivisions) == 0 || y%(screenshotHeight/8) == 0 {
				img.SetRGBA(x, y, grid)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}

	t0 := time.Since(s.started).Seconds()
	span := s.timebase * scopeDivisions
	for chIdx, c := range s.channels {
		if !c.enabled {
			continue
		}
		col := screenshotTraceColors[chIdx%len(screenshotTraceColors)]
		for x := 0; x < screenshotWidth; x++ {
			t := t0 + span*float64(x)/screenshotWidth
			v := s.sample(chIdx+1, t)
			// 4 divisions above and below center at the channel scale.
			y := screenshotHeight/2 - int(v/c.scale*float64(screenshotHeight)/8)
			if y < 0 {
				y = 0
			}
			if y >= screenshotHeight {
				y = screenshotHeight - 1
			}
			img.SetRGBA(x, y, col)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
