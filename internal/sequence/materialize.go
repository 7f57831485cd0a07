package sequence

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/benchlab/benchd/internal/config"
)

// Materialize expands a definition's waveform into one cycle of
// points with scale, offset and clamps applied. Slew limiting is not
// applied here: it depends on the previously commanded value and is
// enforced at write time.
func Materialize(def Definition) ([]Point, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	w := def.Waveform
	var pts []Point
	switch w.Type {
	case WaveArbitrary:
		pts = make([]Point, len(w.Steps))
		for i, s := range w.Steps {
			pts[i] = Point{Value: s.Value, DwellMs: s.DwellMs}
		}
	case WaveRandomWalk:
		pts = make([]Point, w.PointsPerCycle)
		v := w.StartValue
		for i := range pts {
			if i > 0 {
				v += (rand.Float64()*2 - 1) * w.MaxStepSize
				v = clamp(v, w.Min, w.Max)
			}
			pts[i] = Point{Value: v, DwellMs: w.IntervalMs}
		}
	default:
		pts = make([]Point, w.PointsPerCycle)
		n := float64(w.PointsPerCycle)
		for i := range pts {
			pts[i] = Point{Value: standardValue(w, float64(i), n), DwellMs: w.IntervalMs}
		}
	}

	scale := 1.0
	if def.Scale != nil {
		scale = *def.Scale
	}
	offset := 0.0
	if def.Offset != nil {
		offset = *def.Offset
	}
	for i := range pts {
		v := pts[i].Value*scale + offset
		if def.MinClamp != nil && v < *def.MinClamp {
			v = *def.MinClamp
		}
		if def.MaxClamp != nil && v > *def.MaxClamp {
			v = *def.MaxClamp
		}
		pts[i].Value = v
	}
	return pts, nil
}

// standardValue evaluates the i-th of n samples of a periodic
// waveform over [min,max].
func standardValue(w Waveform, i, n float64) float64 {
	span := w.Max - w.Min
	switch w.Type {
	case WaveSine:
		return w.Min + span*(math.Sin(2*math.Pi*i/n)+1)/2
	case WaveTriangle:
		phase := i / n
		if phase < 0.5 {
			return w.Min + span*2*phase
		}
		return w.Min + span*2*(1-phase)
	case WaveSquare:
		if i*2 < n {
			return w.Min
		}
		return w.Max
	default: // WaveRamp
		return w.Min + span*i/n
	}
}

// ValidateDefinition checks a definition's waveform and
// post-processing parameters. It is also used when saving to the
// library so malformed definitions are rejected before they are
// stored.
func ValidateDefinition(def Definition) error {
	w := def.Waveform
	switch w.Type {
	case WaveSine, WaveTriangle, WaveRamp, WaveSquare, WaveRandomWalk:
		if w.PointsPerCycle < 1 {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: pointsPerCycle must be at least 1", ErrInvalidDefinition)}
		}
		if w.PointsPerCycle > config.MaxSequencePoints {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: pointsPerCycle %d exceeds limit %d", ErrInvalidDefinition, w.PointsPerCycle, config.MaxSequencePoints)}
		}
		if w.IntervalMs < 1 {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: intervalMs must be at least 1", ErrInvalidDefinition)}
		}
		if w.Min > w.Max {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: min %v exceeds max %v", ErrInvalidDefinition, w.Min, w.Max)}
		}
		if w.Type == WaveRandomWalk && w.MaxStepSize < 0 {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: maxStepSize must be non-negative", ErrInvalidDefinition)}
		}
	case WaveArbitrary:
		if len(w.Steps) == 0 {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: arbitrary waveform has no steps", ErrInvalidDefinition)}
		}
		if len(w.Steps) > config.MaxSequencePoints {
			return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: %d steps exceeds limit %d", ErrInvalidDefinition, len(w.Steps), config.MaxSequencePoints)}
		}
		for i, s := range w.Steps {
			if s.DwellMs < 1 {
				return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: step %d dwellMs must be at least 1", ErrInvalidDefinition, i)}
			}
		}
	default:
		return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: unknown waveform type %q", ErrInvalidDefinition, w.Type)}
	}

	if def.MinClamp != nil && def.MaxClamp != nil && *def.MinClamp > *def.MaxClamp {
		return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: minClamp exceeds maxClamp", ErrInvalidDefinition)}
	}
	if def.MaxSlewRate != nil && *def.MaxSlewRate <= 0 {
		return &Error{Op: "validate", SequenceID: def.ID, Err: fmt.Errorf("%w: maxSlewRate must be positive", ErrInvalidDefinition)}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
