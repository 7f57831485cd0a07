package sequence

import (
	"errors"
	"math"
	"testing"

	"github.com/benchlab/benchd/internal/config"
)

func fptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMaterializeRampMatchesLinearLaw(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveRamp, Min: 0, Max: 10, PointsPerCycle: 100, IntervalMs: 100,
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(pts) != 100 {
		t.Fatalf("got %d points, want 100", len(pts))
	}
	if !approx(pts[5].Value, 0.5) {
		t.Fatalf("point 5 = %v, want 0.5", pts[5].Value)
	}
	if !approx(pts[99].Value, 9.9) {
		t.Fatalf("point 99 = %v, want 9.9", pts[99].Value)
	}
	for i, p := range pts {
		if p.DwellMs != 100 {
			t.Fatalf("point %d dwell = %d, want 100", i, p.DwellMs)
		}
	}
}

func TestMaterializeSineShape(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveSine, Min: 0, Max: 2, PointsPerCycle: 4, IntervalMs: 10,
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []float64{1, 2, 1, 0}
	for i, w := range want {
		if !approx(pts[i].Value, w) {
			t.Fatalf("point %d = %v, want %v", i, pts[i].Value, w)
		}
	}
}

func TestMaterializeTriangleShape(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveTriangle, Min: 0, Max: 4, PointsPerCycle: 4, IntervalMs: 10,
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []float64{0, 2, 4, 2}
	for i, w := range want {
		if !approx(pts[i].Value, w) {
			t.Fatalf("point %d = %v, want %v", i, pts[i].Value, w)
		}
	}
}

func TestMaterializeSquareHalves(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveSquare, Min: 1, Max: 5, PointsPerCycle: 4, IntervalMs: 10,
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []float64{1, 1, 5, 5}
	for i, w := range want {
		if !approx(pts[i].Value, w) {
			t.Fatalf("point %d = %v, want %v", i, pts[i].Value, w)
		}
	}
}

func TestMaterializeRandomWalkStaysBounded(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveRandomWalk, StartValue: 5, MaxStepSize: 0.5,
		Min: 4, Max: 6, PointsPerCycle: 200, IntervalMs: 10,
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if pts[0].Value != 5 {
		t.Fatalf("first point = %v, want the start value 5", pts[0].Value)
	}
	for i, p := range pts {
		if p.Value < 4 || p.Value > 6 {
			t.Fatalf("point %d = %v escaped [4,6]", i, p.Value)
		}
		if i > 0 && math.Abs(p.Value-pts[i-1].Value) > 0.5+1e-9 {
			t.Fatalf("step %d moved %v, exceeds max step 0.5", i, math.Abs(p.Value-pts[i-1].Value))
		}
	}
}

func TestMaterializeAppliesScaleOffsetClamps(t *testing.T) {
	def := Definition{
		Waveform: Waveform{Type: WaveRamp, Min: 0, Max: 10, PointsPerCycle: 10, IntervalMs: 10},
		Scale:    fptr(2),
		Offset:   fptr(1),
		MaxClamp: fptr(15),
	}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []float64{1, 3, 5, 7, 9, 11, 13, 15, 15, 15}
	for i, w := range want {
		if !approx(pts[i].Value, w) {
			t.Fatalf("point %d = %v, want %v", i, pts[i].Value, w)
		}
	}
}

func TestMaterializeArbitraryUsesStepsAsGiven(t *testing.T) {
	def := Definition{Waveform: Waveform{
		Type: WaveArbitrary,
		Steps: []ArbitraryStep{
			{Value: 1.5, DwellMs: 20},
			{Value: 2.5, DwellMs: 30},
		},
	}}
	pts, err := Materialize(def)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(pts) != 2 || pts[0].Value != 1.5 || pts[0].DwellMs != 20 || pts[1].Value != 2.5 || pts[1].DwellMs != 30 {
		t.Fatalf("unexpected points %+v", pts)
	}
}

func TestValidateDefinitionRejects(t *testing.T) {
	valid := Definition{Waveform: Waveform{
		Type: WaveSine, Min: 0, Max: 1, PointsPerCycle: 10, IntervalMs: 10,
	}}
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"unknown waveform type", func(d *Definition) { d.Waveform.Type = "noise" }},
		{"zero points per cycle", func(d *Definition) { d.Waveform.PointsPerCycle = 0 }},
		{"excessive points", func(d *Definition) { d.Waveform.PointsPerCycle = config.MaxSequencePoints + 1 }},
		{"zero interval", func(d *Definition) { d.Waveform.IntervalMs = 0 }},
		{"min above max", func(d *Definition) { d.Waveform.Min = 2; d.Waveform.Max = 1 }},
		{"negative step size", func(d *Definition) {
			d.Waveform.Type = WaveRandomWalk
			d.Waveform.MaxStepSize = -1
		}},
		{"empty arbitrary steps", func(d *Definition) {
			d.Waveform = Waveform{Type: WaveArbitrary}
		}},
		{"zero dwell step", func(d *Definition) {
			d.Waveform = Waveform{Type: WaveArbitrary, Steps: []ArbitraryStep{{Value: 1, DwellMs: 0}}}
		}},
		{"clamps inverted", func(d *Definition) { d.MinClamp = fptr(2); d.MaxClamp = fptr(1) }},
		{"non-positive slew rate", func(d *Definition) { d.MaxSlewRate = fptr(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid
			tt.mutate(&def)
			err := ValidateDefinition(def)
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
	if err := ValidateDefinition(valid); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}
