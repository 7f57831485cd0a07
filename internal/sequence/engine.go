// Package sequence runs stored waveform definitions against a device
// parameter. The engine is a process-wide singleton: at most one
// sequence runs at a time, and a second run is rejected rather than
// queued.
//
// Ticks are scheduled at wall-clock targets (start + cumulative dwell)
// so drift stays bounded by one interval instead of accumulating per
// step. A late tick is written immediately, never skipped.
package sequence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/events"
)

// run is one sequence execution. Mutable fields are guarded by the
// engine mutex.
type run struct {
	cfg         RunConfig
	def         Definition
	points      []Point
	prefix      []int64 // prefix[i] = dwell sum of points[0..i-1]
	cycleMs     int64
	totalCycles *int // nil for continuous

	cancel    context.CancelFunc
	done      chan struct{}
	pauseKick chan struct{}

	execState    ExecutionState
	stepIndex    int
	cycle        int
	commanded    float64
	hasCommanded bool
	startedAtMs  int64
	startedMono  time.Time
	pausedMono   time.Time
	pausedTotal  time.Duration
	resumeCh     chan struct{}
	errMsg       string
	abortReason  string
}

func (r *run) elapsedMs() int64 {
	if r.startedMono.IsZero() {
		return 0
	}
	if r.execState == StatePaused {
		return (r.pausedMono.Sub(r.startedMono) - r.pausedTotal).Milliseconds()
	}
	return (time.Since(r.startedMono) - r.pausedTotal).Milliseconds()
}

// Engine executes sequences. Subscribe before Run to observe the full
// event stream.
type Engine struct {
	source  DefinitionSource
	devices Devices
	log     *events.EventLogger

	mu        sync.Mutex
	active    *run
	listeners []func(Event)

	closed atomic.Bool
}

// New builds an engine over a definition source and the device
// write surface.
func New(source DefinitionSource, devices Devices) (*Engine, error) {
	if source == nil || devices == nil {
		return nil, &Error{Op: "new", Err: errNilDependency}
	}
	return &Engine{
		source:  source,
		devices: devices,
		log:     events.GetGlobalEventLogger(),
	}, nil
}

var errNilDependency = errorString("nil dependency")

// Subscribe registers fn for every engine event. Callbacks run on the
// engine goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) emit(kind EventKind, st State) {
	e.mu.Lock()
	fns := make([]func(Event), len(e.listeners))
	copy(fns, e.listeners)
	e.mu.Unlock()
	ev := Event{Kind: kind, State: st}
	for _, fn := range fns {
		fn(ev)
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	r := e.active
	if r == nil {
		return State{ExecutionState: StateIdle}
	}
	cfg := r.cfg
	st := State{
		SequenceID:       r.cfg.SequenceID,
		RunConfig:        &cfg,
		ExecutionState:   r.execState,
		CurrentStepIndex: r.stepIndex,
		TotalSteps:       len(r.points),
		CurrentCycle:     r.cycle,
		ElapsedMs:        r.elapsedMs(),
		CommandedValue:   r.commanded,
		Error:            r.errMsg,
	}
	if r.totalCycles != nil {
		v := *r.totalCycles
		st.TotalCycles = &v
	}
	if !r.startedMono.IsZero() {
		v := r.startedAtMs
		st.StartedAtMs = &v
	}
	return st
}

func validateRunConfig(cfg RunConfig) error {
	if cfg.SequenceID == "" || cfg.DeviceID == "" || cfg.Parameter == "" {
		return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: ErrInvalidRunConfig}
	}
	switch cfg.RepeatMode {
	case RepeatOnce, RepeatContinuous:
	case RepeatCount:
		if cfg.RepeatCount < 1 {
			return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: ErrInvalidRunConfig}
		}
	default:
		return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: ErrInvalidRunConfig}
	}
	return nil
}

// Run starts executing the referenced definition. It returns once the
// run is underway; progress is reported through events. A run already
// in progress is left untouched and ErrAlreadyRunning is returned.
func (e *Engine) Run(ctx context.Context, cfg RunConfig) error {
	if e.closed.Load() {
		return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: ErrClosed}
	}
	if err := validateRunConfig(cfg); err != nil {
		return err
	}
	def, err := e.source.Get(cfg.SequenceID)
	if err != nil {
		return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: err}
	}
	points, err := Materialize(def)
	if err != nil {
		return err
	}

	var total *int
	switch cfg.RepeatMode {
	case RepeatOnce:
		one := 1
		total = &one
	case RepeatCount:
		n := cfg.RepeatCount
		total = &n
	}
	prefix := make([]int64, len(points)+1)
	for i, p := range points {
		prefix[i+1] = prefix[i] + p.DwellMs
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cfg:         cfg,
		def:         def,
		points:      points,
		prefix:      prefix,
		cycleMs:     prefix[len(points)],
		totalCycles: total,
		cancel:      cancel,
		done:        make(chan struct{}),
		pauseKick:   make(chan struct{}, 1),
		resumeCh:    make(chan struct{}),
		execState:   StateRunning,
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		cancel()
		return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: ErrAlreadyRunning}
	}
	e.active = r
	e.mu.Unlock()

	if def.PreValue != nil {
		if err := e.devices.SetValue(ctx, cfg.DeviceID, cfg.Parameter, *def.PreValue, true); err != nil {
			e.mu.Lock()
			e.active = nil
			e.mu.Unlock()
			cancel()
			close(r.done)
			return &Error{Op: "run", SequenceID: cfg.SequenceID, Err: err}
		}
	}

	e.mu.Lock()
	if def.PreValue != nil {
		r.commanded = *def.PreValue
		r.hasCommanded = true
	}
	r.startedAtMs = time.Now().UnixMilli()
	r.startedMono = time.Now()
	st := e.stateLocked()
	e.mu.Unlock()

	totalMs := int64(0)
	if total != nil {
		totalMs = r.cycleMs * int64(*total)
	}
	e.log.LogSequenceStarted(cfg.SequenceID, cfg.DeviceID, len(points), totalMs)
	e.emit(EventStarted, st)
	go e.runLoop(runCtx, r)
	return nil
}

func (e *Engine) runLoop(ctx context.Context, r *run) {
	defer close(r.done)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		e.mu.Lock()
		if r.execState == StatePaused {
			resume := r.resumeCh
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				e.finalizeAbort(r)
				return
			case <-resume:
			}
			continue
		}
		finished := r.totalCycles != nil && r.cycle >= *r.totalCycles
		target := r.startedMono.Add(r.pausedTotal +
			time.Duration(int64(r.cycle)*r.cycleMs+r.prefix[r.stepIndex])*time.Millisecond)
		e.mu.Unlock()

		if delay := time.Until(target); delay > 0 {
			timer.Reset(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				e.finalizeAbort(r)
				return
			case <-r.pauseKick:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				continue
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			e.finalizeAbort(r)
			return
		}

		if finished {
			e.finalizeComplete(ctx, r)
			return
		}

		e.mu.Lock()
		if r.execState == StatePaused {
			e.mu.Unlock()
			continue
		}
		point := r.points[r.stepIndex]
		prev, hasPrev := r.commanded, r.hasCommanded
		e.mu.Unlock()

		value := point.Value
		if r.def.MaxSlewRate != nil && hasPrev {
			maxDelta := *r.def.MaxSlewRate * float64(point.DwellMs) / 1000
			if value > prev+maxDelta {
				value = prev + maxDelta
			} else if value < prev-maxDelta {
				value = prev - maxDelta
			}
		}

		if err := e.devices.SetValue(ctx, r.cfg.DeviceID, r.cfg.Parameter, value, true); err != nil {
			if ctx.Err() != nil {
				e.finalizeAbort(r)
				return
			}
			e.finalizeError(r, err)
			return
		}

		e.mu.Lock()
		r.commanded = value
		r.hasCommanded = true
		r.stepIndex++
		if r.stepIndex >= len(r.points) {
			r.stepIndex = 0
			r.cycle++
		}
		st := e.stateLocked()
		e.mu.Unlock()
		e.emit(EventProgress, st)
	}
}

func (e *Engine) finalizeComplete(ctx context.Context, r *run) {
	if r.def.PostValue != nil {
		if err := e.devices.SetValue(ctx, r.cfg.DeviceID, r.cfg.Parameter, *r.def.PostValue, true); err != nil && ctx.Err() == nil {
			e.log.LogSequenceError(r.cfg.SequenceID, r.cfg.DeviceID, err)
		}
	}
	e.mu.Lock()
	r.execState = StateCompleted
	st := e.stateLocked()
	elapsed := r.elapsedMs()
	loops := r.cycle
	e.active = nil
	e.mu.Unlock()
	e.log.LogSequenceFinished(r.cfg.SequenceID, r.cfg.DeviceID, elapsed, loops)
	e.emit(EventCompleted, st)
}

func (e *Engine) finalizeAbort(r *run) {
	if r.def.PostValue != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.devices.SetValue(pctx, r.cfg.DeviceID, r.cfg.Parameter, *r.def.PostValue, true)
		cancel()
		if err != nil {
			e.log.LogSequenceError(r.cfg.SequenceID, r.cfg.DeviceID, err)
		}
	}
	e.mu.Lock()
	reason := r.abortReason
	if reason == "" {
		reason = "abort"
	}
	r.execState = StateIdle
	r.errMsg = ""
	st := e.stateLocked()
	e.active = nil
	e.mu.Unlock()
	e.log.LogSequenceAborted(r.cfg.SequenceID, r.cfg.DeviceID, reason)
	e.emit(EventAborted, st)
}

func (e *Engine) finalizeError(r *run, err error) {
	e.log.LogSequenceError(r.cfg.SequenceID, r.cfg.DeviceID, err)
	e.mu.Lock()
	r.execState = StateError
	r.errMsg = err.Error()
	st := e.stateLocked()
	e.active = nil
	e.mu.Unlock()
	e.emit(EventError, st)
}

// Pause suspends tick scheduling. The elapsed clock freezes and
// resumes where it left off; no points are skipped.
func (e *Engine) Pause() error {
	e.mu.Lock()
	r := e.active
	if r == nil || r.execState != StateRunning {
		e.mu.Unlock()
		return &Error{Op: "pause", Err: ErrNotRunning}
	}
	r.execState = StatePaused
	r.pausedMono = time.Now()
	st := e.stateLocked()
	e.mu.Unlock()
	select {
	case r.pauseKick <- struct{}{}:
	default:
	}
	e.emit(EventProgress, st)
	return nil
}

// Resume continues a paused run. Tick targets shift by the paused
// duration so the cadence re-anchors instead of bursting.
func (e *Engine) Resume() error {
	e.mu.Lock()
	r := e.active
	if r == nil || r.execState != StatePaused {
		e.mu.Unlock()
		return &Error{Op: "resume", Err: ErrNotRunning}
	}
	r.pausedTotal += time.Since(r.pausedMono)
	r.execState = StateRunning
	close(r.resumeCh)
	r.resumeCh = make(chan struct{})
	st := e.stateLocked()
	e.mu.Unlock()
	e.emit(EventProgress, st)
	return nil
}

// Abort cancels the active run, writes the post value if the
// definition has one and emits sequenceAborted. Abort of an idle
// engine is a no-op.
func (e *Engine) Abort() error {
	e.mu.Lock()
	r := e.active
	if r == nil {
		e.mu.Unlock()
		return nil
	}
	if r.abortReason == "" {
		r.abortReason = "abort"
	}
	e.mu.Unlock()
	r.cancel()
	<-r.done
	return nil
}

// Close aborts any active run and rejects future ones. It is
// idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	r := e.active
	if r != nil && r.abortReason == "" {
		r.abortReason = "shutdown"
	}
	e.mu.Unlock()
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
