// Package trigger runs stored automation scripts against live device
// measurements. A script is a set of condition/action pairs; the
// engine is a process-wide singleton that subscribes to each device a
// value condition watches and evaluates on every inbound measurement.
//
// Firing is edge-triggered with a per-trigger debounce: a condition
// must go false and then true again to re-fire, and never fires within
// debounceMs of its previous fire. Time conditions are evaluated on a
// fixed tick against elapsed script time.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/session"
)

// Config holds the engine tuning knobs.
type Config struct {
	// EvalIntervalMs is the tick period for time conditions.
	EvalIntervalMs int64
	// QueueSize bounds the buffer between device sessions and the
	// evaluation loop. When full, the oldest update is dropped.
	QueueSize int
}

// DefaultConfig returns the production settings.
func DefaultConfig() *Config {
	return &Config{
		EvalIntervalMs: config.DefaultTriggerEvalMs,
		QueueSize:      64,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.EvalIntervalMs < 1 {
		return &Error{Op: "validate", Err: fmt.Errorf("%w: eval interval must be at least 1ms", errInvalidConfig)}
	}
	if c.QueueSize < 1 {
		return &Error{Op: "validate", Err: fmt.Errorf("%w: queue size must be at least 1", errInvalidConfig)}
	}
	return nil
}

const errInvalidConfig = errorString("invalid trigger config")

// scriptRun is one active script. Mutable fields are guarded by the
// engine mutex; script, sink and subscribed are fixed before the
// evaluation loop starts.
type scriptRun struct {
	script      Script
	startedAtMs int64
	startedMono time.Time
	subscribed  []string
	sink        *measurementSink
	cancel      context.CancelFunc
	done        chan struct{}

	execState ExecState
	states    map[string]*TriggerState
}

// measurementSink funnels session updates into the evaluation loop.
// TrySend never blocks: when the queue is full the oldest update is
// dropped so a slow evaluation cannot back-pressure device polling.
type measurementSink struct {
	ch chan session.Update
}

func (s *measurementSink) TrySend(u session.Update) bool {
	if u.Kind != session.UpdateMeasurements || u.Measurements == nil {
		return true
	}
	for {
		select {
		case s.ch <- u:
			return true
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Engine evaluates trigger scripts. Subscribe before Run to observe
// the full event stream.
type Engine struct {
	cfg       *Config
	source    ScriptSource
	devices   Devices
	sequences Sequences
	log       *events.EventLogger
	nowMs     func() int64

	mu        sync.Mutex
	active    *scriptRun
	listeners []func(Event)

	closed atomic.Bool
}

// New builds an engine over a script source, the device surface, and
// the sequence engine used by sequence actions.
func New(cfg *Config, source ScriptSource, devices Devices, sequences Sequences) (*Engine, error) {
	if source == nil || devices == nil || sequences == nil {
		return nil, &Error{Op: "new", Err: errNilDependency}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cc := *cfg
	if cc.EvalIntervalMs == 0 {
		cc.EvalIntervalMs = config.DefaultTriggerEvalMs
	}
	if cc.QueueSize == 0 {
		cc.QueueSize = DefaultConfig().QueueSize
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       &cc,
		source:    source,
		devices:   devices,
		sequences: sequences,
		log:       events.GetGlobalEventLogger(),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

const errNilDependency = errorString("nil dependency")

// Subscribe registers fn for every engine event. Callbacks run on the
// engine goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), len(e.listeners))
	copy(fns, e.listeners)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	r := e.active
	if r == nil {
		return Status{ExecState: StateIdle}
	}
	st := Status{
		ScriptID:  r.script.ID,
		Name:      r.script.Name,
		ExecState: r.execState,
		ElapsedMs: time.Since(r.startedMono).Milliseconds(),
		Triggers:  make([]TriggerState, 0, len(r.script.Triggers)),
	}
	started := r.startedAtMs
	st.StartedAtMs = &started
	for i := range r.script.Triggers {
		st.Triggers = append(st.Triggers, copyTriggerState(r.states[r.script.Triggers[i].ID]))
	}
	return st
}

func copyTriggerState(ts *TriggerState) TriggerState {
	out := *ts
	if ts.LastFiredAtMs != nil {
		v := *ts.LastFiredAtMs
		out.LastFiredAtMs = &v
	}
	return out
}

// Run loads a script by ID and starts evaluating it. Only one script
// runs at a time; a second Run is rejected, not queued. Devices named
// by value conditions must already be known to the session manager.
func (e *Engine) Run(scriptID string) error {
	if e.closed.Load() {
		return &Error{Op: "run", ScriptID: scriptID, Err: ErrClosed}
	}
	script, err := e.source.Get(scriptID)
	if err != nil {
		return &Error{Op: "run", ScriptID: scriptID, Err: err}
	}
	if err := ValidateScript(script); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptRun{
		script:    script,
		execState: StateRunning,
		states:    make(map[string]*TriggerState, len(script.Triggers)),
		sink:      &measurementSink{ch: make(chan session.Update, e.cfg.QueueSize)},
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, t := range script.Triggers {
		r.states[t.ID] = &TriggerState{TriggerID: t.ID}
	}

	// Attach subscriptions before claiming the active slot so the run
	// is fully wired (and subscribed is immutable) once it is visible.
	for _, id := range valueDeviceIDs(script) {
		if err := e.devices.Subscribe(id, r.sink); err != nil {
			for _, d := range r.subscribed {
				e.devices.Unsubscribe(d, r.sink)
			}
			cancel()
			return &Error{Op: "run", ScriptID: scriptID, Err: fmt.Errorf("subscribe %s: %w", id, err)}
		}
		r.subscribed = append(r.subscribed, id)
	}

	e.mu.Lock()
	if e.closed.Load() || e.active != nil {
		inUse := e.active != nil
		e.mu.Unlock()
		for _, d := range r.subscribed {
			e.devices.Unsubscribe(d, r.sink)
		}
		cancel()
		if inUse {
			return &Error{Op: "run", ScriptID: scriptID, Err: ErrAlreadyRunning}
		}
		return &Error{Op: "run", ScriptID: scriptID, Err: ErrClosed}
	}
	e.active = r
	r.startedAtMs = e.nowMs()
	r.startedMono = time.Now()
	st := e.statusLocked()
	e.mu.Unlock()

	e.log.LogScriptStarted(script.ID, len(script.Triggers))
	e.emit(Event{Kind: EventScriptStarted, ScriptID: script.ID, Status: &st})
	go e.runLoop(ctx, r)
	return nil
}

func valueDeviceIDs(s Script) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.Triggers {
		if t.Condition.Type != ConditionValue || seen[t.Condition.DeviceID] {
			continue
		}
		seen[t.Condition.DeviceID] = true
		out = append(out, t.Condition.DeviceID)
	}
	return out
}

func (e *Engine) runLoop(ctx context.Context, r *scriptRun) {
	defer close(r.done)
	tick := time.NewTicker(time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.sink.ch:
			e.evalMeasurement(ctx, r, u)
		case <-tick.C:
			e.evalTick(ctx, r)
		}
	}
}

func (e *Engine) paused(r *scriptRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.execState != StateRunning
}

// evalMeasurement checks every value condition bound to the update's
// device. Updates arriving while paused are drained and discarded so
// the script resumes against fresh readings.
func (e *Engine) evalMeasurement(ctx context.Context, r *scriptRun, u session.Update) {
	if e.paused(r) {
		return
	}
	for i := range r.script.Triggers {
		t := &r.script.Triggers[i]
		c := t.Condition
		if c.Type != ConditionValue || c.DeviceID != u.DeviceID {
			continue
		}
		v, ok := measurementValue(u.Measurements, c.Parameter)
		if !ok {
			continue
		}
		e.applyEdge(ctx, r, t, compare(v, c.Operator, c.Value), v, c.Value)
	}
}

func (e *Engine) evalTick(ctx context.Context, r *scriptRun) {
	if e.paused(r) {
		return
	}
	elapsedSec := time.Since(r.startedMono).Seconds()
	for i := range r.script.Triggers {
		t := &r.script.Triggers[i]
		if t.Condition.Type != ConditionTime {
			continue
		}
		e.applyEdge(ctx, r, t, elapsedSec >= t.Condition.Seconds, elapsedSec, t.Condition.Seconds)
	}
}

// applyEdge runs the fire decision for one evaluation: rising edge
// first, then the once cap, then debounce. ConditionMet is rewritten
// on every evaluation, so an edge blocked by debounce or a spent
// once-trigger is consumed rather than deferred. Actions run on the
// evaluation goroutine, serializing fires across triggers.
func (e *Engine) applyEdge(ctx context.Context, r *scriptRun, t *Trigger, met bool, observed, threshold float64) {
	now := e.nowMs()
	e.mu.Lock()
	st := r.states[t.ID]
	fire := met && !st.ConditionMet
	if fire && t.RepeatMode == RepeatOnce && st.FiredCount >= 1 {
		fire = false
	}
	if fire && st.LastFiredAtMs != nil && now-*st.LastFiredAtMs < t.DebounceMs {
		fire = false
	}
	st.ConditionMet = met
	if fire {
		st.FiredCount++
		ts := now
		st.LastFiredAtMs = &ts
	}
	snap := copyTriggerState(st)
	e.mu.Unlock()

	if !fire {
		return
	}
	e.log.LogTriggerFired(r.script.ID, t.ID, observed, threshold)
	err := e.invoke(ctx, t.Action)
	e.emit(Event{Kind: EventFired, ScriptID: r.script.ID, TriggerID: t.ID, Trigger: &snap})
	if err != nil {
		e.log.LogActionError(r.script.ID, t.ID, string(t.Action.Type), err)
		e.emit(Event{
			Kind:      EventActionFailed,
			ScriptID:  r.script.ID,
			TriggerID: t.ID,
			Action:    t.Action.Type,
			Err:       err.Error(),
		})
	}
}

func (e *Engine) invoke(ctx context.Context, a Action) error {
	switch a.Type {
	case ActionSetValue:
		return e.devices.SetValue(ctx, a.DeviceID, a.Parameter, a.Value, true)
	case ActionSetOutput:
		return e.devices.SetOutput(ctx, a.DeviceID, a.Enabled)
	case ActionStartSequence:
		mode := a.RepeatMode
		if mode == "" {
			mode = sequence.RepeatOnce
		}
		return e.sequences.Run(ctx, sequence.RunConfig{
			SequenceID:  a.SequenceID,
			DeviceID:    a.DeviceID,
			Parameter:   a.Parameter,
			RepeatMode:  mode,
			RepeatCount: a.RepeatCount,
		})
	case ActionStopSequence:
		return e.sequences.Abort()
	case ActionPauseSequence:
		return e.sequences.Pause()
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func compare(v float64, op Operator, threshold float64) bool {
	switch op {
	case OpGreater:
		return v > threshold
	case OpLess:
		return v < threshold
	case OpGreaterEqual:
		return v >= threshold
	case OpLessEqual:
		return v <= threshold
	case OpEqual:
		return v == threshold
	case OpNotEqual:
		return v != threshold
	}
	return false
}

func measurementValue(m *driver.Measurements, k driver.ValueKind) (float64, bool) {
	switch k {
	case driver.KindVoltage:
		return m.Voltage, true
	case driver.KindCurrent:
		return m.Current, true
	case driver.KindPower:
		return m.Power, true
	}
	return 0, false
}

// Stop cancels the active script, detaches its device subscriptions,
// and clears all trigger state. Stopping an idle engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	e.finalizeStop(r, "stop")
	return nil
}

// finalizeStop detaches subscriptions and clears the run exactly once,
// no matter how many stoppers raced.
func (e *Engine) finalizeStop(r *scriptRun, reason string) {
	for _, d := range r.subscribed {
		e.devices.Unsubscribe(d, r.sink)
	}
	e.mu.Lock()
	if e.active != r {
		e.mu.Unlock()
		return
	}
	e.active = nil
	e.mu.Unlock()
	e.log.LogScriptStopped(r.script.ID, reason)
	e.emit(Event{Kind: EventScriptStopped, ScriptID: r.script.ID, Status: &Status{ExecState: StateIdle}})
}

// Pause suspends condition evaluation without detaching device
// subscriptions. Time keeps running while paused: a time condition
// whose deadline passes during a pause fires on resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	r := e.active
	if r == nil || r.execState != StateRunning {
		e.mu.Unlock()
		return &Error{Op: "pause", Err: ErrNotRunning}
	}
	r.execState = StatePaused
	st := e.statusLocked()
	e.mu.Unlock()
	e.emit(Event{Kind: EventScriptStatus, ScriptID: r.script.ID, Status: &st})
	return nil
}

// Resume re-enables evaluation after Pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	r := e.active
	if r == nil || r.execState != StatePaused {
		e.mu.Unlock()
		return &Error{Op: "resume", Err: ErrNotRunning}
	}
	r.execState = StateRunning
	st := e.statusLocked()
	e.mu.Unlock()
	e.emit(Event{Kind: EventScriptStatus, ScriptID: r.script.ID, Status: &st})
	return nil
}

// Close stops any active script and rejects further runs.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return &Error{Op: "close", ScriptID: r.script.ID, Err: ctx.Err()}
	}
	e.finalizeStop(r, "shutdown")
	return nil
}
