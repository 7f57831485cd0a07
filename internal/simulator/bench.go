package simulator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benchlab/benchd/internal/transport"
)

// Bench is a set of simulated instruments addressable like serial
// ports. It implements the port enumeration and opening hooks the
// session manager uses, so the full stack can run with no hardware.
type Bench struct {
	mu      sync.Mutex
	instrs  map[string]Instrument
	offline map[string]bool
	open    map[string]*Port

	replyDelay time.Duration
}

// NewBench returns an empty bench.
func NewBench(replyDelay time.Duration) *Bench {
	return &Bench{
		instrs:     make(map[string]Instrument),
		offline:    make(map[string]bool),
		open:       make(map[string]*Port),
		replyDelay: replyDelay,
	}
}

// DefaultBench returns the standard development bench: two supplies,
// one load and one scope.
func DefaultBench() *Bench {
	b := NewBench(2 * time.Millisecond)
	b.Add("sim-psu1", NewPSU("SIM0001"))
	b.Add("sim-psu2", NewPSU("SIM0002"))
	b.Add("sim-load1", NewLoad("SIM0003"))
	b.Add("sim-scope1", NewScope("SIM0004"))
	return b
}

// Add attaches an instrument under a port name. Instrument state
// persists across opens, like a real device surviving replug.
func (b *Bench) Add(name string, inst Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instrs[name] = inst
}

// Instrument returns the instrument behind a port name so tests can
// manipulate the simulated physics.
func (b *Bench) Instrument(name string) (Instrument, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instrs[name]
	return inst, ok
}

// List implements transport.PortEnumerator. Offline instruments are
// invisible, like an unplugged USB adapter.
func (b *Bench) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.instrs))
	for name := range b.instrs {
		if !b.offline[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open attaches a fresh port to the named instrument. The baud rate is
// accepted for interface compatibility and ignored.
func (b *Bench) Open(name string, baud int) (transport.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instrs[name]
	if !ok || b.offline[name] {
		return nil, fmt.Errorf("no such port %q", name)
	}
	p := NewPort(inst, b.replyDelay)
	b.open[name] = p
	return p, nil
}

// SetOffline simulates unplugging (or replugging) an instrument. Going
// offline severs any open port so the transport sees an I/O failure.
func (b *Bench) SetOffline(name string, offline bool) {
	b.mu.Lock()
	p := b.open[name]
	b.offline[name] = offline
	if offline {
		delete(b.open, name)
	}
	b.mu.Unlock()
	if offline && p != nil {
		p.Close()
	}
}
