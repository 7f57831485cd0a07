// Package diag samples host and process health for the diagnostics
// surface. A Sampler polls gopsutil on a fixed interval and keeps the
// latest reading plus a bounded history ring; the metrics exposition
// and the shutdown log both read from it.
package diag

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/events"
)

// HostMetrics is one reading of system-level health.
type HostMetrics struct {
	// CPUPercent is the overall CPU usage percentage (0-100).
	CPUPercent float64 `json:"cpuPercent"`

	// MemTotal is the total system memory in bytes.
	MemTotal uint64 `json:"memTotal"`

	// MemUsed is the used system memory in bytes.
	MemUsed uint64 `json:"memUsed"`

	// MemAvailable is the available system memory in bytes.
	MemAvailable uint64 `json:"memAvailable,omitempty"`

	// LoadAvg1 is the 1-minute load average.
	LoadAvg1 float64 `json:"loadAvg1,omitempty"`

	// LoadAvg5 is the 5-minute load average.
	LoadAvg5 float64 `json:"loadAvg5,omitempty"`

	// LoadAvg15 is the 15-minute load average.
	LoadAvg15 float64 `json:"loadAvg15,omitempty"`
}

// ProcessMetrics is one reading of the daemon's own process.
type ProcessMetrics struct {
	// PID is the daemon's process ID.
	PID int `json:"pid"`

	// CPUPercent is the process CPU usage percentage.
	CPUPercent float64 `json:"cpuPercent"`

	// MemRSS is the resident set size in bytes.
	MemRSS uint64 `json:"memRss"`

	// NumThreads is the OS thread count.
	NumThreads int `json:"numThreads,omitempty"`

	// NumFDs is the open file descriptor count (Unix only).
	NumFDs int `json:"numFds,omitempty"`

	// Goroutines is the Go runtime goroutine count.
	Goroutines int `json:"goroutines"`
}

// Sample is one full diagnostics reading.
type Sample struct {
	TimestampMs int64          `json:"timestamp"`
	Host        HostMetrics    `json:"host"`
	Process     ProcessMetrics `json:"process"`

	// StoreBytes is the settings database file size, when a store
	// path is configured.
	StoreBytes int64 `json:"storeBytes,omitempty"`
}

// Config controls the sampling loop. The zero value is not valid; use
// DefaultConfig.
type Config struct {
	// IntervalMs is the sampling period.
	IntervalMs int64

	// HistorySize bounds the retained sample ring.
	HistorySize int

	// StorePath, when set, is stat'ed each sample for the database
	// size.
	StorePath string
}

// DefaultConfig returns the production sampling settings.
func DefaultConfig() *Config {
	return &Config{
		IntervalMs:  config.DefaultDiagIntervalMs,
		HistorySize: 360,
	}
}

const errInvalidConfig = errorString("invalid configuration")

type errorString string

func (e errorString) Error() string { return string(e) }

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.IntervalMs < 1 {
		return fmt.Errorf("%w: intervalMs must be at least 1", errInvalidConfig)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("%w: historySize must be at least 1", errInvalidConfig)
	}
	return nil
}

// Sampler collects diagnostics on a fixed interval.
type Sampler struct {
	cfg  *Config
	log  *events.EventLogger
	proc *process.Process

	mu      sync.RWMutex
	latest  Sample
	haveOne bool
	history []Sample

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	nowFunc func() time.Time
}

// New creates a sampler. cfg may be nil for defaults.
func New(cfg *Config) (*Sampler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = def.IntervalMs
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = def.HistorySize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Own-process handle; process metrics degrade to zero readings if
	// the platform denies access.
	proc, _ := process.NewProcess(int32(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	return &Sampler{
		cfg:     cfg,
		log:     events.GetGlobalEventLogger(),
		proc:    proc,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}, nil
}

// Start begins the sampling loop. One sample is taken immediately so
// Latest never waits a full interval after startup.
func (s *Sampler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

func (s *Sampler) run() {
	defer close(s.done)

	s.record(s.Collect(s.ctx))
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.record(s.Collect(s.ctx))
		}
	}
}

// Collect takes one reading now. Individual probe failures leave their
// fields zero rather than failing the sample.
func (s *Sampler) Collect(ctx context.Context) Sample {
	sample := Sample{TimestampMs: s.nowFunc().UnixMilli()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.Host.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		sample.Host.MemTotal = vm.Total
		sample.Host.MemUsed = vm.Used
		sample.Host.MemAvailable = vm.Available
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		sample.Host.LoadAvg1 = avg.Load1
		sample.Host.LoadAvg5 = avg.Load5
		sample.Host.LoadAvg15 = avg.Load15
	}

	sample.Process.PID = os.Getpid()
	sample.Process.Goroutines = runtime.NumGoroutine()
	if s.proc != nil {
		if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			sample.Process.CPUPercent = pct
		}
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			sample.Process.MemRSS = mi.RSS
		}
		if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
			sample.Process.NumThreads = int(threads)
		}
		if fds, err := s.proc.NumFDsWithContext(ctx); err == nil {
			sample.Process.NumFDs = int(fds)
		}
	}

	if s.cfg.StorePath != "" {
		if fi, err := os.Stat(s.cfg.StorePath); err == nil {
			sample.StoreBytes = fi.Size()
		}
	}

	return sample
}

func (s *Sampler) record(sample Sample) {
	s.mu.Lock()
	s.latest = sample
	s.haveOne = true
	s.history = append(s.history, sample)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()

	s.log.LogHealthSample(
		sample.Process.CPUPercent,
		float64(sample.Process.MemRSS)/(1024*1024),
		sample.Process.Goroutines,
		sample.Host.LoadAvg1,
	)
}

// Latest returns the most recent sample. ok is false before the first
// reading completes.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.haveOne
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

// Close stops the loop and waits for it to exit.
func (s *Sampler) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
