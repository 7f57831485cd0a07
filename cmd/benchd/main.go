package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/hub"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/metrics"
	"github.com/benchlab/benchd/internal/otel"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/simulator"
	"github.com/benchlab/benchd/internal/store"
	"github.com/benchlab/benchd/internal/trigger"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

// fileConfig mirrors the optional JSON configuration file. Values set
// on the command line win over file values, which win over the
// built-in defaults.
type fileConfig struct {
	Listen    string           `json:"listen"`
	Store     string           `json:"store"`
	LogLevel  string           `json:"logLevel"`
	Sim       *bool            `json:"sim"`
	Telemetry *telemetryConfig `json:"telemetry"`
}

// telemetryConfig selects the OpenTelemetry exporters. Absent or with
// exporter "none", tracing and metrics export stay disabled.
type telemetryConfig struct {
	TracesExporter  string            `json:"tracesExporter"`
	MetricsExporter string            `json:"metricsExporter"`
	Endpoint        string            `json:"endpoint"`
	Insecure        bool              `json:"insecure"`
	SampleRate      float64           `json:"sampleRate"`
	Attributes      map[string]string `json:"attributes"`
}

func main() {
	listen := flag.String("listen", config.DefaultListenAddr, "HTTP listen address (WebSocket at /ws)")
	storePath := flag.String("store", config.DefaultStorePath, "Settings database path")
	configPath := flag.String("config", "", "Optional JSON configuration file")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	simMode := flag.Bool("sim", false, "Serve simulated instruments instead of scanning serial ports")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("benchd %s\n", version)
		return
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	var telemetry *telemetryConfig
	if *configPath != "" {
		fc, err := loadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		if fc.Listen != "" && !setFlags["listen"] {
			*listen = fc.Listen
		}
		if fc.Store != "" && !setFlags["store"] {
			*storePath = fc.Store
		}
		if fc.LogLevel != "" && !setFlags["log-level"] {
			*logLevel = fc.LogLevel
		}
		if fc.Sim != nil && !setFlags["sim"] {
			*simMode = *fc.Sim
		}
		telemetry = fc.Telemetry
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := events.NewEventLogger(level)
	events.SetGlobalEventLogger(log)

	tracer, meters, err := setupTelemetry(context.Background(), telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up telemetry: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)
	otel.SetGlobalMetrics(meters)

	st, err := store.Open(*storePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store %s: %v\n", *storePath, err)
		os.Exit(1)
	}

	mgrCfg := manager.DefaultConfig()
	if *simMode {
		bench := simulator.DefaultBench()
		mgrCfg.Enumerator = bench
		mgrCfg.Opener = bench
	}
	mgr, err := manager.New(mgrCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating device manager: %v\n", err)
		os.Exit(1)
	}

	sequences, err := sequence.New(st.Sequences(), mgr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating sequence engine: %v\n", err)
		os.Exit(1)
	}
	triggers, err := trigger.New(nil, st.Scripts(), mgr, sequences)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating trigger engine: %v\n", err)
		os.Exit(1)
	}

	h, err := hub.New(nil, mgr, sequences, triggers, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating hub: %v\n", err)
		os.Exit(1)
	}

	sampler, err := diag.New(&diag.Config{StorePath: *storePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating diagnostics sampler: %v\n", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	collector.SetDeviceProvider(mgr)
	collector.SetClientProvider(h)
	collector.SetStoreProvider(st)
	collector.SetDiagProvider(sampler)
	h.SetRecorder(collector)
	h.SetDiagnostics(sampler)
	h.Start()

	sampler.Start()
	if err := mgr.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting discovery: %v\n", err)
		os.Exit(1)
	}

	server, err := hub.NewServer(&hub.ServerConfig{
		Addr:           *listen,
		MetricsHandler: collector.Handler(),
		Middleware:     otel.Middleware(tracer),
	}, h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	log.LogServerStarted(server.Addr(), *simMode, *storePath)
	if *simMode {
		fmt.Printf("benchd listening on %s (simulated bench)\n", server.Addr())
	} else {
		fmt.Printf("benchd listening on %s\n", server.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	if err := triggers.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping trigger engine: %v\n", err)
	}
	if err := sequences.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping sequence engine: %v\n", err)
	}
	if err := mgr.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing device manager: %v\n", err)
	}
	sampler.Close(ctx)
	if err := st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
	}
	meters.Shutdown(ctx)
	tracer.Shutdown(ctx)

	log.LogServerStopped("signal")
	fmt.Println("Server stopped")
}

func loadFileConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// setupTelemetry builds the tracer and meter from the telemetry
// section of the config file. A nil section yields no-op providers.
func setupTelemetry(ctx context.Context, tc *telemetryConfig) (*otel.Tracer, *otel.Metrics, error) {
	tracerCfg := otel.DefaultConfig()
	tracerCfg.ServiceVersion = version
	metricsCfg := otel.DefaultMetricsConfig()
	metricsCfg.ServiceVersion = version

	if tc != nil {
		if tc.TracesExporter != "" && tc.TracesExporter != string(otel.ExporterNone) {
			tracerCfg.Enabled = true
			tracerCfg.ExporterType = otel.ExporterType(tc.TracesExporter)
		}
		if tc.MetricsExporter != "" && tc.MetricsExporter != string(otel.ExporterNone) {
			metricsCfg.Enabled = true
			metricsCfg.ExporterType = otel.ExporterType(tc.MetricsExporter)
		}
		tracerCfg.OTLPEndpoint = tc.Endpoint
		metricsCfg.OTLPEndpoint = tc.Endpoint
		tracerCfg.OTLPInsecure = tc.Insecure
		metricsCfg.OTLPInsecure = tc.Insecure
		if tc.SampleRate > 0 {
			tracerCfg.SampleRate = tc.SampleRate
		}
		tracerCfg.Attributes = tc.Attributes
		metricsCfg.Attributes = tc.Attributes
	}

	tracer, err := otel.NewTracer(ctx, tracerCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}
	meters, err := otel.NewMetrics(ctx, metricsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	return tracer, meters, nil
}
