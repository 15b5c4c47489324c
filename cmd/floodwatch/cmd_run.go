package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/HerbHall/floodwatch/internal/config"
	"github.com/HerbHall/floodwatch/internal/event"
	"github.com/HerbHall/floodwatch/internal/flood"
	"github.com/HerbHall/floodwatch/internal/server"
	"github.com/HerbHall/floodwatch/internal/traffic"
	"github.com/HerbHall/floodwatch/pkg/plugin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("floodwatch "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// standalone is a flood module initialized without persistence, for the
// one-shot CLI commands.
type standalone struct {
	module *flood.Module
	bus    *event.Bus
	logger *zap.Logger
}

func newStandalone(ctx context.Context, configPath string) (*standalone, error) {
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	bus := event.NewBus(logger.Named("event"))
	m := flood.New()
	if err := m.Init(ctx, plugin.Dependencies{
		Config: config.New(v).Sub("plugins.flood"),
		Logger: logger.Named("flood"),
		Bus:    bus,
	}); err != nil {
		return nil, err
	}
	return &standalone{module: m, bus: bus, logger: logger}, nil
}

// runAnalyze runs a batch analysis over a sample file ("-" reads stdin) and
// prints the report.
func runAnalyze(args []string) int {
	fs := newFlagSet("analyze")
	configPath := fs.String("config", "", "path to configuration file")
	file := fs.String("file", "", "sample file, one or more numbers per line (- for stdin)")
	name := fs.String("name", "", "stream name recorded in the report (default: file name)")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "analyze: -file is required")
		return 2
	}
	if *format != "json" && *format != "yaml" {
		fmt.Fprintf(os.Stderr, "analyze: unknown format %q\n", *format)
		return 2
	}
	if *name == "" {
		*name = *file
	}

	ctx := context.Background()
	app, err := newStandalone(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		return 1
	}
	defer func() { _ = app.logger.Sync() }()

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	samples, err := traffic.Collect(ctx, traffic.NewReader(in), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		return 1
	}

	r, _, err := app.module.Analyze(ctx, *name, "file", app.module.Config().Detector, samples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		return 1
	}
	if err := writeReport(os.Stdout, *format, r); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		return 1
	}
	return 0
}

func writeReport(w io.Writer, format string, r *flood.Report) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// runSimulate streams the traffic simulator through a monitor and prints the
// first detection against the simulated surge.
func runSimulate(args []string) int {
	fs := newFlagSet("simulate")
	configPath := fs.String("config", "", "path to configuration file")
	seed := fs.Uint64("seed", 0, "simulator seed (0 uses the configured or a random seed)")
	realtime := fs.Bool("realtime", false, "pace samples at the sampling rate")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newStandalone(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}
	defer func() { _ = app.logger.Sync() }()

	reports := make(chan *flood.Report, 1)
	app.bus.Subscribe(flood.TopicRunCompleted, func(_ context.Context, e plugin.Event) {
		if r, ok := e.Payload.(*flood.Report); ok {
			reports <- r
		}
	})
	app.bus.Subscribe(flood.TopicDetected, func(_ context.Context, e plugin.Event) {
		if d, ok := e.Payload.(flood.DetectionEvent); ok {
			fmt.Printf("flood detected at tick %d (%.3fs): S=%.1f threshold=%.1f (%s)\n",
				d.Tick, d.Seconds, d.Cumulative, d.Threshold, d.TripReason())
		}
	})

	if err := app.module.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}
	defer func() { _ = app.module.Stop(context.Background()) }()

	spec, err := app.module.NewSimulatedSpec("simulator", app.module.Config().Detector, *seed, *realtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}
	mon, err := app.module.StartMonitor(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}

	select {
	case <-mon.Done():
	case <-ctx.Done():
		mon.Cancel()
		<-mon.Done()
	}

	r := <-reports
	printSummary(r)
	if r.Status == flood.StatusFailed {
		return 1
	}
	return 0
}

func printSummary(r *flood.Report) {
	fmt.Printf("run %s: %d ticks, status %s\n", r.ID, r.Ticks, r.Status)
	if r.SurgeStartTick != nil && r.SurgeEndTick != nil {
		fmt.Printf("surge: ticks [%d, %d)\n", *r.SurgeStartTick, *r.SurgeEndTick)
	}
	switch {
	case !r.Detected:
		fmt.Println("no flood detected")
	case r.FalseAlarm:
		fmt.Printf("first detection at tick %d before the surge (false alarm)\n", *r.FirstDetectionTick)
	case r.DetectionDelay != nil:
		fmt.Printf("first detection at tick %d, delay %.3fs\n", *r.FirstDetectionTick, *r.DetectionDelay)
	default:
		fmt.Printf("first detection at tick %d\n", *r.FirstDetectionTick)
	}
	if r.Error != "" {
		fmt.Printf("error: %s\n", r.Error)
	}
}
