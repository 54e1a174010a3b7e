// Package main implements the entry point for the navrunner application.
// navrunner connects to a GNSS navigation device over a serial port,
// resets it into a known state, and records and redistributes its output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/navrunner/auxcapture"
	"github.com/c360/navrunner/broadcast"
	"github.com/c360/navrunner/config"
	"github.com/c360/navrunner/correction"
	"github.com/c360/navrunner/device"
	"github.com/c360/navrunner/logcapture"
	"github.com/c360/navrunner/metric"
	"github.com/c360/navrunner/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "navrunner"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting navrunner",
		"version", Version,
		"build_time", BuildTime,
		"device_id", cfg.DeviceID,
		"device_port", cfg.Device.Port)

	return runSession(cfg, logger, cliCfg.ShutdownTimeout)
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(cliCfg *CLIConfig) (config.Config, error) {
	cfg := config.DefaultConfig()
	if cliCfg.ConfigPath != "" {
		var err error
		cfg, err = config.Load(cliCfg.ConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}

	if cliCfg.DevicePort != "" {
		cfg.Device.Port = cliCfg.DevicePort
	}
	if cliCfg.DeviceID != "" {
		cfg.DeviceID = cliCfg.DeviceID
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runSession builds the component graph, runs it until a shutdown signal or
// a fatal device error, and tears it down in order.
func runSession(cfg config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	var registry *metric.MetricsRegistry
	if cfg.Metrics.Addr != "" {
		registry = metric.NewMetricsRegistry()
	}

	source, err := device.OpenSerial(cfg.Device, logger)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}

	capture, err := buildCapture(cfg, logger, registry)
	if err != nil {
		return err
	}

	orch, err := session.New(cfg, source, capture, logger, registry)
	if err != nil {
		return err
	}

	if cfg.Output.Type != config.OutputTypeNone {
		server, err := broadcast.NewServer(cfg.Output.Broadcast(), logger, registry, orch.HandleExternalData)
		if err != nil {
			return fmt.Errorf("create broadcast server: %w", err)
		}
		orch.AttachBroadcast(server)
	}

	if cfg.Corrections.Enabled {
		client, err := correction.NewClient(cfg.Corrections.Config, logger, registry, orch.OnCorrectionData)
		if err != nil {
			return fmt.Errorf("create correction client: %w", err)
		}
		orch.AttachCorrections(client)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// The capture session directory must exist before the auxiliary loop
	// can place its channel file inside it.
	if capture != nil {
		if err := capture.Start(signalCtx); err != nil {
			return fmt.Errorf("start log capture: %w", err)
		}
		slog.Info("Session logging started",
			"guid", capture.GUID(),
			"sequence_num", capture.SequenceNum(),
			"directory", capture.Directory())
	}

	if cfg.External.Enabled {
		if err := attachExternal(cfg, orch, capture, logger); err != nil {
			return err
		}
	}

	if err := orch.Start(signalCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	err = supervise(signalCtx, cfg, registry, orch)

	if stopErr := orch.Stop(shutdownTimeout); stopErr != nil && err == nil {
		err = stopErr
	}
	if joinErr := orch.Join(shutdownTimeout); joinErr != nil && err == nil {
		err = joinErr
	}

	counters := orch.Counters()
	slog.Info("navrunner shutdown complete",
		"bytes_received", counters.All,
		"fusion_engine_bytes", counters.FusionEng,
		"nmea_bytes", counters.NMEA,
		"corrections_bytes", counters.Corrections)
	return err
}

// buildCapture creates the session recorder, or returns nil when recording
// is disabled.
func buildCapture(cfg config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*logcapture.LogCapture, error) {
	if cfg.Log.Format == config.LogFormatNone {
		return nil, nil
	}

	captureCfg := logcapture.Config{
		DeviceID:      cfg.DeviceID,
		BaseDir:       cfg.Log.BaseDir,
		DataFilename:  "input" + cfg.Log.Format.Extension(),
		CreateSymlink: cfg.Log.CreateSymlink,
		LogTimestamps: cfg.Log.LogTimestamps,
		LogCreatedCmd: cfg.Log.LogCreatedCmd,
	}
	if cfg.External.Enabled && cfg.External.OutputFilename != "" {
		captureCfg.ExtraChannels = []string{cfg.External.OutputFilename}
	}

	capture, err := logcapture.New(captureCfg, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create log capture: %w", err)
	}
	return capture, nil
}

// attachExternal opens the auxiliary serial device and wires its capture
// loop into the orchestrator.
func attachExternal(cfg config.Config, orch *session.Orchestrator, capture *logcapture.LogCapture, logger *slog.Logger) error {
	auxSource, err := device.OpenSerial(cfg.External.Serial, logger)
	if err != nil {
		return fmt.Errorf("open external device: %w", err)
	}

	var outputPath string
	if capture != nil && cfg.External.OutputFilename != "" {
		outputPath, err = capture.AbsFilePath(cfg.External.OutputFilename)
		if err != nil {
			return fmt.Errorf("resolve external channel file: %w", err)
		}
	}

	loop := auxcapture.NewLoop(auxSource, cfg.External.Serial.Port, outputPath, logger)
	orch.AttachAux(loop, cfg.Corrections.Enabled)
	return nil
}

// supervise blocks until a shutdown signal arrives or the session fails.
func supervise(ctx context.Context, cfg config.Config, registry *metric.MetricsRegistry, orch *session.Orchestrator) error {
	g, gctx := errgroup.WithContext(ctx)

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			slog.Info("Metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-orch.Done():
			if err := orch.Err(); err != nil {
				return fmt.Errorf("session terminated: %w", err)
			}
			return nil
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal")
		return nil
	}
	return err
}
