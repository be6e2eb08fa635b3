// Package main is the entry point for the dcgmtop agent. It wires
// configuration, logging, the collection engine, and the optional sample
// recorder, then runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dcgm-tools/dcgmtop/internal/collector"
	"github.com/dcgm-tools/dcgmtop/internal/config"
	"github.com/dcgm-tools/dcgmtop/internal/hostinfo"
	"github.com/dcgm-tools/dcgmtop/internal/recorder"
)

var (
	// version is set at build time via -ldflags.
	version = "dev"

	configPath  = flag.String("config", "", "Path to configuration file (default: auto-discover)")
	mode        = flag.String("mode", "", "Aggregation mode: mean or last")
	interval    = flag.Duration("interval", 0, "Sampling interval, e.g. 250ms")
	gpus        = flag.String("gpus", "", "Comma-separated GPU ids to monitor (default: all)")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dcgmtop %s\n", version)
		os.Exit(0)
	}

	cli := config.CLIOverrides{Mode: *mode, Interval: *interval, GPUs: *gpus}
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadLayered(cli, embeddedConfig, *configPath)
	} else {
		cfg, err = config.LoadLayered(cli, embeddedConfig)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting dcgmtop", zap.String("version", version))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hi, err := hostinfo.Collect(ctx); err == nil {
		logger.Info("Host",
			zap.String("hostname", hi.Hostname),
			zap.String("platform", hi.Platform),
			zap.String("kernel", hi.KernelVersion),
			zap.Duration("uptime", hi.Uptime))
	} else {
		logger.Debug("Host description unavailable", zap.Error(err))
	}

	// Catalog resolution happens here; a missing dcgmi is fatal.
	eng, err := collector.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build collection engine", zap.Error(err))
	}

	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.Recorder.DBPath,
			cfg.Recorder.FlushInterval.Duration, cfg.Recorder.RetentionRows, logger)
		if err != nil {
			logger.Fatal("Failed to open sample recorder", zap.Error(err))
		}
		defer rec.Close()

		names := eng.MetricNames()
		eng.OnSample(func(device string, values []float64) {
			rec.Record(device, names, values)
		})
		go rec.Run(ctx)
		logger.Info("Sample recorder enabled", zap.String("db", cfg.Recorder.DBPath))
	}

	if err := eng.Start(); err != nil {
		logger.Fatal("Failed to start collection", zap.Error(err))
	}

	// Handle OS signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	reportLoop(ctx, eng, logger)

	if err := eng.Stop(); err != nil {
		logger.Error("Collection stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Agent stopped")
}

// reportLoop periodically logs a summary of the current aggregates. It is a
// demonstration consumer of the read facade; richer presentation layers use
// the same calls.
func reportLoop(ctx context.Context, eng *collector.Engine, logger *zap.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	names := eng.MetricNames()
	short := make([]string, len(names))
	for i, n := range names {
		if s, ok := eng.ShortName(n); ok {
			short[i] = s
		} else {
			short[i] = n
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dev := range eng.Devices() {
				st, ok := eng.Stats(dev)
				if !ok {
					continue
				}
				fields := make([]zap.Field, 0, len(names)+2)
				fields = append(fields,
					zap.String("device", dev),
					zap.Uint64("samples", st.Samples))
				for i, v := range st.Values {
					fields = append(fields, zap.Float64(strings.ToLower(short[i]), v))
				}
				logger.Info("GPU stats", fields...)
			}
		}
	}
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Console output (human-readable)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	// File output (structured JSON, if configured)
	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
