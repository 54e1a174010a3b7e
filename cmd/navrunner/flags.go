package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	DevicePort      string
	DeviceID        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVarP(&cfg.ConfigPath, "config", "c",
		getEnv("NAVRUNNER_CONFIG", ""),
		"Path to configuration file (env: NAVRUNNER_CONFIG)")

	flag.StringVar(&cfg.DevicePort, "device",
		getEnv("NAVRUNNER_DEVICE", ""),
		"Device serial port, overrides the config file (env: NAVRUNNER_DEVICE)")

	flag.StringVar(&cfg.DeviceID, "device-id",
		getEnv("NAVRUNNER_DEVICE_ID", ""),
		"Device identifier, overrides the config file (env: NAVRUNNER_DEVICE_ID)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NAVRUNNER_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: NAVRUNNER_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NAVRUNNER_LOG_FORMAT", "text"),
		"Log format: json, text (env: NAVRUNNER_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("NAVRUNNER_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: NAVRUNNER_SHUTDOWN_TIMEOUT)")

	flag.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	flag.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - GNSS device session runner

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Record from a device using a config file
  %s --config=/etc/navrunner/config.yaml

  # Override the serial port and log at debug
  %s --config=config.yaml --device=/dev/ttyUSB0 --log-level=debug

  # Run with environment variables
  export NAVRUNNER_CONFIG=/etc/navrunner/config.yaml
  export NAVRUNNER_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
