package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iflabx/opencane/internal/config"
)

// Exit codes: 0 normal, 1 config invalid, 2 strict-startup dependency
// failure.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitStrictStartup = 2
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "caned",
	Short:         "OpenCane device-session runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath,
		"config", filepath.Join(os.Getenv("HOME"), ".opencane", "config.json"),
		"config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code, ok := exitCodeFor(err); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) (int, bool) {
	if ee, ok := err.(*exitError); ok {
		return ee.code, true
	}
	return 0, false
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &exitError{code: exitConfigInvalid, err: err}
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
