// Command mp4mux reads a raw H.264/AAC elementary stream pair and muxes it
// into either a standalone ISOM file or a CMAF init segment plus a sequence
// of media segments.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mp4mux",
	Short: "Mux raw H.264/AAC elementary streams into ISOM or CMAF output",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		initLogging()
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newISOMCmd())
	rootCmd.AddCommand(newCMAFCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// newRunID mints a per-invocation identifier, logged at the start and end of
// a run so mp4mux's stderr output can be correlated across a session without
// parsing timestamps.
func newRunID() string {
	return uuid.NewString()
}
