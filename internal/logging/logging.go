// Package logging configures the process-wide structured logger used by
// every Castellan component.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup configures the global slog logger based on the desired format and
// verbosity. format is "json" or "text" (default).
func Setup(format string, verbose bool) {
	var w io.Writer = os.Stderr
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// EventFields returns the canonical set of slog attributes every pipeline
// stage attaches when logging about a single event, keeping log lines
// correlatable across the collector, retriever, and LLM stages.
func EventFields(channel, host, uniqueID string, eventID int) []any {
	return []any{
		"channel", channel,
		"host", host,
		"event_id", eventID,
		"unique_id", uniqueID,
	}
}
