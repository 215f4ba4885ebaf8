// Package telemetry centralizes the zerolog setup shared by the
// page-tree components. It follows the same "Str("component", ...)"
// sub-logger pattern pageset.DiskPageSet already uses, so every
// collaborator's log lines are filterable by component without each
// one reaching for os.Stdout itself.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a base logger writing human-readable output to w (or a
// sane default when w is nil). Production callers typically pass
// os.Stdout directly; tests pass io.Discard.
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component
// name, the convention every page-tree collaborator (PageSet, Walker,
// sharding coordinator) uses to identify its own log lines.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// PageEvent returns a log event pre-populated with the page_id/depth
// fields every page-tree log line carries. Callers append
// elided/reconstructed_leaves or other fields before calling Msg.
func PageEvent(ev *zerolog.Event, pageID string, depth int) *zerolog.Event {
	return ev.Str("page_id", pageID).Int("depth", depth)
}
