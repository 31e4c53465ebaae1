package shaderlab

import (
	"log/slog"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shaderlab/internal/logging"
)

// SetLogger configures the logger for shaderlab and all its sub-packages.
// By default, shaderlab produces no log output. Call SetLogger to enable
// logging. The logger is also handed to the wgpu HAL.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by shaderlab:
//   - [slog.LevelDebug]: pipeline state, buffer sizes, resource plans
//   - [slog.LevelInfo]: lifecycle events (adapter selected, reload, reset)
//   - [slog.LevelWarn]: recoverable faults (frame errors, release failures)
//
// Example:
//
//	shaderlab.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
	hal.SetLogger(l)
}

// Logger returns the current logger used by shaderlab.
func Logger() *slog.Logger {
	return logging.L()
}
