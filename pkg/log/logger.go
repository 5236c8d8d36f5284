// Package log provides structured logging for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// RoundKey carries the mining round (chain version) through a context.
const RoundKey contextKey = "round"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: ParseLevel(level) == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// ParseLevel maps a level name onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger with the round carried by ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if round := ctx.Value(RoundKey); round != nil {
		return l.WithFields("round", round)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger scoped to a compute device
func (l *Logger) WithDevice(id int, signature string) *Logger {
	return l.WithFields("device_id", id, "device_signature", signature)
}

// WithBlock returns a logger scoped to a block and chain version
func (l *Logger) WithBlock(block string, version uint64) *Logger {
	return l.WithFields("block", block, "chain_version", version)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	if duration <= 0 {
		return
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", float64(count)/(float64(duration)/1e9),
	)
}

// Mining-specific logging helpers

// LogBlockChanged logs a chain advance observed by the refresh loop
func (l *Logger) LogBlockChanged(oldBlock, newBlock string, target uint64, version uint64) {
	l.Info("block changed",
		"old_block", oldBlock,
		"new_block", newBlock,
		"target", target,
		"chain_version", version,
	)
}

// LogSolutionFound logs a solution reported by a device worker
func (l *Logger) LogSolutionFound(deviceID int, block, nonce string, version uint64) {
	l.Info("solution found",
		"device_id", deviceID,
		"block", block,
		"nonce", nonce,
		"chain_version", version,
	)
}

// LogSubmission logs the outcome of a solution submission
func (l *Logger) LogSubmission(address, block, nonce, status string, latencyMs float64) {
	l.Info("solution submission",
		"address", address,
		"block", block,
		"nonce", nonce,
		"status", status,
		"latency_ms", latencyMs,
	)
}

// LogRelayTransfer logs a relay payout from the temporary address
func (l *Logger) LogRelayTransfer(from, to string, amount int64) {
	l.Info("relay transfer",
		"from", from,
		"to", to,
		"amount", amount,
	)
}

// LogHashrate logs a per-device hashrate sample
func (l *Logger) LogHashrate(deviceID int, hashesPerSecond float64) {
	l.Info("hashrate",
		"device_id", deviceID,
		"hashes_per_sec", hashesPerSecond,
	)
}
