// Package logging builds the zap loggers each actor runs with: one base
// logger per process, tagged per component so log lines can be filtered by
// actor without grepping message text.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide base logger. debug selects a development
// encoder (console, caller, stack traces on warn+); otherwise a JSON
// production encoder is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil // every event matters; volume here is per-agent, not per-request
	return cfg.Build()
}

// Component returns a child logger tagged with which actor emitted a line:
// "fam", "bm", "ic", "r", "h", "m", "l", "lss".
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// ForNode additionally tags the logger with the proxy's stable node id, so
// log aggregation across a fleet can be filtered to one proxy instance.
func ForNode(base *zap.Logger, nodeID string) *zap.Logger {
	return base.With(zap.String("node_id", nodeID))
}
