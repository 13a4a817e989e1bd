package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// orGlobal returns l, or the global logger when l is nil
func orGlobal(l Logger) Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}

// LogCheckpoint logs the outcome of one checkpoint write
func LogCheckpoint(l Logger, opID string, step int, path string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"op_id":       opID,
		"step":        step,
		"path":        path,
		"duration_ms": duration.Milliseconds(),
	}

	log := orGlobal(l).WithFields(fields)
	if err != nil {
		log.WithError(err).Warn("Checkpoint failed")
		return
	}
	log.Info("Checkpoint written")
}

// LogRecovery logs a recovery decision for a failed checkpoint
func LogRecovery(l Logger, kind, strategy string, consecutive int, recovered bool) {
	log := orGlobal(l).WithFields(map[string]interface{}{
		"cause":                kind,
		"strategy":             strategy,
		"consecutive_failures": consecutive,
		"recovered":            recovered,
	})
	if recovered {
		log.Info("Checkpoint recovered")
	} else {
		log.Warn("Checkpoint not recovered")
	}
}

// LogFallback logs a switch to a fallback storage root
func LogFallback(l Logger, from, to string, reason error) {
	orGlobal(l).WithError(reason).WithFields(map[string]interface{}{
		"from":   from,
		"to":     to,
		"action": "relocated",
	}).Warn("Primary location unusable, using fallback")
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	log := orGlobal(l).WithField("component", component)

	if len(config) > 0 {
		log = log.WithFields(config)
	}

	log.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	orGlobal(l).WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

// nopLogger is a logger that does nothing (useful for testing)
type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
