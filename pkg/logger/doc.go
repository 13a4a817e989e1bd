// Package logger provides the structured logging interface used by every
// checkpoint component.
//
// It wraps zerolog. Console output is colourised and written to stderr; when
// a file is configured, entries go to both the file and the console.
//
// Components take a Logger in their constructor. Passing nil selects the
// process logger returned by GetLogger, which the CLI initialises once:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//		return err
//	}
//	log := logger.GetLogger().WithField("component", "writer")
//	log.InfoWithFields("Checkpoint written", map[string]interface{}{
//		"path": path,
//		"step": 10,
//	})
//
// Tests use NewNopLogger, or NewTestLogger to assert on captured messages.
package logger
