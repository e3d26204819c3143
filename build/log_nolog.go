//go:build nolog
// +build nolog

package build

// LoggingType is a log type that writes no logs.
const LoggingType = LogTypeNone

// LogLevel specifies the default log level for test binaries.
const LogLevel = "off"

// Write is a no-op.
func (w *LogWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
