//go:build stdlog && !nolog
// +build stdlog,!nolog

package build

import "os"

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// LogLevel specifies the default log level for test binaries.
const LogLevel = "info"

// Write writes the provided byte slice to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	return len(b), nil
}
