// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package logging wraps the process-wide logger. The server and the sync
// client both log through this package so that verbosity and formatting are
// controlled in one place.
package logging

import (
	"fmt"
	"os"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger. Callers should use the helper functions
// below rather than touching L directly.
var L = clog.NewWithOptions(os.Stderr, clog.Options{
	ReportTimestamp: true,
})

// SetDebug enables or disables debug-level output.
func SetDebug(on bool) {
	if on {
		L.SetLevel(clog.DebugLevel)
	} else {
		L.SetLevel(clog.InfoLevel)
	}
}

// With returns a sub-logger carrying the given key/value pairs. The server's
// request logger uses it to attach per-request fields to its line.
func With(kv ...interface{}) *clog.Logger {
	return L.With(kv...)
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}
