// Package monitoring holds the diagnostic logger shared by the tagging
// service packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Value

func init() {
	current.Store(logFunc(log.Printf))
}

// Logf writes a diagnostic line through the configured logger. It defaults to
// log.Printf.
func Logf(format string, v ...interface{}) {
	current.Load().(logFunc)(format, v...)
}

// SetLogger replaces the package logger. Passing nil mutes all output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		current.Store(logFunc(func(string, ...interface{}) {}))
		return
	}
	current.Store(logFunc(f))
}

// Component returns a logger that prefixes every line with "[name] ".
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
