// Package logger provides the leveled logger used by the fitters and the command line tools.
package logger

import (
	"strings"

	"github.com/pkg/errors"
)

// LogLevel orders messages by severity.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	// LogError only marks the message; it never exits.
	LogError
)

var logLevelPrefix = map[LogLevel]string{
	LogDebug: "DEBUG",
	LogInfo:  "INFO",
	LogError: "ERROR",
}

// ILogger is implemented by StdOutLogger and NullLogger.
type ILogger interface {
	Printf(level LogLevel, format string, a ...interface{})
	Debugf(format string, a ...interface{})
	Infof(format string, a ...interface{})
	Errorf(format string, a ...interface{})
}

// ParseLogLevel converts "debug", "info" or "error" into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	for level, name := range logLevelPrefix {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	return LogInfo, errors.Errorf("unknown log level %q", s)
}
