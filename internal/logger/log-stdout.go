package logger

import (
	"fmt"
	"io"
	"log"
	"os"
)

// StdOutLogger writes "LEVEL: message" lines at or above a threshold.
type StdOutLogger struct {
	logLevel LogLevel
	out      *log.Logger
}

// NewStdOutLogger creates a logger printing to stdout.
func NewStdOutLogger(level LogLevel) *StdOutLogger {
	return NewWriterLogger(os.Stdout, level, log.LstdFlags)
}

// NewWriterLogger creates a logger printing to w with the given log flags.
func NewWriterLogger(w io.Writer, level LogLevel, flags int) *StdOutLogger {
	return &StdOutLogger{logLevel: level, out: log.New(w, "", flags)}
}

func (l *StdOutLogger) Printf(level LogLevel, format string, a ...interface{}) {
	if level < l.logLevel {
		return
	}
	l.out.Println(logLevelPrefix[level] + ": " + fmt.Sprintf(format, a...))
}

func (l *StdOutLogger) Debugf(format string, a ...interface{}) { l.Printf(LogDebug, format, a...) }
func (l *StdOutLogger) Infof(format string, a ...interface{})  { l.Printf(LogInfo, format, a...) }
func (l *StdOutLogger) Errorf(format string, a ...interface{}) { l.Printf(LogError, format, a...) }

func (l *StdOutLogger) SetLogLevel(level LogLevel) { l.logLevel = level }
func (l *StdOutLogger) GetLogLevel() LogLevel      { return l.logLevel }
