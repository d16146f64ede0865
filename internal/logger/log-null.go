package logger

// NullLogger discards every message.
type NullLogger struct{}

func (*NullLogger) Printf(LogLevel, string, ...interface{}) {}
func (*NullLogger) Debugf(string, ...interface{})           {}
func (*NullLogger) Infof(string, ...interface{})            {}
func (*NullLogger) Errorf(string, ...interface{})           {}
