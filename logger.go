package db

// Logger provides structured logging for adapter and facade operations.
// Fields are alternating keys and values.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// backendLogger prefixes every log line with the backend name.
type backendLogger struct {
	backend Backend
	next    Logger
}

func withBackend(l Logger, backend Backend) Logger {
	if l == nil {
		l = &NoOpLogger{}
	}
	return &backendLogger{backend: backend, next: l}
}

func (l *backendLogger) fields(fields []interface{}) []interface{} {
	return append([]interface{}{"backend", string(l.backend)}, fields...)
}

func (l *backendLogger) Debug(msg string, fields ...interface{}) {
	l.next.Debug(msg, l.fields(fields)...)
}

func (l *backendLogger) Info(msg string, fields ...interface{}) {
	l.next.Info(msg, l.fields(fields)...)
}

func (l *backendLogger) Warn(msg string, fields ...interface{}) {
	l.next.Warn(msg, l.fields(fields)...)
}

func (l *backendLogger) Error(msg string, fields ...interface{}) {
	l.next.Error(msg, l.fields(fields)...)
}
