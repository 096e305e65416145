package kfmt

// Logger emits kernel log lines tagged with the name of the module that
// produced them, e.g. "[pmm] zone DMA32: ...".
type Logger struct {
	w PrefixWriter
}

// NewLogger returns a Logger for the specified module. Loggers are meant to
// be created once, as package-level variables.
func NewLogger(module string) *Logger {
	prefix := make([]byte, 0, len(module)+3)
	prefix = append(prefix, '[')
	prefix = append(prefix, module...)
	prefix = append(prefix, ']', ' ')

	return &Logger{
		w: PrefixWriter{Sink: activeSink{}, Prefix: prefix},
	}
}

// Printf writes a formatted log message.
func (l *Logger) Printf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(&l.w, format, args...)
	printLock.Release()
}

// Warnf writes a formatted log message flagged as a warning.
func (l *Logger) Warnf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(&l.w, "warning: ")
	fprintf(&l.w, format, args...)
	printLock.Release()
}

// Errorf writes a formatted log message flagged as an error.
func (l *Logger) Errorf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(&l.w, "error: ")
	fprintf(&l.w, format, args...)
	printLock.Release()
}
