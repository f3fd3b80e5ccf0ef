package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI escape sequences used to color the level column.
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[91m"
	colorYellow  = "\033[93m"
	colorGreen   = "\033[92m"
	colorMagenta = "\033[95m"
)

// ConsoleLogger is a simple, leveled logging engine that writes one line per message to an
// io.Writer, standard output by default.
type ConsoleLogger struct {
	level Level
	out   io.Writer
	color bool
	mutex sync.Mutex
}

// NewConsoleLogger creates a logger limited to the specified level that writes to standard
// output. Only log messages that are less verbose than the specified level are logged. Level
// indicators are colored when color is true.
func NewConsoleLogger(level Level, color bool) Logger {
	return NewWriterLogger(os.Stdout, level, color)
}

// NewWriterLogger creates a leveled logger that writes to an arbitrary destination.
func NewWriterLogger(out io.Writer, level Level, color bool) Logger {
	return &ConsoleLogger{
		level: level,
		out:   out,
		color: color,
	}
}

// Debug logs a debug message, if permitted by the current level.
func (l *ConsoleLogger) Debug(format string, v ...interface{}) {
	l.log(Debug, format, v...)
}

// Info logs an informational message, if permitted by the current level.
func (l *ConsoleLogger) Info(format string, v ...interface{}) {
	l.log(Info, format, v...)
}

// Warn logs a warning message, if permitted by the current level.
func (l *ConsoleLogger) Warn(format string, v ...interface{}) {
	l.log(Warn, format, v...)
}

// Error logs an error message, if permitted by the current level.
func (l *ConsoleLogger) Error(format string, v ...interface{}) {
	l.log(Error, format, v...)
}

// Level reads the current logging level.
func (l *ConsoleLogger) Level() Level {
	return l.level
}

// log writes a message with a timestamp and level indicator, if permitted by the current level.
// Handlers log from many goroutines at once, so writes are serialized to keep lines whole.
func (l *ConsoleLogger) log(level Level, format string, v ...interface{}) {
	if !l.level.Enables(level) {
		return
	}

	indicator := level.String()
	if l.color {
		indicator = levelColor(level) + indicator + colorReset
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	fmt.Fprintf(
		l.out,
		"%s %s\t%s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		indicator,
		fmt.Sprintf(format, v...),
	)
}

func levelColor(level Level) string {
	switch level {
	case Debug:
		return colorMagenta
	case Info:
		return colorGreen
	case Warn:
		return colorYellow
	default:
		return colorRed
	}
}
