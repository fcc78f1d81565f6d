package centrifuge

import (
	"github.com/rs/zerolog"
)

// LogLevel describes the chosen log level.
type LogLevel int

const (
	// LogLevelNone means no logging.
	LogLevelNone LogLevel = iota
	// LogLevelTrace turns on trace messages. Most verbose level, includes
	// full decoded commands and replies.
	LogLevelTrace
	// LogLevelDebug turns on debug messages.
	LogLevelDebug
	// LogLevelInfo is logs useful server information.
	LogLevelInfo
	// LogLevelWarn is logs server warnings.
	LogLevelWarn
	// LogLevelError level logs only server errors.
	LogLevelError
)

// levelToString matches LogLevel to its string representation.
var levelToString = map[LogLevel]string{
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
	LogLevelNone:  "none",
}

// LogLevelToString transforms LogLevel to its string representation.
func LogLevelToString(l LogLevel) string {
	if t, ok := levelToString[l]; ok {
		return t
	}
	return ""
}

// LogEntry represents log entry.
type LogEntry struct {
	Level   LogLevel
	Message string
	Fields  map[string]any
}

// newLogEntry creates new LogEntry.
func newLogEntry(level LogLevel, message string, fields ...map[string]any) LogEntry {
	var f map[string]any
	if len(fields) > 0 {
		f = fields[0]
	}
	return LogEntry{
		Level:   level,
		Message: message,
		Fields:  f,
	}
}

// LogHandler handles log entries - i.e. writes into correct destination if necessary.
type LogHandler func(LogEntry)

func newLogger(level LogLevel, handler LogHandler) *logger {
	return &logger{
		level:   level,
		handler: handler,
	}
}

// logger can log entries they require level not less than configured Logger level.
type logger struct {
	level   LogLevel
	handler LogHandler
}

// log calls log handler with provided LogEntry.
func (l *logger) log(entry LogEntry) {
	if l == nil {
		return
	}
	if l.enabled(entry.Level) {
		l.handler(entry)
	}
}

// enabled says whether specified Level enabled or not.
func (l *logger) enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	return level >= l.level && l.level != LogLevelNone
}

// ZerologLogHandler returns a LogHandler writing entries into the given
// zerolog logger, mapping levels one to one.
func ZerologLogHandler(zl zerolog.Logger) LogHandler {
	return func(entry LogEntry) {
		var e *zerolog.Event
		switch entry.Level {
		case LogLevelTrace:
			e = zl.Trace()
		case LogLevelDebug:
			e = zl.Debug()
		case LogLevelInfo:
			e = zl.Info()
		case LogLevelWarn:
			e = zl.Warn()
		case LogLevelError:
			e = zl.Error()
		default:
			return
		}
		if entry.Fields != nil {
			e.Fields(entry.Fields).Msg(entry.Message)
		} else {
			e.Msg(entry.Message)
		}
	}
}
