package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
}

// New creates a new logger instance. Development gets a console writer at
// debug level, everything else JSON at info level.
func New(serviceName string, environment string) *Logger {
	if environment == "development" {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return newLogger(console, serviceName, zerolog.DebugLevel)
	}
	return newLogger(os.Stdout, serviceName, zerolog.InfoLevel)
}

// NewWithWriter creates a JSON logger at debug level writing to w.
func NewWithWriter(w io.Writer, serviceName string) *Logger {
	return newLogger(w, serviceName, zerolog.DebugLevel)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func newLogger(w io.Writer, serviceName string, level zerolog.Level) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return &Logger{
		Logger: zerolog.New(w).Level(level).With().Timestamp().Str("service", serviceName).Logger(),
	}
}

// WithRequest tags entries with the HTTP request id and the acting user.
// Empty values are left out.
func (l *Logger) WithRequest(requestID, actorID string) *Logger {
	ctx := l.Logger.With()
	if requestID != "" {
		ctx = ctx.Str("request_id", requestID)
	}
	if actorID != "" {
		ctx = ctx.Str("actor_id", actorID)
	}
	return &Logger{Logger: ctx.Logger()}
}

// WithEvent tags entries with a consumed event's identity.
func (l *Logger) WithEvent(eventType, eventID, correlationID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().
			Str("event_type", eventType).
			Str("event_id", eventID).
			Str("correlation_id", correlationID).
			Logger(),
	}
}

// WithComponent returns a logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}
