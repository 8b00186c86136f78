package log

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

const serviceName = "meetopen"

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger builds the global logger writing JSON lines to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		zerolog.ErrorStackMarshaler = marshalStack
		logger = newLogger(os.Stderr, zerolog.InfoLevel)
	})
}

type stackTracer interface {
	error
	StackTrace() pkgerrors.StackTrace
}

// marshalStack renders the first stack found in err's chain, following
// Unwrap and joined errors. Errors without one get the stack of the log call.
func marshalStack(err error) interface{} {
	var st stackTracer
	if errors.As(err, &st) {
		return zpkgerrors.MarshalStack(st)
	}
	return zpkgerrors.MarshalStack(pkgerrors.WithStack(err))
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// SetLevel changes the minimum level. Unknown values fall back to INFO.
func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(toZerolog(l))
}

// ParseLevel maps config strings ("debug", "info", "error") to a Level.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelDebug):
		return LevelDebug
	case string(LevelError):
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput redirects log output, keeping the current level. Used by tests.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, logger.GetLevel())
}

// Logger exposes the underlying zerolog logger for components that take one.
func Logger() zerolog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, kv ...any) {
	l := Logger()
	withKVs(l.Debug(), kv).Msg(msg)
}

func Info(msg string, kv ...any) {
	l := Logger()
	withKVs(l.Info(), kv).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	l := Logger()
	ev := l.Error()
	if err != nil {
		ev = ev.Stack().Err(err)
	}
	withKVs(ev, kv).Msg(msg)
}

// withKVs appends key/value pairs; a trailing key without value is dropped.
func withKVs(ev *zerolog.Event, kv []any) *zerolog.Event {
	if ev == nil || len(kv) == 0 {
		return ev
	}
	if len(kv)%2 != 0 {
		kv = kv[:len(kv)-1]
	}
	return ev.Fields(kv)
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
