package logger

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/angelmondragon/pulse-engine/pkg/env"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	maxStackFrames = 32
)

// Options configures the structured logger. Level is a level name parsed
// with ParseLevel, so an empty or unknown name logs at info. An empty Format
// falls back to PULSE_LOG_FORMAT, then LOG_FORMAT, then json.
type Options struct {
	ServiceName string
	Level       string
	WarnStack   bool
	Output      io.Writer
	Format      string
	// Fields are attached to every line, e.g. the instance id.
	Fields map[string]any
}

// Logger writes JSON lines enriched with fields carried on the context.
type Logger struct {
	base      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" {
		format = env.First(FormatJSON, "PULSE_LOG_FORMAT", "LOG_FORMAT")
	}
	if strings.EqualFold(format, FormatConsole) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	builder := zerolog.New(out).With().Timestamp().Str("service", opts.ServiceName)
	if len(opts.Fields) > 0 {
		builder = builder.Fields(opts.Fields)
	}
	return &Logger{
		base:      builder.Logger().Level(ParseLevel(opts.Level)),
		warnStack: opts.WarnStack,
	}
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) from(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if child, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return child
		}
	}
	return l.base
}

func (l *Logger) with(ctx context.Context, build func(zerolog.Context) zerolog.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	child := build(l.from(ctx).With()).Logger()
	return context.WithValue(ctx, ctxKey{}, child)
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("request_id", requestID) })
}

// WithRunID tags log lines with the computation run identifier.
func (l *Logger) WithRunID(ctx context.Context, runID string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithAggregate tags log lines with the aggregate type and key being computed.
func (l *Logger) WithAggregate(ctx context.Context, aggregateType, key string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("aggregate_type", aggregateType).Str("aggregate_key", key)
	})
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	child := l.from(ctx)
	child.Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	child := l.from(ctx)
	child.Info().Msg(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string) {
	child := l.from(ctx)
	event := child.Warn()
	if l.warnStack && event.Enabled() {
		event = event.Strs("stack", callers(3))
	}
	event.Msg(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, err error) {
	child := l.from(ctx)
	event := child.Error()
	if !event.Enabled() {
		return
	}
	event.Err(err).Strs("stack", callers(3)).Msg(msg)
}

// StdLogger adapts the logger for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Lines are written at error level tagged with source.
func (l *Logger) StdLogger(source string) *stdlog.Logger {
	return stdlog.New(errorWriter{l.base.With().Str("source", source).Logger()}, "", 0)
}

type errorWriter struct {
	log zerolog.Logger
}

func (w errorWriter) Write(p []byte) (int, error) {
	w.log.Error().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// callers renders the call stack as "function file:line", skipping the
// logger's own frames.
func callers(skip int) []string {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return out
}
