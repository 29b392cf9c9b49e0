package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook stamps trace and span ids onto every log entry so log lines
// can be joined with traces.
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL trace correlation.
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a logger scoped to one component.
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger carrying ctx for trace propagation.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// WithDispatch returns a logger carrying the dispatch id, so every line
// emitted while processing one event can be correlated.
func (l *Logger) WithDispatch(ctx context.Context, dispatchID string) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Str("dispatch_id", dispatchID).Logger()
	return &logger
}

// LogStageTransition records one dispatch state machine transition.
func (l *Logger) LogStageTransition(ctx context.Context, dispatchID, from, to string) {
	l.WithDispatch(ctx, dispatchID).Debug().
		Str("from", from).
		Str("to", to).
		Msg("stage transition")
}

// LogDispatchFailed records a dispatch-terminal failure.
func (l *Logger) LogDispatchFailed(ctx context.Context, dispatchID, stage string, err error) {
	l.WithDispatch(ctx, dispatchID).Error().
		Err(err).
		Str("stage", stage).
		Msg("dispatch failed")
}
