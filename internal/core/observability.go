package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface used by the service and engine.
// Implementations receive alternating key/value pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one service operation for the audit trail.
type AuditEntry struct {
	Operation   string
	ChangesetID string
	Status      AuditStatus
	Error       string
	Duration    time.Duration
	Timestamp   time.Time
}

// AuditRecorder receives one entry per service operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// IssueMetricsRecorder is implemented by recorders that also count issue
// lifecycle transitions.
type IssueMetricsRecorder interface {
	ObserveIssues(opened, resolved int)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// LoggingAuditRecorder writes audit entries to a Logger.
type LoggingAuditRecorder struct {
	logger Logger
}

// NewLoggingAuditRecorder returns an AuditRecorder backed by logger.
func NewLoggingAuditRecorder(logger Logger) *LoggingAuditRecorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &LoggingAuditRecorder{logger: logger}
}

// Record implements AuditRecorder.
func (r *LoggingAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	kv := []any{
		"operation", entry.Operation,
		"changeset_id", entry.ChangesetID,
		"status", string(entry.Status),
		"duration_ms", entry.Duration.Milliseconds(),
	}
	if entry.Status == AuditStatusError {
		r.logger.Warn("audit", append(kv, "error", entry.Error)...)
		return
	}
	r.logger.Info("audit", kv...)
}

type serviceOptions struct {
	clock          Clock
	logger         Logger
	audit          AuditRecorder
	metrics        MetricsRecorder
	tracer         Tracer
	archive        *Archive
	storageTimeout time.Duration
	rules          *RulesEngine
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:          ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:         noopLogger{},
		audit:          noopAuditRecorder{},
		metrics:        noopMetricsRecorder{},
		tracer:         noopTracer{},
		storageTimeout: DefaultStorageTimeout,
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithClock overrides the service clock.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithArchive enables archiving of applied changesets.
func WithArchive(archive *Archive) ServiceOption {
	return func(o *serviceOptions) { o.archive = archive }
}

// WithStorageTimeout bounds each store transaction, including lock waits.
func WithStorageTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if d > 0 {
			o.storageTimeout = d
		}
	}
}

// WithRulesEngine replaces the default issue detector rules.
func WithRulesEngine(rules *RulesEngine) ServiceOption {
	return func(o *serviceOptions) {
		if rules != nil {
			o.rules = rules
		}
	}
}
