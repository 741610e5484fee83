// Package oneiriclog provides the structured logger used across every
// Oneiric component, wrapping logrus the way the rest of the codebase
// expects: JSON in production, text locally, context-carried fields.
package oneiriclog

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/oneiric-dev/oneiric/internal/security"
)

// redactionHook masks secrets in every log entry's message and string
// fields before it reaches a formatter, so a candidate's Settings or a
// remote manifest's fetch URL never lands in a log sink verbatim.
type redactionHook struct{}

func (redactionHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactionHook) Fire(entry *logrus.Entry) error {
	entry.Message = security.Redact(entry.Message)
	for k, v := range entry.Data {
		if s, ok := v.(string); ok {
			entry.Data[k] = security.Redact(s)
		}
	}
	return nil
}

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	domainKey  ctxKey = "domain"
	keyKey     ctxKey = "key"
)

// Logger wraps *logrus.Logger with a component name attached to every
// entry.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for component at the given level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func New(component, level, format string) *Logger {
	l := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.AddHook(redactionHook{})

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger reading ONEIRIC_LOG_LEVEL / ONEIRIC_LOG_FORMAT,
// defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := os.Getenv("ONEIRIC_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("ONEIRIC_LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext attaches trace/domain/key fields carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithField("component", l.component)
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(domainKey).(string); ok && v != "" {
		entry = entry.WithField("domain", v)
	}
	if v, ok := ctx.Value(keyKey).(string); ok && v != "" {
		entry = entry.WithField("key", v)
	}
	return entry
}

// WithCandidate returns an entry scoped to a (domain, key) pair, the
// shape most Oneiric log lines need.
func (l *Logger) WithCandidate(domain, key string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": l.component,
		"domain":    domain,
		"key":       key,
	})
}

// WithFields is a thin convenience wrapper that always stamps component.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithTraceID returns a context carrying trace for later retrieval by
// WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithCandidateContext stamps domain/key onto ctx for WithContext to pick
// up downstream without needing to thread both values through every
// call.
func WithCandidateContext(ctx context.Context, domain, key string) context.Context {
	ctx = context.WithValue(ctx, domainKey, domain)
	return context.WithValue(ctx, keyKey, key)
}
