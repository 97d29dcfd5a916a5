package audit

import (
	"context"
	"time"

	"storykeep.org/internal/ids"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
)

// Action categories.
const (
	CategoryDistribution = "distribution"
	CategoryEmbed        = "embed"
	CategoryRevocation   = "revocation"
	CategoryConsent      = "consent"
	CategoryGDPR         = "gdpr"
	CategoryLifecycle    = "lifecycle"
)

// Sink receives every recorded entry after it has been persisted.
type Sink interface {
	Write(ctx context.Context, e ownership.AuditEntry) error
}

// Recorder is what services depend on to write audit entries.
type Recorder interface {
	Record(ctx context.Context, e ownership.AuditEntry)
}

// Logger appends audit entries to the store and forwards them to sinks. Failures are
// logged and never returned: an audit write must not block the operation it describes.
type Logger struct {
	store ownership.AuditStore
	sinks []Sink
	now   func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds a downstream sink.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger returns a Logger persisting to store.
func NewLogger(store ownership.AuditStore, opts ...Option) *Logger {
	l := &Logger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores e and fans it out. Missing id, timestamp, actor type and request id are filled in.
func (l *Logger) Record(ctx context.Context, e ownership.AuditEntry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.ActorType == "" {
		e.ActorType = "user"
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}

	if l.store != nil {
		if err := l.store.AppendAudit(ctx, e); err != nil {
			obs.AuditWriteFailures.Inc()
			obs.Error("audit write failed", err, map[string]any{
				"entity_type": e.EntityType,
				"entity_id":   e.EntityID,
				"action":      e.Action,
			})
		}
	}

	_ = LogEvent(ctx, e)

	for _, sink := range l.sinks {
		if err := sink.Write(ctx, e); err != nil {
			obs.Warn("audit sink failed", map[string]any{
				"entity_id": e.EntityID,
				"action":    e.Action,
				"error":     err.Error(),
			})
		}
	}
}
