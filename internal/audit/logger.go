// Package audit records captcha lifecycle events: one structured log line per event, then a
// best-effort fan-out to the configured emitters (Kafka, OTel logs).
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"capgate/internal/audit/domain"
	"capgate/internal/telemetry"
)

// DefaultSource is the event source when none is configured.
const DefaultSource = "capgate"

// Recorder records one audit event. Record never fails; sink errors are logged.
type Recorder interface {
	Record(ctx context.Context, ev domain.Event)
}

// Logger implements Recorder.
type Logger struct {
	logger   *slog.Logger
	source   string
	emitters []telemetry.EventEmitter
	emit     func(telemetry.EventEmitter, context.Context, *domain.Event)
}

var _ Recorder = (*Logger)(nil)

// NewLogger returns a Recorder writing to logger and to every non-nil emitter.
// logger may be nil; slog.Default() is used then.
func NewLogger(logger *slog.Logger, source string, emitters ...telemetry.EventEmitter) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if source == "" {
		source = DefaultSource
	}
	var live []telemetry.EventEmitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	return &Logger{
		logger:   logger.With("component", "audit"),
		source:   source,
		emitters: live,
		emit:     telemetry.EmitAsync,
	}
}

// Record fills in ID, Source and CreatedAt when unset, logs the event and hands it to each emitter.
func (l *Logger) Record(ctx context.Context, ev domain.Event) {
	if l == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = l.source
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	attrs := []any{"action", ev.Action, "outcome", ev.Outcome}
	if ev.TokenPrefix != "" {
		attrs = append(attrs, "token_prefix", ev.TokenPrefix)
	}
	if ev.Count != 0 {
		attrs = append(attrs, "count", ev.Count)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	for _, e := range l.emitters {
		evCopy := ev
		l.emit(e, ctx, &evCopy)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, domain.Event) {}
