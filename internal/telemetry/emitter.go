// Package telemetry fans audit events out to external sinks (Kafka, OTel logs).
package telemetry

import (
	"context"

	"capgate/internal/audit/domain"
)

// EventEmitter emits audit events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}
