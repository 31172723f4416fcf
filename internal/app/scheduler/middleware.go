package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"switchboard/internal/infra/observability"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

// Tracing opens one span per task.
func Tracing(tp *observability.TracerProvider) Middleware {
	return func(next TaskFunc) TaskFunc {
		return func(ctx context.Context, task Task) (any, error) {
			attrs := []attribute.KeyValue{attribute.String(observability.AttrTaskKey, task.Key)}
			if task.RunID != "" {
				attrs = append(attrs, attribute.String(observability.AttrRunID, task.RunID))
			}
			ctx, span := tp.StartSpan(ctx, observability.SpanSchedulerTask, attrs...)
			defer span.End()
			span.SetAttributes(attribute.String("switchboard.task_name", task.Name))

			value, err := next(ctx, task)
			if err != nil {
				span.RecordError(err)
				span.SetAttributes(attribute.String(observability.AttrErrorKind, string(serrors.KindOf(err))))
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return value, err
		}
	}
}

// Logging writes one line per task start and finish, tagged with the run id.
func Logging(logger logging.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next TaskFunc) TaskFunc {
		return func(ctx context.Context, task Task) (any, error) {
			log := logging.WithLogID(logger, task.RunID)
			started := time.Now()
			log.Debug("Task %s started (key=%s)", task.Name, task.Key)
			value, err := next(ctx, task)
			if err != nil {
				log.Warn("Task %s failed after %s: %v", task.Name, time.Since(started), err)
			} else {
				log.Info("Task %s finished in %s", task.Name, time.Since(started))
			}
			return value, err
		}
	}
}
