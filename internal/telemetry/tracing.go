package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func ReportEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name,
		trace.WithAttributes(attrs...),
	)
}

// ReportCriticalError logs err and marks the current span as failed.
func ReportCriticalError(ctx context.Context, l logger.Logger, message string, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)

	l.Error(ctx, message, append(attributesToZapFields(attrs...), zap.Error(err))...)

	errorAttrs := append(attrs, attribute.String("error.message", message))

	span.RecordError(fmt.Errorf("%s: %w", message, err),
		trace.WithStackTrace(true),
		trace.WithAttributes(
			errorAttrs...,
		),
	)

	span.SetStatus(codes.Error, message)
}

// ReportError logs err as a warning and records it on the current span.
func ReportError(ctx context.Context, l logger.Logger, message string, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)

	l.Warn(ctx, message, append(attributesToZapFields(attrs...), zap.Error(err))...)

	span.RecordError(fmt.Errorf("%s: %w", message, err),
		trace.WithAttributes(
			attrs...,
		),
	)
}

func attributesToZapFields(attrs ...attribute.KeyValue) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs)+1)
	for _, attr := range attrs {
		key := string(attr.Key)
		switch attr.Value.Type() {
		case attribute.STRING:
			fields = append(fields, zap.String(key, attr.Value.AsString()))
		case attribute.INT64:
			fields = append(fields, zap.Int64(key, attr.Value.AsInt64()))
		case attribute.FLOAT64:
			fields = append(fields, zap.Float64(key, attr.Value.AsFloat64()))
		case attribute.BOOL:
			fields = append(fields, zap.Bool(key, attr.Value.AsBool()))
		default:
			fields = append(fields, zap.Any(key, attr.Value.AsInterface()))
		}
	}

	return fields
}
