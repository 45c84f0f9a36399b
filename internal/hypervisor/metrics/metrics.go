package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	FaultMetric    metric.Int64Histogram
	PrefaultMetric metric.Int64Histogram
	GuestPtrMetric metric.Int64Histogram

	CommittedPages metric.Int64UpDownCounter
	PinnedPages    metric.Int64UpDownCounter
	ReclaimedPages metric.Int64Counter
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.hypervisor.memory.metrics")

	faults, err := meter.Int64Histogram("guestmem.faults",
		metric.WithDescription("Guest page faults resolved"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get faults metric: %w", err)
	}

	prefaults, err := meter.Int64Histogram("guestmem.prefaults",
		metric.WithDescription("Guest ranges prefaulted"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get prefaults metric: %w", err)
	}

	ptrs, err := meter.Int64Histogram("guestmem.guest_ptrs",
		metric.WithDescription("Guest pointers created"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get guest pointers metric: %w", err)
	}

	committed, err := meter.Int64UpDownCounter("guestmem.pages.committed",
		metric.WithDescription("Guest memory object pages backed by host memory"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get committed pages metric: %w", err)
	}

	pinned, err := meter.Int64UpDownCounter("guestmem.pages.pinned",
		metric.WithDescription("Pages currently pinned"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get pinned pages metric: %w", err)
	}

	reclaimed, err := meter.Int64Counter("guestmem.pages.reclaimed",
		metric.WithDescription("Pages handed back to the host"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get reclaimed pages metric: %w", err)
	}

	return Metrics{
		FaultMetric:    faults,
		PrefaultMetric: prefaults,
		GuestPtrMetric: ptrs,
		CommittedPages: committed,
		PinnedPages:    pinned,
		ReclaimedPages: reclaimed,
	}, nil
}

// Noop returns metrics that record nothing.
func Noop() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails.
		panic(err)
	}

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
