package memory

import (
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/metrics"
	"github.com/e2b-dev/infra/packages/guestmem/internal/logger"
)

type options struct {
	logger      logger.Logger
	metrics     metrics.Metrics
	traceFaults bool
}

// Option configures a DirectPhysicalAddressSpace or a GuestPhysicalAddressSpace.
type Option func(*options)

// WithLogger sets the logger used for mapping and fault events.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets where fault and prefault metrics are reported.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFaultTrace starts the address space with fault tracing enabled.
func WithFaultTrace(enabled bool) Option {
	return func(o *options) {
		o.traceFaults = enabled
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:  logger.NewNopLogger(),
		metrics: metrics.Noop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
