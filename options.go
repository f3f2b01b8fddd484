package crossgate

import (
	"log/slog"

	"github.com/crossgate/crossgate-go/fees"
	"github.com/crossgate/crossgate-go/inbound"
	"github.com/crossgate/crossgate-go/internal/reliability"
	"github.com/crossgate/crossgate-go/outbound"
	"github.com/crossgate/crossgate-go/tracker"
)

type clientConfig struct {
	logger         *slog.Logger
	pricing        fees.PricingSource
	store          outbound.MessageStore
	retryPolicy    reliability.RetryPolicy
	trackerMetrics tracker.Metrics
	inboundMetrics inbound.Metrics
	maxPayloadSize int
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithPricingSource replaces the default static pricing source.
func WithPricingSource(source fees.PricingSource) ClientOption {
	return func(cfg *clientConfig) {
		if source != nil {
			cfg.pricing = source
		}
	}
}

// WithMessageStore replaces the default in-memory outbound store, for
// example with the Redis-backed one.
func WithMessageStore(store outbound.MessageStore) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithRetryPolicy overrides the tracker's default exponential backoff.
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithMetrics wires a collector into both the tracker and the inbound
// dispatcher. A monitor.Collector satisfies both interfaces.
func WithMetrics(m interface {
	tracker.Metrics
	inbound.Metrics
}) ClientOption {
	return func(cfg *clientConfig) {
		cfg.trackerMetrics = m
		cfg.inboundMetrics = m
	}
}

// WithMaxPayloadSize overrides the outbound payload size limit.
func WithMaxPayloadSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		if size > 0 {
			cfg.maxPayloadSize = size
		}
	}
}
