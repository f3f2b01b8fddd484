// Package fees quotes the native-token cost of delivering a message:
// source-side bookkeeping, relay and verification overhead, and destination
// execution. Quotes are ephemeral and recomputed per request from a pricing
// source that tracks current relay rates.
package fees

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crossgate/crossgate-go/contracts"
)

// RelayParams are the caller-controlled knobs that affect delivery cost.
type RelayParams struct {
	// DestGasLimit is the execution budget requested for the destination
	// handler invocation.
	DestGasLimit uint64 `json:"destGasLimit"`
}

// Quote is the minimum fee for one delivery. It is a derived value, never
// persisted: for a fixed destination and params, NativeFee is monotonic
// non-decreasing in payload size.
type Quote struct {
	DestChain   contracts.ChainID `json:"destChain"`
	PayloadSize int               `json:"payloadSize"`
	Params      RelayParams       `json:"params"`
	NativeFee   int64             `json:"nativeFee"`
	ProtocolFee int64             `json:"protocolFee"`
}

// Total is the minimum budget a send must carry.
func (q Quote) Total() int64 {
	return q.NativeFee + q.ProtocolFee
}

// ChainPricing is the current rate card for one destination chain, as
// reported by the relay network.
type ChainPricing struct {
	// BaseFee covers relay transport and verification, independent of size.
	BaseFee int64 `json:"baseFee"`
	// PerByte is the marginal relay cost of one payload byte.
	PerByte int64 `json:"perByte"`
	// GasPrice is the destination execution price per gas unit.
	GasPrice int64 `json:"gasPrice"`
	// ProtocolFlat is the flat protocol fee per message.
	ProtocolFlat int64 `json:"protocolFlat"`
}

// PricingSource supplies current per-chain pricing. Prices are a
// time-varying external input; the estimator itself stays pure.
type PricingSource interface {
	Pricing(ctx context.Context, destChain contracts.ChainID) (ChainPricing, error)
}

// Estimator computes minimum fee quotes. It reports the floor, not a
// recommendation: callers are expected to add their own safety margin.
type Estimator struct {
	source PricingSource
	logger *slog.Logger
}

// EstimatorOption configures the Estimator.
type EstimatorOption func(*Estimator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EstimatorOption {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// NewEstimator creates an estimator backed by a pricing source.
func NewEstimator(source PricingSource, options ...EstimatorOption) (*Estimator, error) {
	if source == nil {
		return nil, fmt.Errorf("pricing source cannot be nil")
	}

	e := &Estimator{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Estimate quotes the minimum fee for a payload of the given size.
func (e *Estimator) Estimate(ctx context.Context, destChain contracts.ChainID, payloadSize int, params RelayParams) (Quote, error) {
	if payloadSize < 0 {
		return Quote{}, fmt.Errorf("payload size cannot be negative")
	}

	pricing, err := e.source.Pricing(ctx, destChain)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing for chain %d: %w", destChain, err)
	}

	native := pricing.BaseFee +
		pricing.PerByte*int64(payloadSize) +
		pricing.GasPrice*int64(params.DestGasLimit)

	quote := Quote{
		DestChain:   destChain,
		PayloadSize: payloadSize,
		Params:      params,
		NativeFee:   native,
		ProtocolFee: pricing.ProtocolFlat,
	}

	e.logger.Debug("fee quoted",
		"destChain", destChain,
		"payloadSize", payloadSize,
		"nativeFee", quote.NativeFee,
		"protocolFee", quote.ProtocolFee,
	)
	return quote, nil
}

// StaticPricing is an in-memory pricing source with administratively
// updatable rates, suitable for tests and fixed-rate deployments.
type StaticPricing struct {
	mu    sync.RWMutex
	rates map[contracts.ChainID]ChainPricing
}

// NewStaticPricing creates a pricing source seeded with the given rates.
func NewStaticPricing(rates map[contracts.ChainID]ChainPricing) *StaticPricing {
	copied := make(map[contracts.ChainID]ChainPricing, len(rates))
	for id, p := range rates {
		copied[id] = p
	}
	return &StaticPricing{rates: copied}
}

// Pricing implements PricingSource.
func (s *StaticPricing) Pricing(_ context.Context, destChain contracts.ChainID) (ChainPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.rates[destChain]
	if !ok {
		return ChainPricing{}, fmt.Errorf("no pricing configured for chain %d", destChain)
	}
	return p, nil
}

// Update replaces the rate card for one chain.
func (s *StaticPricing) Update(destChain contracts.ChainID, pricing ChainPricing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[destChain] = pricing
}
