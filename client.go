// Package crossgate wires the delivery components of one chain's core
// into a single client: payload codec, endpoint registry, fee estimator,
// outbound queue, attempt tracker, and inbound dispatcher.
package crossgate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crossgate/crossgate-go/codec"
	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/fees"
	"github.com/crossgate/crossgate-go/inbound"
	"github.com/crossgate/crossgate-go/outbound"
	"github.com/crossgate/crossgate-go/registry"
	"github.com/crossgate/crossgate-go/relay"
	"github.com/crossgate/crossgate-go/tracker"
)

// Client is one chain's messaging core. A process hosts one Client per
// local chain; sends go out through the relay client, receives come in
// through Receiver.
type Client struct {
	chainID    contracts.ChainID
	owner      string
	codec      *codec.Codec
	registry   *registry.EndpointRegistry
	estimator  *fees.Estimator
	pricing    fees.PricingSource
	escrow     *outbound.EscrowLedger
	store      outbound.MessageStore
	queue      *outbound.Queue
	tracker    *tracker.Tracker
	dispatcher *inbound.Dispatcher
	relay      relay.Client
	logger     *slog.Logger
}

// NewClient creates a core for chainID, administered by owner, sending
// through rc. Delivery results are consumed from rc until Close.
func NewClient(chainID contracts.ChainID, owner string, rc relay.Client, options ...ClientOption) (*Client, error) {
	if chainID == 0 {
		return nil, fmt.Errorf("chain id must be non-zero")
	}
	if owner == "" {
		return nil, fmt.Errorf("owner must not be empty")
	}
	if rc == nil {
		return nil, fmt.Errorf("relay client must not be nil")
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		pricing:        fees.NewStaticPricing(nil),
		maxPayloadSize: outbound.DefaultMaxPayloadSize,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = outbound.NewMemoryStore()
	}

	reg, err := registry.New(owner, registry.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	estimator, err := fees.NewEstimator(cfg.pricing, fees.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("create estimator: %w", err)
	}

	escrow := outbound.NewEscrowLedger(cfg.logger)

	trackerOpts := []tracker.Option{tracker.WithLogger(cfg.logger)}
	if cfg.retryPolicy != nil {
		trackerOpts = append(trackerOpts, tracker.WithRetryPolicy(cfg.retryPolicy))
	}
	if cfg.trackerMetrics != nil {
		trackerOpts = append(trackerOpts, tracker.WithMetrics(cfg.trackerMetrics))
	}
	trk, err := tracker.New(cfg.store, escrow, rc, owner, trackerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}

	queue, err := outbound.NewQueue(cfg.store, escrow, estimator, reg, trk,
		outbound.WithQueueLogger(cfg.logger),
		outbound.WithMaxPayloadSize(cfg.maxPayloadSize),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	payloadCodec := codec.New()
	dispatcherOpts := []inbound.Option{inbound.WithLogger(cfg.logger)}
	if cfg.inboundMetrics != nil {
		dispatcherOpts = append(dispatcherOpts, inbound.WithMetrics(cfg.inboundMetrics))
	}
	dispatcher, err := inbound.New(reg, payloadCodec, owner, dispatcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	if err := rc.Results(context.Background(), trk.HandleResult); err != nil {
		return nil, fmt.Errorf("subscribe to relay results: %w", err)
	}

	return &Client{
		chainID:    chainID,
		owner:      owner,
		codec:      payloadCodec,
		registry:   reg,
		estimator:  estimator,
		pricing:    cfg.pricing,
		escrow:     escrow,
		store:      cfg.store,
		queue:      queue,
		tracker:    trk,
		dispatcher: dispatcher,
		relay:      rc,
		logger:     cfg.logger,
	}, nil
}

// ChainID returns the local chain this core serves.
func (c *Client) ChainID() contracts.ChainID { return c.chainID }

// RegisterPayload makes a payload type encodable and decodable on this
// core. Both sides of a channel must register the same types.
func (c *Client) RegisterPayload(p codec.Payload) error {
	return c.codec.Register(p)
}

// RegisterReceiver binds a local application address to its inbound
// handler.
func (c *Client) RegisterReceiver(localApp string, r inbound.Receiver) error {
	return c.dispatcher.RegisterReceiver(localApp, r)
}

// SetTrusted binds the trusted remote address for a channel. Only the
// owner may call it; the binding is last-write-wins.
func (c *Client) SetTrusted(actor string, key contracts.ChannelKey, remoteAddr string) error {
	return c.registry.SetTrusted(actor, key, remoteAddr)
}

// SetPricing installs relay pricing for a destination chain when the
// configured source is static.
func (c *Client) SetPricing(destChain contracts.ChainID, pricing fees.ChainPricing) error {
	static, ok := c.pricing.(*fees.StaticPricing)
	if !ok {
		return fmt.Errorf("pricing source is not static")
	}
	static.Update(destChain, pricing)
	return nil
}

// EstimateFee quotes the minimum fee to send payload to destApp on
// destChain from localApp.
func (c *Client) EstimateFee(ctx context.Context, destChain contracts.ChainID, payload codec.Payload, params fees.RelayParams) (fees.Quote, error) {
	encoded, err := c.codec.Encode(payload)
	if err != nil {
		return fees.Quote{}, fmt.Errorf("encode payload: %w", err)
	}
	return c.estimator.Estimate(ctx, destChain, len(encoded), params)
}

// Send queues payload for delivery from localApp to destApp on destChain,
// escrowing feeBudget. It returns the recorded message with its assigned
// nonce; delivery proceeds asynchronously.
func (c *Client) Send(ctx context.Context, destChain contracts.ChainID, localApp, destApp string, payload codec.Payload, feeBudget int64, options ...outbound.SendOption) (*contracts.Message, error) {
	encoded, err := c.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	key := contracts.ChannelKey{
		SourceChain: c.chainID,
		SourceApp:   localApp,
		DestChain:   destChain,
		DestApp:     destApp,
	}
	return c.queue.Send(ctx, key, encoded, feeBudget, options...)
}

// Receiver exposes the inbound side of this core for relay registration.
func (c *Client) Receiver() relay.Receiver {
	return c.dispatcher
}

// Status reports the recorded state of an outbound message.
func (c *Client) Status(ctx context.Context, channel contracts.ChannelKey, nonce uint64) (*contracts.Message, error) {
	return c.tracker.Status(ctx, channel, nonce)
}

// FailedInbound lists inbound messages parked after a handler fault on
// the given channel, ordered by nonce.
func (c *Client) FailedInbound(channel contracts.ChannelKey) []inbound.FailedMessage {
	return c.dispatcher.Failed(channel)
}

// RetryFailed re-drives a failed message. Channels whose source is this
// chain are retried on the outbound tracker; all others on the inbound
// dispatcher. Owner only.
func (c *Client) RetryFailed(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if channel.SourceChain == c.chainID {
		return c.tracker.RetryFailed(ctx, actor, channel, nonce)
	}
	return c.dispatcher.RetryFailed(ctx, actor, channel, nonce)
}

// ForceSkip abandons a failed message so later nonces are not blocked on
// operator attention. Outbound skips refund the escrowed fee. Owner only.
func (c *Client) ForceSkip(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if channel.SourceChain == c.chainID {
		return c.tracker.ForceSkip(ctx, actor, channel, nonce)
	}
	return c.dispatcher.ForceSkip(ctx, actor, channel, nonce)
}

// Withdraw cancels a still-queued outbound message and refunds its fee.
func (c *Client) Withdraw(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	return c.tracker.Withdraw(ctx, actor, channel, nonce)
}

// Channels lists every configured channel. The registry owns only the
// trust configuration; the nonce progress in each snapshot is filled in
// from the queue and dispatcher that own it.
func (c *Client) Channels() []contracts.Channel {
	channels := c.registry.Channels()
	for i := range channels {
		channels[i].NextOutboundNonce = c.queue.NextNonce(channels[i].Key)
		channels[i].NextExpectedInboundNonce = c.dispatcher.ExpectedNonce(channels[i].Key)
	}
	return channels
}

// Channel reports one channel's trust configuration and nonce progress.
func (c *Client) Channel(key contracts.ChannelKey) (contracts.Channel, error) {
	ch, err := c.registry.Channel(key)
	if err != nil {
		return contracts.Channel{}, err
	}
	ch.NextOutboundNonce = c.queue.NextNonce(key)
	ch.NextExpectedInboundNonce = c.dispatcher.ExpectedNonce(key)
	return ch, nil
}

// EscrowTotals reports cumulative released and refunded escrow amounts.
func (c *Client) EscrowTotals() (released, refunded int64) {
	return c.escrow.Totals()
}

// Close stops result handling and releases the relay client.
func (c *Client) Close() error {
	if err := c.tracker.Close(); err != nil {
		return fmt.Errorf("close tracker: %w", err)
	}
	return c.relay.Close()
}
