package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/fees"
)

// DefaultMaxPayloadSize bounds outbound payloads unless overridden.
const DefaultMaxPayloadSize = 64 * 1024

// ChannelConfig is the slice of the endpoint registry the queue needs: it
// refuses to send on a channel with no configured remote.
type ChannelConfig interface {
	Channel(key contracts.ChannelKey) (contracts.Channel, error)
}

// FeeQuoter quotes the minimum fee for a send.
type FeeQuoter interface {
	Estimate(ctx context.Context, destChain contracts.ChainID, payloadSize int, params fees.RelayParams) (fees.Quote, error)
}

// Sink receives newly queued messages; the delivery tracker implements it.
type Sink interface {
	Enqueue(ctx context.Context, msg *contracts.Message) error
}

// Queue assigns nonces and durably records outbound messages. Nonce
// assignment, persistence, and fee escrow happen under one lock per queue,
// the in-process equivalent of the host ledger's atomic commit: two
// concurrent sends on the same channel can never observe the same nonce.
type Queue struct {
	mu         sync.Mutex
	nonces     map[contracts.ChannelKey]uint64
	store      MessageStore
	escrow     *EscrowLedger
	quoter     FeeQuoter
	channels   ChannelConfig
	sink       Sink
	maxPayload int
	logger     *slog.Logger
}

// QueueOption configures the Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMaxPayloadSize overrides the payload size limit.
func WithMaxPayloadSize(size int) QueueOption {
	return func(q *Queue) {
		q.maxPayload = size
	}
}

// NewQueue creates an outbound queue.
func NewQueue(store MessageStore, escrow *EscrowLedger, quoter FeeQuoter, channels ChannelConfig, sink Sink, options ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if escrow == nil {
		return nil, fmt.Errorf("escrow ledger cannot be nil")
	}
	if quoter == nil {
		return nil, fmt.Errorf("fee quoter cannot be nil")
	}
	if channels == nil {
		return nil, fmt.Errorf("channel config cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	q := &Queue{
		nonces:     make(map[contracts.ChannelKey]uint64),
		store:      store,
		escrow:     escrow,
		quoter:     quoter,
		channels:   channels,
		sink:       sink,
		maxPayload: DefaultMaxPayloadSize,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(q)
	}
	return q, nil
}

// SendOptions configures one send.
type SendOptions struct {
	RelayParams fees.RelayParams
}

// SendOption configures send behavior.
type SendOption func(*SendOptions)

// WithRelayParams sets the relay parameters used for fee quoting and
// destination execution.
func WithRelayParams(params fees.RelayParams) SendOption {
	return func(o *SendOptions) {
		o.RelayParams = params
	}
}

// Send validates, escrows, assigns the next nonce, persists the message as
// Queued, and hands it to the tracker. It returns once the message is
// durably queued; delivery is observed later through the message status.
// On any failure no nonce is consumed and no record is created.
func (q *Queue) Send(ctx context.Context, channel contracts.ChannelKey, payload []byte, feeBudget int64, options ...SendOption) (*contracts.Message, error) {
	opts := SendOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	if err := channel.Validate(); err != nil {
		return nil, &contracts.ConfigurationError{Channel: channel, Err: err}
	}
	if len(payload) > q.maxPayload {
		return nil, fmt.Errorf("payload is %d bytes, limit %d: %w", len(payload), q.maxPayload, contracts.ErrPayloadTooLarge)
	}

	cfg, err := q.channels.Channel(channel)
	if err != nil {
		return nil, err
	}
	if !cfg.Trusted() {
		return nil, &contracts.ConfigurationError{Channel: channel, Err: contracts.ErrChannelUnconfigured}
	}

	quote, err := q.quoter.Estimate(ctx, channel.DestChain, len(payload), opts.RelayParams)
	if err != nil {
		return nil, fmt.Errorf("quote fee for channel %s: %w", channel, err)
	}
	if feeBudget < quote.Total() {
		return nil, &contracts.FundingError{Channel: channel, Required: quote.Total(), Offered: feeBudget}
	}

	q.mu.Lock()
	env := contracts.NewEnvelope(channel, payload)
	env.Nonce = q.nonces[channel]
	msg := contracts.NewMessage(env, feeBudget)

	// Escrow before persisting: a failed Save backs the hold out again, so
	// a failed send leaves neither a record nor held funds behind.
	if err := q.escrow.Hold(msg.ID, feeBudget); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("escrow fee for message %s: %w", msg.ID, err)
	}
	if err := q.store.Save(ctx, msg); err != nil {
		q.escrow.drop(msg.ID)
		q.mu.Unlock()
		return nil, fmt.Errorf("persist message on channel %s: %w", channel, err)
	}
	q.nonces[channel]++
	q.mu.Unlock()

	q.logger.Info("message queued",
		"channel", channel.String(),
		"nonce", msg.Nonce,
		"messageId", msg.ID,
		"payloadSize", len(payload),
		"feeBudget", feeBudget,
	)

	if err := q.sink.Enqueue(ctx, msg); err != nil {
		// The message is durably Queued; the tracker will pick it up on
		// its next sweep. Surfacing the error here would double-charge
		// the caller for a transient handoff fault.
		q.logger.Warn("tracker handoff failed, message remains queued",
			"channel", channel.String(),
			"nonce", msg.Nonce,
			"error", err,
		)
	}

	return msg, nil
}

// NextNonce returns the nonce the next send on the channel will receive.
func (q *Queue) NextNonce(channel contracts.ChannelKey) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nonces[channel]
}
