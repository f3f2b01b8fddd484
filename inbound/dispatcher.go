// Package inbound implements the receiving half of the delivery core: the
// dispatcher that checks trust and ordering on verified deliveries, decodes
// payloads, and invokes application receivers without letting their faults
// touch protocol state.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crossgate/crossgate-go/codec"
	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/relay"
)

// TrustChecker is the slice of the endpoint registry the dispatcher needs.
type TrustChecker interface {
	IsTrusted(key contracts.ChannelKey, candidate string) bool
}

// Receiver is the capability an application exposes to accept messages.
// It is composed with the dispatcher, not inherited from it: one dispatcher
// serves many receivers, keyed by local application ID.
type Receiver interface {
	Receive(ctx context.Context, from contracts.ChannelKey, payload codec.Payload) error
}

// ReceiverFunc adapts a function to the Receiver capability.
type ReceiverFunc func(ctx context.Context, from contracts.ChannelKey, payload codec.Payload) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, from contracts.ChannelKey, payload codec.Payload) error {
	return f(ctx, from, payload)
}

// Metrics receives inbound dispatch observations.
type Metrics interface {
	MessageAccepted()
	MessageRejected(reason string)
	HandlerFault()
}

type nopMetrics struct{}

func (nopMetrics) MessageAccepted()       {}
func (nopMetrics) MessageRejected(string) {}
func (nopMetrics) HandlerFault()          {}

// parkedMessage is an accepted message whose handler faulted. It waits for
// administrative retry or skip; the channel keeps flowing past it.
type parkedMessage struct {
	envelope contracts.Envelope
	sender   string
	reason   string
	parkedAt time.Time
}

// FailedMessage is the administrative view of a parked message.
type FailedMessage struct {
	Channel  contracts.ChannelKey
	Nonce    uint64
	ID       string
	Reason   string
	ParkedAt time.Time
}

// Dispatcher delivers verified inbound messages in strict nonce order.
// Nonce state is serialized behind one mutex; handler invocations run
// outside it.
type Dispatcher struct {
	mu        sync.Mutex
	trust     TrustChecker
	codec     *codec.Codec
	owner     string
	receivers map[string]Receiver
	expected  map[contracts.ChannelKey]uint64
	parked    map[contracts.ChannelKey]map[uint64]*parkedMessage
	logger    *slog.Logger
	metrics   Metrics
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// New creates a dispatcher. owner is the identity allowed to run the
// administrative recovery actions.
func New(trust TrustChecker, c *codec.Codec, owner string, options ...Option) (*Dispatcher, error) {
	if trust == nil {
		return nil, fmt.Errorf("trust checker cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}
	if owner == "" {
		return nil, fmt.Errorf("dispatcher owner cannot be empty")
	}

	d := &Dispatcher{
		trust:     trust,
		codec:     c,
		owner:     owner,
		receivers: make(map[string]Receiver),
		expected:  make(map[contracts.ChannelKey]uint64),
		parked:    make(map[contracts.ChannelKey]map[uint64]*parkedMessage),
		logger:    slog.Default(),
		metrics:   nopMetrics{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// RegisterReceiver binds a local application to its receiver capability.
func (d *Dispatcher) RegisterReceiver(localApp string, r Receiver) error {
	if localApp == "" {
		return fmt.Errorf("local application id cannot be empty")
	}
	if r == nil {
		return fmt.Errorf("receiver cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.receivers[localApp]; exists {
		return fmt.Errorf("receiver already registered for application %s", localApp)
	}
	d.receivers[localApp] = r
	return nil
}

// OnReceive implements relay.Receiver. Check order: endpoint, trust, nonce,
// decode, handler. A handler fault is absorbed: the message parks as failed,
// the expected nonce advances, and the returned Ack still confirms
// protocol-level receipt so the relay does not redeliver.
func (d *Dispatcher) OnReceive(ctx context.Context, del relay.Delivery) (contracts.Ack, error) {
	env, err := contracts.ParseEnvelope(del.Envelope)
	if err != nil {
		d.metrics.MessageRejected("envelope")
		return contracts.Ack{}, &codec.DecodeError{Reason: "malformed envelope", Err: err}
	}
	key := env.Channel

	d.mu.Lock()
	receiver, ok := d.receivers[key.DestApp]
	d.mu.Unlock()
	if !ok {
		d.metrics.MessageRejected("endpoint")
		return contracts.Ack{}, &contracts.ConfigurationError{Channel: key, Err: contracts.ErrChannelUnconfigured}
	}

	if !d.trust.IsTrusted(key, del.Sender) {
		d.metrics.MessageRejected("trust")
		d.logger.Warn("rejected delivery from untrusted sender",
			"channel", key.String(),
			"sender", del.Sender,
			"nonce", env.Nonce,
		)
		return contracts.Ack{}, fmt.Errorf("sender %q on channel %s: %w", del.Sender, key, contracts.ErrUntrustedSender)
	}

	d.mu.Lock()
	want := d.expected[key]
	if env.Nonce != want {
		d.mu.Unlock()
		d.metrics.MessageRejected("nonce")
		return contracts.Ack{}, fmt.Errorf("channel %s: got nonce %d, want %d: %w", key, env.Nonce, want, contracts.ErrNonceMismatch)
	}
	d.mu.Unlock()

	payload, err := d.codec.Decode(env.Payload)
	if err != nil {
		d.metrics.MessageRejected("decode")
		return contracts.Ack{}, fmt.Errorf("channel %s nonce %d: %w", key, env.Nonce, err)
	}

	// The message is accepted: ordering advances here, whatever the
	// handler does with it.
	d.mu.Lock()
	d.expected[key] = want + 1
	d.mu.Unlock()

	ack := contracts.Ack{
		MessageID:  env.ID,
		Channel:    key,
		Nonce:      env.Nonce,
		ReceivedAt: time.Now().UTC(),
	}

	if handlerErr := d.invoke(ctx, receiver, env, payload); handlerErr != nil {
		d.park(env, del.Sender, handlerErr)
		d.metrics.HandlerFault()
		ack.Handled = false
		ack.Error = handlerErr.Error()
		return ack, nil
	}

	d.metrics.MessageAccepted()
	d.logger.Debug("message dispatched",
		"channel", key.String(),
		"nonce", env.Nonce,
		"messageId", env.ID,
	)
	ack.Handled = true
	return ack, nil
}

// invoke runs the receiver, converting panics and errors into
// ApplicationError so faults inside application logic never abort protocol
// bookkeeping.
func (d *Dispatcher) invoke(ctx context.Context, r Receiver, env contracts.Envelope, payload codec.Payload) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &contracts.ApplicationError{
				Channel:   env.Channel,
				Nonce:     env.Nonce,
				MessageID: env.ID,
				Err:       fmt.Errorf("handler panic: %v", rec),
			}
		}
	}()

	if handlerErr := r.Receive(ctx, env.Channel, payload); handlerErr != nil {
		return &contracts.ApplicationError{
			Channel:   env.Channel,
			Nonce:     env.Nonce,
			MessageID: env.ID,
			Err:       handlerErr,
		}
	}
	return nil
}

func (d *Dispatcher) park(env contracts.Envelope, sender string, cause error) {
	d.mu.Lock()
	byNonce, ok := d.parked[env.Channel]
	if !ok {
		byNonce = make(map[uint64]*parkedMessage)
		d.parked[env.Channel] = byNonce
	}
	byNonce[env.Nonce] = &parkedMessage{
		envelope: env,
		sender:   sender,
		reason:   cause.Error(),
		parkedAt: time.Now().UTC(),
	}
	d.mu.Unlock()

	d.logger.Error("handler fault, message parked",
		"channel", env.Channel.String(),
		"nonce", env.Nonce,
		"messageId", env.ID,
		"error", cause,
	)
}

// RetryFailed re-invokes the handler for a parked message. Administrative:
// restricted to the dispatcher owner and logged.
func (d *Dispatcher) RetryFailed(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if actor != d.owner {
		return fmt.Errorf("actor %q cannot retry on channel %s: %w", actor, channel, contracts.ErrUnauthorized)
	}

	d.mu.Lock()
	parked, ok := d.parked[channel][nonce]
	receiver := d.receivers[channel.DestApp]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("retry channel %s nonce %d: %w", channel, nonce, contracts.ErrMessageNotFound)
	}
	if receiver == nil {
		return &contracts.ConfigurationError{Channel: channel, Err: contracts.ErrChannelUnconfigured}
	}

	payload, err := d.codec.Decode(parked.envelope.Payload)
	if err != nil {
		return fmt.Errorf("retry channel %s nonce %d: %w", channel, nonce, err)
	}

	d.logger.Info("administrative inbound retry",
		"actor", actor,
		"channel", channel.String(),
		"nonce", nonce,
		"messageId", parked.envelope.ID,
	)

	if handlerErr := d.invoke(ctx, receiver, parked.envelope, payload); handlerErr != nil {
		d.mu.Lock()
		parked.reason = handlerErr.Error()
		d.mu.Unlock()
		return handlerErr
	}

	d.mu.Lock()
	delete(d.parked[channel], nonce)
	d.mu.Unlock()
	d.metrics.MessageAccepted()
	return nil
}

// ForceSkip discards a parked message. Administrative: restricted to the
// dispatcher owner and logged.
func (d *Dispatcher) ForceSkip(_ context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if actor != d.owner {
		return fmt.Errorf("actor %q cannot skip on channel %s: %w", actor, channel, contracts.ErrUnauthorized)
	}

	d.mu.Lock()
	parked, ok := d.parked[channel][nonce]
	if ok {
		delete(d.parked[channel], nonce)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("skip channel %s nonce %d: %w", channel, nonce, contracts.ErrMessageNotFound)
	}

	d.logger.Info("administrative inbound skip",
		"actor", actor,
		"channel", channel.String(),
		"nonce", nonce,
		"messageId", parked.envelope.ID,
	)
	return nil
}

// Failed lists the parked messages on a channel in nonce order.
func (d *Dispatcher) Failed(channel contracts.ChannelKey) []FailedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []FailedMessage
	for nonce, p := range d.parked[channel] {
		out = append(out, FailedMessage{
			Channel:  channel,
			Nonce:    nonce,
			ID:       p.envelope.ID,
			Reason:   p.reason,
			ParkedAt: p.parkedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// ExpectedNonce returns the next inbound nonce the channel will accept.
func (d *Dispatcher) ExpectedNonce(channel contracts.ChannelKey) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expected[channel]
}
