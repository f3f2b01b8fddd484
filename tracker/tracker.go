// Package tracker drives each outbound message through its delivery life:
// Queued -> InFlight -> Delivered or Failed. A faulty message never wedges
// the tracker itself; it parks as Failed and waits for administrative
// retry or skip.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/internal/reliability"
	"github.com/crossgate/crossgate-go/outbound"
	"github.com/crossgate/crossgate-go/relay"
)

// Submitter is the slice of the relay client the tracker drives.
type Submitter interface {
	Submit(ctx context.Context, env contracts.Envelope) (string, error)
}

// Metrics receives delivery lifecycle observations.
type Metrics interface {
	AttemptSubmitted()
	MessageDelivered(took time.Duration)
	MessageFailed(reason string)
}

type nopMetrics struct{}

func (nopMetrics) AttemptSubmitted()              {}
func (nopMetrics) MessageDelivered(time.Duration) {}
func (nopMetrics) MessageFailed(string)           {}

type attempt struct {
	channel   contracts.ChannelKey
	nonce     uint64
	messageID string
	startedAt time.Time
}

// earlyResultTTL bounds how long a result with no matching attempt is kept
// for reconciliation before it is treated as stale and discarded.
const earlyResultTTL = time.Minute

type earlyResult struct {
	res       relay.Result
	arrivedAt time.Time
}

// Tracker owns every message status transition after Send. All transitions
// are serialized behind one mutex, the in-process stand-in for the host
// ledger's commit ordering.
type Tracker struct {
	mu       sync.Mutex
	attempts map[string]attempt
	early    map[string]earlyResult

	store   outbound.MessageStore
	escrow  *outbound.EscrowLedger
	relay   Submitter
	owner   string
	policy  reliability.RetryPolicy
	breaker *reliability.CircuitBreaker
	metrics Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithRetryPolicy sets the relay submission retry policy.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(t *Tracker) {
		t.policy = policy
	}
}

// WithCircuitBreaker sets the breaker guarding relay submission.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(t *Tracker) {
		t.breaker = breaker
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(t *Tracker) {
		t.metrics = metrics
	}
}

// New creates a tracker. owner is the identity allowed to run the
// administrative recovery actions.
func New(store outbound.MessageStore, escrow *outbound.EscrowLedger, submitter Submitter, owner string, options ...Option) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if escrow == nil {
		return nil, fmt.Errorf("escrow ledger cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("relay submitter cannot be nil")
	}
	if owner == "" {
		return nil, fmt.Errorf("tracker owner cannot be empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		attempts: make(map[string]attempt),
		early:    make(map[string]earlyResult),
		store:    store,
		escrow:   escrow,
		relay:    submitter,
		owner:    owner,
		policy:   reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3),
		breaker:  reliability.NewCircuitBreaker("relay"),
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Enqueue implements outbound.Sink. It moves the message InFlight and
// submits it to the relay on a background goroutine; the caller returns as
// soon as the transition is durable.
func (t *Tracker) Enqueue(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	t.mu.Lock()
	current, err := t.store.Get(ctx, msg.Channel, msg.Nonce)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := current.Transition(contracts.StatusInFlight); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Update(ctx, current); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("persist in-flight transition for message %s: %w", current.ID, err)
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.submit(*current)
	}()
	return nil
}

// submit drives one relay submission with retry and circuit breaking.
// Exhaustion or a permanent fault parks the message as Failed.
func (t *Tracker) submit(msg contracts.Message) {
	var attemptID string
	err := reliability.Retry(t.ctx, t.policy, func() error {
		return t.breaker.Execute(t.ctx, func() error {
			id, submitErr := t.relay.Submit(t.ctx, msg.Envelope)
			if submitErr != nil {
				return submitErr
			}
			attemptID = id
			return nil
		})
	})
	if err != nil {
		t.logger.Error("relay submission failed",
			"channel", msg.Channel.String(),
			"nonce", msg.Nonce,
			"messageId", msg.ID,
			"error", err,
		)
		t.markFailed(msg.Channel, msg.Nonce, fmt.Sprintf("submit: %v", err), "transport")
		return
	}

	att := attempt{
		channel:   msg.Channel,
		nonce:     msg.Nonce,
		messageID: msg.ID,
		startedAt: time.Now(),
	}

	// The relay may report the outcome before Submit has returned. Such a
	// result is stashed by HandleResult; reconcile it here instead of
	// registering an attempt that already finished.
	t.mu.Lock()
	pending, raced := t.early[attemptID]
	if raced {
		delete(t.early, attemptID)
	} else {
		t.attempts[attemptID] = att
	}
	t.mu.Unlock()

	t.metrics.AttemptSubmitted()
	t.logger.Info("message submitted to relay",
		"channel", msg.Channel.String(),
		"nonce", msg.Nonce,
		"messageId", msg.ID,
		"attemptId", attemptID,
	)

	if raced {
		if err := t.complete(t.ctx, att, pending.res); err != nil {
			t.logger.Error("reconciling early delivery result failed",
				"attemptId", attemptID,
				"error", err,
			)
		}
	}
}

// HandleResult implements relay.ResultHandler. A result whose attempt is
// not registered yet raced with Submit returning; it is stashed and
// reconciled once submit finishes registration, so a fast relay can never
// strand a message InFlight. Results that stay unclaimed past the TTL are
// stale (for example for a long-skipped message) and are discarded.
func (t *Tracker) HandleResult(ctx context.Context, res relay.Result) error {
	t.mu.Lock()
	att, known := t.attempts[res.AttemptID]
	if known {
		delete(t.attempts, res.AttemptID)
	} else {
		t.early[res.AttemptID] = earlyResult{res: res, arrivedAt: time.Now()}
		t.pruneEarlyLocked()
	}
	t.mu.Unlock()

	if !known {
		t.logger.Debug("result arrived before attempt registration", "attemptId", res.AttemptID)
		return nil
	}

	return t.complete(ctx, att, res)
}

func (t *Tracker) pruneEarlyLocked() {
	cutoff := time.Now().Add(-earlyResultTTL)
	for id, e := range t.early {
		if e.arrivedAt.Before(cutoff) {
			delete(t.early, id)
			t.logger.Warn("discarding stale delivery result", "attemptId", id)
		}
	}
}

// complete applies a delivery result to its attempt.
func (t *Tracker) complete(ctx context.Context, att attempt, res relay.Result) error {
	if res.Success {
		if err := t.transition(ctx, att.channel, att.nonce, contracts.StatusDelivered, ""); err != nil {
			return err
		}
		if _, err := t.escrow.Release(att.messageID); err != nil {
			t.logger.Error("escrow release failed after delivery",
				"messageId", att.messageID,
				"error", err,
			)
		}
		t.metrics.MessageDelivered(time.Since(att.startedAt))
		t.logger.Info("message delivered",
			"channel", att.channel.String(),
			"nonce", att.nonce,
			"messageId", att.messageID,
		)
		return nil
	}

	t.markFailed(att.channel, att.nonce, res.Reason, "relay")
	return nil
}

func (t *Tracker) markFailed(channel contracts.ChannelKey, nonce uint64, reason, kind string) {
	if err := t.transition(context.Background(), channel, nonce, contracts.StatusFailed, reason); err != nil {
		t.logger.Error("failed to park message as failed",
			"channel", channel.String(),
			"nonce", nonce,
			"error", err,
		)
		return
	}
	t.metrics.MessageFailed(kind)
}

// transition is the single serialized load-modify-store path for status.
func (t *Tracker) transition(ctx context.Context, channel contracts.ChannelKey, nonce uint64, next contracts.Status, lastError string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, err := t.store.Get(ctx, channel, nonce)
	if err != nil {
		return err
	}
	if err := msg.Transition(next); err != nil {
		return err
	}
	if lastError != "" {
		msg.LastError = lastError
	}
	return t.store.Update(ctx, msg)
}

// RetryFailed resubmits a Failed message under its original nonce.
// Administrative: restricted to the tracker owner and logged.
func (t *Tracker) RetryFailed(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if actor != t.owner {
		return fmt.Errorf("actor %q cannot retry on channel %s: %w", actor, channel, contracts.ErrUnauthorized)
	}

	t.mu.Lock()
	msg, err := t.store.Get(ctx, channel, nonce)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := msg.Transition(contracts.StatusInFlight); err != nil {
		t.mu.Unlock()
		return err
	}
	msg.Attempts++
	if err := t.store.Update(ctx, msg); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.logger.Info("administrative retry",
		"actor", actor,
		"channel", channel.String(),
		"nonce", nonce,
		"messageId", msg.ID,
	)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.submit(*msg)
	}()
	return nil
}

// ForceSkip abandons a Failed message and refunds its escrowed fee.
// Administrative: restricted to the tracker owner and logged.
func (t *Tracker) ForceSkip(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if actor != t.owner {
		return fmt.Errorf("actor %q cannot skip on channel %s: %w", actor, channel, contracts.ErrUnauthorized)
	}

	t.mu.Lock()
	msg, err := t.store.Get(ctx, channel, nonce)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := msg.Transition(contracts.StatusSkipped); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Update(ctx, msg); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if _, err := t.escrow.Refund(actor, msg.ID); err != nil {
		t.logger.Error("refund failed for skipped message", "messageId", msg.ID, "error", err)
	}
	t.logger.Info("administrative skip",
		"actor", actor,
		"channel", channel.String(),
		"nonce", nonce,
		"messageId", msg.ID,
	)
	return nil
}

// Withdraw cancels a message that has not left Queued and refunds its fee.
// Once InFlight, withdrawal is impossible.
func (t *Tracker) Withdraw(ctx context.Context, actor string, channel contracts.ChannelKey, nonce uint64) error {
	if actor == "" {
		return fmt.Errorf("withdraw on channel %s: %w", channel, contracts.ErrUnauthorized)
	}

	t.mu.Lock()
	msg, err := t.store.Get(ctx, channel, nonce)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := msg.Transition(contracts.StatusWithdrawn); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Update(ctx, msg); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if _, err := t.escrow.Refund(actor, msg.ID); err != nil {
		t.logger.Error("refund failed for withdrawn message", "messageId", msg.ID, "error", err)
	}
	t.logger.Info("message withdrawn",
		"actor", actor,
		"channel", channel.String(),
		"nonce", nonce,
		"messageId", msg.ID,
	)
	return nil
}

// SweepQueued re-enqueues messages that are durably Queued but were never
// handed off, e.g. after a tracker restart.
func (t *Tracker) SweepQueued(ctx context.Context, channel contracts.ChannelKey) error {
	queued, err := t.store.List(ctx, channel, contracts.StatusQueued)
	if err != nil {
		return err
	}
	for _, msg := range queued {
		if err := t.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("sweep channel %s nonce %d: %w", channel, msg.Nonce, err)
		}
	}
	return nil
}

// Status returns the current record for a message.
func (t *Tracker) Status(ctx context.Context, channel contracts.ChannelKey, nonce uint64) (*contracts.Message, error) {
	return t.store.Get(ctx, channel, nonce)
}

// Close stops background submissions and waits for them to settle.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}
