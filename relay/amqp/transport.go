// Package amqp connects the delivery core to a relay network reachable
// over AMQP. Submissions are published with confirms to a per-destination
// routing key; delivery results come back on this instance's result queue.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/relay"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultSubmitExchange = "crossgate.submit"
	defaultResultQueue    = "crossgate.results"
	defaultConfirmTimeout = 5 * time.Second
)

// resultFrame is the wire shape of a delivery result coming back from the
// relay network.
type resultFrame struct {
	AttemptID string               `json:"attemptId"`
	Channel   contracts.ChannelKey `json:"channel"`
	Nonce     uint64               `json:"nonce"`
	Success   bool                 `json:"success"`
	Proof     []byte               `json:"proof,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// Transport implements relay.Client over AMQP.
type Transport struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	submitExchange string
	resultQueue    string
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithSubmitExchange overrides the exchange submissions are published to.
func WithSubmitExchange(exchange string) Option {
	return func(t *Transport) {
		t.submitExchange = exchange
	}
}

// WithResultQueue overrides the queue delivery results are consumed from.
func WithResultQueue(queue string) Option {
	return func(t *Transport) {
		t.resultQueue = queue
	}
}

// WithConfirmTimeout overrides how long Submit waits for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.confirmTimeout = timeout
	}
}

// Dial connects to the broker and declares the submit exchange and result
// queue.
func Dial(url string, options ...Option) (*Transport, error) {
	t := &Transport{
		submitExchange: defaultSubmitExchange,
		resultQueue:    defaultResultQueue,
		confirmTimeout: defaultConfirmTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to relay broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	if err := ch.ExchangeDeclare(t.submitExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare submit exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.resultQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare result queue: %w", err)
	}

	t.conn = conn
	t.pubCh = ch
	t.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return t, nil
}

// Submit implements relay.Client. The envelope is routed by destination
// chain; the publish is confirmed before the attempt ID is returned.
func (t *Transport) Submit(ctx context.Context, env contracts.Envelope) (string, error) {
	frame, err := env.Marshal()
	if err != nil {
		return "", &contracts.TransportError{Channel: env.Channel, Nonce: env.Nonce, Retryable: false, Err: err}
	}
	attemptID := uuid.New().String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", &contracts.TransportError{
			Channel: env.Channel, Nonce: env.Nonce, Retryable: false,
			Err: fmt.Errorf("transport closed"),
		}
	}

	// Publishes are serialized by t.mu, so the next confirmation on the
	// channel belongs to this publish.
	routingKey := fmt.Sprintf("chain.%d", env.Channel.DestChain)

	err = t.pubCh.PublishWithContext(ctx,
		t.submitExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			ReplyTo:      t.resultQueue,
			Headers: amqp.Table{
				"x-attempt-id": attemptID,
				"x-sender":     env.Channel.SourceApp,
			},
			Body: frame,
		},
	)
	if err != nil {
		return "", &contracts.TransportError{Channel: env.Channel, Nonce: env.Nonce, Retryable: true, Err: err}
	}

	select {
	case confirm := <-t.confirms:
		if !confirm.Ack {
			return "", &contracts.TransportError{
				Channel: env.Channel, Nonce: env.Nonce, Retryable: true,
				Err: fmt.Errorf("broker nacked submission"),
			}
		}
	case <-time.After(t.confirmTimeout):
		return "", &contracts.TransportError{
			Channel: env.Channel, Nonce: env.Nonce, Retryable: true,
			Err: fmt.Errorf("timeout waiting for broker confirm"),
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	t.logger.Debug("submission published",
		"channel", env.Channel.String(),
		"nonce", env.Nonce,
		"attemptId", attemptID,
		"routingKey", routingKey,
	)
	return attemptID, nil
}

// Results implements relay.Client. Results that the handler rejects are
// requeued for redelivery; malformed frames are dropped.
func (t *Transport) Results(ctx context.Context, handler relay.ResultHandler) error {
	if handler == nil {
		return fmt.Errorf("result handler cannot be nil")
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open result channel: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(t.resultQueue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume result queue: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-consumeCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				t.handleDelivery(consumeCtx, d, handler)
			}
		}
	}()
	return nil
}

func (t *Transport) handleDelivery(ctx context.Context, d amqp.Delivery, handler relay.ResultHandler) {
	var frame resultFrame
	if err := json.Unmarshal(d.Body, &frame); err != nil {
		t.logger.Warn("dropping malformed result frame", "error", err)
		_ = d.Reject(false)
		return
	}

	res := relay.Result{
		AttemptID: frame.AttemptID,
		Channel:   frame.Channel,
		Nonce:     frame.Nonce,
		Success:   frame.Success,
		Proof:     frame.Proof,
		Reason:    frame.Reason,
	}
	if err := handler(ctx, res); err != nil {
		t.logger.Warn("result not absorbed, requeueing",
			"attemptId", res.AttemptID,
			"error", err,
		)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close stops result consumption and closes the broker connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	t.wg.Wait()
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close relay broker connection: %w", err)
	}
	return nil
}
