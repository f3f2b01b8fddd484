package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions callers branch on with errors.Is.
var (
	ErrChannelUnconfigured = errors.New("channel has no trusted remote configured")
	ErrUntrustedSender     = errors.New("sender is not the trusted remote for this channel")
	ErrNonceMismatch       = errors.New("nonce does not match next expected inbound nonce")
	ErrInsufficientFee     = errors.New("fee budget below quoted minimum")
	ErrPayloadTooLarge     = errors.New("payload exceeds channel size limit")
	ErrUnauthorized        = errors.New("caller is not authorized for this administrative action")
	ErrMessageNotFound     = errors.New("message not found")
)

// ConfigurationError reports a misconfigured channel. Fatal to the
// operation, never retried automatically.
type ConfigurationError struct {
	Channel ChannelKey
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error on channel %s: %v", e.Channel, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FundingError reports an insufficient fee at send time. No partial send
// occurs; no nonce is consumed.
type FundingError struct {
	Channel  ChannelKey
	Required int64
	Offered  int64
}

func (e *FundingError) Error() string {
	return fmt.Sprintf("funding error on channel %s: required %d, offered %d", e.Channel, e.Required, e.Offered)
}

func (e *FundingError) Unwrap() error { return ErrInsufficientFee }

// TransportError reports a relay-side fault. Retryable transport errors
// keep the message eligible for resubmission; non-retryable ones park it
// as failed.
type TransportError struct {
	Channel   ChannelKey
	Nonce     uint64
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on channel %s nonce %d: %v", e.Channel, e.Nonce, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the relay fault is transient.
func (e *TransportError) IsRetryable() bool { return e.Retryable }

// ApplicationError reports a fault inside an application handler on the
// receiving side. It is recorded against the message and never touches
// protocol nonce state.
type ApplicationError struct {
	Channel   ChannelKey
	Nonce     uint64
	MessageID string
	Err       error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application handler fault on channel %s nonce %d (message %s): %v", e.Channel, e.Nonce, e.MessageID, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an attempt to move a message to a status
// the delivery state machine does not allow.
type InvalidTransitionError struct {
	MessageID string
	Channel   ChannelKey
	Nonce     uint64
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s for message %s (channel %s nonce %d)", e.From, e.To, e.MessageID, e.Channel, e.Nonce)
}
