package outbound

import (
	"context"

	"github.com/crossgate/crossgate-go/contracts"
)

// MessageStore is the durable record of outbound messages. A message must
// be persisted before Send returns; the tracker updates the same record as
// the delivery progresses.
type MessageStore interface {
	// Save inserts a new message. Saving an identity that already exists
	// is an error: nonces are never reused.
	Save(ctx context.Context, msg *contracts.Message) error

	// Update replaces the stored record for an existing message.
	Update(ctx context.Context, msg *contracts.Message) error

	// Get returns the message with the given channel identity and nonce,
	// or contracts.ErrMessageNotFound.
	Get(ctx context.Context, channel contracts.ChannelKey, nonce uint64) (*contracts.Message, error)

	// List returns the messages on a channel, optionally filtered by
	// status, ordered by nonce.
	List(ctx context.Context, channel contracts.ChannelKey, statuses ...contracts.Status) ([]*contracts.Message, error)
}
