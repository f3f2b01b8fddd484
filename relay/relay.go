// Package relay defines the boundary between the delivery core and the
// external relay/verification network. The core submits envelopes and
// observes delivery results; transport, attestation, and proof generation
// are the relay network's problem.
package relay

import (
	"context"

	"github.com/crossgate/crossgate-go/contracts"
)

// Delivery is what the relay network hands a receiving core: the raw
// envelope frame, the source application address the verification service
// attested, and the delivery proof.
type Delivery struct {
	Envelope []byte
	Sender   string
	Proof    []byte
}

// Receiver accepts verified deliveries on the receiving side. The inbound
// dispatcher implements it.
type Receiver interface {
	OnReceive(ctx context.Context, d Delivery) (contracts.Ack, error)
}

// Result reports the outcome of one delivery attempt.
type Result struct {
	AttemptID string
	Channel   contracts.ChannelKey
	Nonce     uint64
	Success   bool
	Proof     []byte
	Reason    string
}

// ResultHandler consumes delivery results. Returning an error tells the
// transport the result was not absorbed and may be redelivered.
type ResultHandler func(ctx context.Context, res Result) error

// Client is the sending core's view of the relay network.
type Client interface {
	// Submit hands an envelope to the relay network and returns an
	// attempt identifier for correlating the eventual Result.
	Submit(ctx context.Context, env contracts.Envelope) (string, error)

	// Results registers the handler for delivery results. It returns
	// once the subscription is established; results arrive asynchronously
	// until ctx is cancelled or the client is closed.
	Results(ctx context.Context, handler ResultHandler) error

	// Close releases transport resources.
	Close() error
}
