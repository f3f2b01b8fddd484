package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the transport-facing frame of a single message. The payload
// bytes are produced by the codec and are opaque to everything between the
// sending queue and the receiving dispatcher.
type Envelope struct {
	ID      string     `json:"id"`
	Channel ChannelKey `json:"channel"`
	Nonce   uint64     `json:"nonce"`
	Payload []byte     `json:"payload"`
}

// NewEnvelope frames a payload for a channel with a generated message ID.
// The nonce is assigned later, by the outbound queue, under its lock.
func NewEnvelope(channel ChannelKey, payload []byte) Envelope {
	return Envelope{
		ID:      uuid.New().String(),
		Channel: channel,
		Payload: payload,
	}
}

// Marshal frames the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// ParseEnvelope parses a wire frame back into an envelope.
func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.ID == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing message id")
	}
	return e, nil
}

// Ack confirms protocol-level receipt of an inbound envelope. Handled=false
// means the application handler faulted; the transport must still treat the
// message as received so it is not redelivered.
type Ack struct {
	MessageID  string    `json:"messageId"`
	Channel    ChannelKey `json:"channel"`
	Nonce      uint64    `json:"nonce"`
	Handled    bool      `json:"handled"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
