package contracts

import (
	"time"
)

// Status is the delivery state of a message. Queued and InFlight are
// transient; the rest are terminal for normal operation, with Failed
// recoverable through administrative retry or skip.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "inflight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusWithdrawn Status = "withdrawn"
)

// Terminal reports whether no further transport activity is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusSkipped, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the delivery state machine:
//
//	Queued   -> InFlight | Withdrawn
//	InFlight -> Delivered | Failed
//	Failed   -> InFlight (retry) | Skipped
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInFlight || next == StatusWithdrawn
	case StatusInFlight:
		return next == StatusDelivered || next == StatusFailed
	case StatusFailed:
		return next == StatusInFlight || next == StatusSkipped
	default:
		return false
	}
}

// Message is the durable record of one send. Envelope identity and payload
// never change after creation; only Status and the delivery metadata do.
type Message struct {
	Envelope
	Status    Status    `json:"status"`
	FeePaid   int64     `json:"feePaid"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMessage creates a Queued record for an envelope with its escrowed fee.
func NewMessage(env Envelope, feePaid int64) *Message {
	now := time.Now().UTC()
	return &Message{
		Envelope:  env,
		Status:    StatusQueued,
		FeePaid:   feePaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the message to the next status, rejecting moves the
// state machine does not allow.
func (m *Message) Transition(next Status) error {
	if !m.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{
			MessageID: m.ID,
			Channel:   m.Channel,
			Nonce:     m.Nonce,
			From:      m.Status,
			To:        next,
		}
	}
	m.Status = next
	m.UpdatedAt = time.Now().UTC()
	return nil
}
