package outbound

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/crossgate/crossgate-go/contracts"
)

// EscrowLedger holds the fee attached to each message from the moment the
// nonce is assigned. Funds leave escrow through exactly two paths: release
// to the relay executor on confirmed delivery, or an explicit, logged
// refund. There is no implicit refund.
type EscrowLedger struct {
	mu       sync.Mutex
	held     map[string]int64 // message ID -> escrowed amount
	released int64
	refunded int64
	logger   *slog.Logger
}

// NewEscrowLedger creates an empty ledger.
func NewEscrowLedger(logger *slog.Logger) *EscrowLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowLedger{
		held:   make(map[string]int64),
		logger: logger,
	}
}

// Hold escrows amount against a message. Holding twice for the same
// message is an error. A zero hold is recorded so zero-fee channels flow
// through the same release and refund bookkeeping as everything else.
func (l *EscrowLedger) Hold(messageID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("escrow amount cannot be negative, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.held[messageID]; exists {
		return fmt.Errorf("escrow already held for message %s", messageID)
	}
	l.held[messageID] = amount
	return nil
}

// drop removes a hold without counting it as released or refunded. Only
// the queue uses it, to back out the escrow of a send that failed to
// persist; the message never existed, so no funds moved.
func (l *EscrowLedger) drop(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, exists := l.held[messageID]
	if !exists {
		return
	}
	delete(l.held, messageID)
	l.logger.Debug("escrow hold dropped", "messageId", messageID, "amount", amount)
}

// Release pays the escrowed amount out to the relay executor after a
// confirmed delivery.
func (l *EscrowLedger) Release(messageID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, exists := l.held[messageID]
	if !exists {
		return 0, fmt.Errorf("release for message %s: %w", messageID, contracts.ErrMessageNotFound)
	}
	delete(l.held, messageID)
	l.released += amount

	l.logger.Info("escrow released to executor", "messageId", messageID, "amount", amount)
	return amount, nil
}

// Refund returns the escrowed amount to the sender. Audited: the acting
// identity is required and logged.
func (l *EscrowLedger) Refund(actor, messageID string) (int64, error) {
	if actor == "" {
		return 0, fmt.Errorf("refund for message %s: %w", messageID, contracts.ErrUnauthorized)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	amount, exists := l.held[messageID]
	if !exists {
		return 0, fmt.Errorf("refund for message %s: %w", messageID, contracts.ErrMessageNotFound)
	}
	delete(l.held, messageID)
	l.refunded += amount

	l.logger.Info("escrow refunded to sender", "actor", actor, "messageId", messageID, "amount", amount)
	return amount, nil
}

// Held returns the amount currently escrowed for a message, zero if none.
func (l *EscrowLedger) Held(messageID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[messageID]
}

// Totals returns the cumulative released and refunded amounts.
func (l *EscrowLedger) Totals() (released, refunded int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released, l.refunded
}
