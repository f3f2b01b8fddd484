// Package outbound implements the sending half of the delivery core: the
// queue that atomically assigns per-channel nonces, the durable message
// store behind it, and the escrow ledger that holds each message's fee
// until delivery is confirmed or explicitly refunded.
package outbound
