package contracts

import (
	"fmt"
	"time"
)

// ChainID identifies a chain in the routing mesh.
type ChainID uint64

// ChannelKey identifies a directed application-to-application pairing.
// The tuple (SourceChain, SourceApp, DestChain, DestApp) plus a nonce is
// the unique identity of every message that crosses the mesh.
type ChannelKey struct {
	SourceChain ChainID `json:"sourceChain"`
	SourceApp   string  `json:"sourceApp"`
	DestChain   ChainID `json:"destChain"`
	DestApp     string  `json:"destApp"`
}

// String returns the canonical channel notation used in logs and CLI output.
func (k ChannelKey) String() string {
	return fmt.Sprintf("%d/%s->%d/%s", k.SourceChain, k.SourceApp, k.DestChain, k.DestApp)
}

// Reverse returns the key of the opposite direction of the same pairing.
func (k ChannelKey) Reverse() ChannelKey {
	return ChannelKey{
		SourceChain: k.DestChain,
		SourceApp:   k.DestApp,
		DestChain:   k.SourceChain,
		DestApp:     k.SourceApp,
	}
}

// Validate checks that both endpoints are populated.
func (k ChannelKey) Validate() error {
	if k.SourceApp == "" || k.DestApp == "" {
		return fmt.Errorf("channel %s: application identifiers cannot be empty", k)
	}
	if k.SourceChain == k.DestChain && k.SourceApp == k.DestApp {
		return fmt.Errorf("channel %s: source and destination are the same endpoint", k)
	}
	return nil
}

// Channel holds the per-pairing delivery state on one side of the mesh.
// NextOutboundNonce is owned by the outbound queue, NextExpectedInboundNonce
// by the inbound dispatcher; trust configuration is owned by the registry.
type Channel struct {
	Key                      ChannelKey `json:"key"`
	TrustedRemote            string     `json:"trustedRemote,omitempty"`
	NextOutboundNonce        uint64     `json:"nextOutboundNonce"`
	NextExpectedInboundNonce uint64     `json:"nextExpectedInboundNonce"`
	ConfiguredBy             string     `json:"configuredBy,omitempty"`
	ConfiguredAt             time.Time  `json:"configuredAt,omitempty"`
}

// Trusted reports whether a remote has been explicitly configured.
func (c *Channel) Trusted() bool {
	return c.TrustedRemote != ""
}
