// Package registry holds the per-channel trust configuration: which remote
// application address is allowed to deliver messages into a local
// application. Trust is always explicit; nothing is ever inferred from a
// message's source fields.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crossgate/crossgate-go/contracts"
)

// EndpointRegistry maps channels to their single trusted remote address.
// A channel with no binding rejects all inbound traffic. Bindings are
// last-write-wins: setting a new remote replaces the old one entirely.
type EndpointRegistry struct {
	mu       sync.RWMutex
	owner    string
	channels map[contracts.ChannelKey]*contracts.Channel
	logger   *slog.Logger
}

// Option configures the EndpointRegistry.
type Option func(*EndpointRegistry)

// WithLogger sets the audit logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *EndpointRegistry) {
		r.logger = logger
	}
}

// New creates a registry administered by owner. Only the owner may change
// trust bindings.
func New(owner string, options ...Option) (*EndpointRegistry, error) {
	if owner == "" {
		return nil, fmt.Errorf("registry owner cannot be empty")
	}

	r := &EndpointRegistry{
		owner:    owner,
		channels: make(map[contracts.ChannelKey]*contracts.Channel),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// SetTrusted binds a channel to a remote application address, replacing any
// prior binding. Restricted to the registry owner; every call is logged
// with the acting identity.
func (r *EndpointRegistry) SetTrusted(actor string, key contracts.ChannelKey, remoteAddr string) error {
	if actor != r.owner {
		return fmt.Errorf("actor %q cannot configure channel %s: %w", actor, key, contracts.ErrUnauthorized)
	}
	if err := key.Validate(); err != nil {
		return &contracts.ConfigurationError{Channel: key, Err: err}
	}
	if remoteAddr == "" {
		return &contracts.ConfigurationError{Channel: key, Err: fmt.Errorf("remote address cannot be empty")}
	}

	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &contracts.Channel{Key: key}
		r.channels[key] = ch
	}
	previous := ch.TrustedRemote
	ch.TrustedRemote = remoteAddr
	ch.ConfiguredBy = actor
	ch.ConfiguredAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info("trust binding updated",
		"actor", actor,
		"channel", key.String(),
		"remote", remoteAddr,
		"previous", previous,
	)
	return nil
}

// IsTrusted reports whether candidate is the trusted remote for the channel.
func (r *EndpointRegistry) IsTrusted(key contracts.ChannelKey, candidate string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[key]
	return ok && ch.TrustedRemote != "" && ch.TrustedRemote == candidate
}

// Channel returns a snapshot of the channel's trust configuration, or an
// error if the channel was never configured. The registry does not track
// nonce progress; the queue and dispatcher own those counters, and the
// client merges them into the snapshot.
func (r *EndpointRegistry) Channel(key contracts.ChannelKey) (contracts.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[key]
	if !ok {
		return contracts.Channel{}, &contracts.ConfigurationError{Channel: key, Err: contracts.ErrChannelUnconfigured}
	}
	return *ch, nil
}

// Channels returns a snapshot of every configured channel.
func (r *EndpointRegistry) Channels() []contracts.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	return out
}
