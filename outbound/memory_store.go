package outbound

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crossgate/crossgate-go/contracts"
)

// MemoryStore is an in-process MessageStore. Records are copied on the way
// in and out so callers can never mutate stored state directly.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[contracts.ChannelKey]map[uint64]*contracts.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[contracts.ChannelKey]map[uint64]*contracts.Message),
	}
}

// Save implements MessageStore.
func (s *MemoryStore) Save(_ context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byNonce, ok := s.messages[msg.Channel]
	if !ok {
		byNonce = make(map[uint64]*contracts.Message)
		s.messages[msg.Channel] = byNonce
	}
	if _, exists := byNonce[msg.Nonce]; exists {
		return fmt.Errorf("message already exists for channel %s nonce %d", msg.Channel, msg.Nonce)
	}

	copied := *msg
	byNonce[msg.Nonce] = &copied
	return nil
}

// Update implements MessageStore.
func (s *MemoryStore) Update(_ context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byNonce, ok := s.messages[msg.Channel]
	if !ok {
		return fmt.Errorf("update channel %s nonce %d: %w", msg.Channel, msg.Nonce, contracts.ErrMessageNotFound)
	}
	if _, exists := byNonce[msg.Nonce]; !exists {
		return fmt.Errorf("update channel %s nonce %d: %w", msg.Channel, msg.Nonce, contracts.ErrMessageNotFound)
	}

	copied := *msg
	byNonce[msg.Nonce] = &copied
	return nil
}

// Get implements MessageStore.
func (s *MemoryStore) Get(_ context.Context, channel contracts.ChannelKey, nonce uint64) (*contracts.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNonce, ok := s.messages[channel]
	if !ok {
		return nil, fmt.Errorf("get channel %s nonce %d: %w", channel, nonce, contracts.ErrMessageNotFound)
	}
	msg, ok := byNonce[nonce]
	if !ok {
		return nil, fmt.Errorf("get channel %s nonce %d: %w", channel, nonce, contracts.ErrMessageNotFound)
	}

	copied := *msg
	return &copied, nil
}

// List implements MessageStore.
func (s *MemoryStore) List(_ context.Context, channel contracts.ChannelKey, statuses ...contracts.Status) ([]*contracts.Message, error) {
	wanted := make(map[contracts.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Message
	for _, msg := range s.messages[channel] {
		if len(wanted) > 0 && !wanted[msg.Status] {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}
