package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a MessageStore backed by Redis, for deployments where the
// outbound record must survive process restarts. Messages are stored as
// JSON under one key per identity, with a per-channel sorted set indexing
// nonces for ordered listing.
type RedisStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store on an existing Redis client. keyPrefix
// namespaces this core's records so several instances can share a server.
func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "crossgate"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) messageKey(channel contracts.ChannelKey, nonce uint64) string {
	return fmt.Sprintf("%s:msg:%s:%d", s.keyPrefix, channel, nonce)
}

func (s *RedisStore) indexKey(channel contracts.ChannelKey) string {
	return fmt.Sprintf("%s:idx:%s", s.keyPrefix, channel)
}

// Save implements MessageStore.
func (s *RedisStore) Save(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	ok, err := s.rdb.SetNX(ctx, s.messageKey(msg.Channel, msg.Nonce), body, 0).Result()
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	if !ok {
		return fmt.Errorf("message already exists for channel %s nonce %d", msg.Channel, msg.Nonce)
	}

	if err := s.rdb.ZAdd(ctx, s.indexKey(msg.Channel), redis.Z{
		Score:  float64(msg.Nonce),
		Member: msg.Nonce,
	}).Err(); err != nil {
		return fmt.Errorf("index message %s: %w", msg.ID, err)
	}
	return nil
}

// Update implements MessageStore.
func (s *RedisStore) Update(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	ok, err := s.rdb.SetXX(ctx, s.messageKey(msg.Channel, msg.Nonce), body, 0).Result()
	if err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	if !ok {
		return fmt.Errorf("update channel %s nonce %d: %w", msg.Channel, msg.Nonce, contracts.ErrMessageNotFound)
	}
	return nil
}

// Get implements MessageStore.
func (s *RedisStore) Get(ctx context.Context, channel contracts.ChannelKey, nonce uint64) (*contracts.Message, error) {
	body, err := s.rdb.Get(ctx, s.messageKey(channel, nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get channel %s nonce %d: %w", channel, nonce, contracts.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s nonce %d: %w", channel, nonce, err)
	}

	var msg contracts.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal channel %s nonce %d: %w", channel, nonce, err)
	}
	return &msg, nil
}

// List implements MessageStore.
func (s *RedisStore) List(ctx context.Context, channel contracts.ChannelKey, statuses ...contracts.Status) ([]*contracts.Message, error) {
	wanted := make(map[contracts.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	nonces, err := s.rdb.ZRange(ctx, s.indexKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list channel %s: %w", channel, err)
	}

	var out []*contracts.Message
	for _, raw := range nonces {
		body, err := s.rdb.Get(ctx, fmt.Sprintf("%s:msg:%s:%s", s.keyPrefix, channel, raw)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list channel %s: %w", channel, err)
		}

		var msg contracts.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("list channel %s: %w", channel, err)
		}
		if len(wanted) > 0 && !wanted[msg.Status] {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}
