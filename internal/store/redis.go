package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/models"
)

// Redis stores read ids as one set per owner and chat, and each owner's pins
// as a hash of "{kind}-{id}" to unix milliseconds.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) readKey(owner string, chat models.ChatKey) string {
	return fmt.Sprintf("%s:%s:read:%s", r.prefix, owner, chat)
}

func (r *Redis) pinsKey(owner string) string {
	return fmt.Sprintf("%s:%s:pins", r.prefix, owner)
}

func (r *Redis) ReadIDs(ctx context.Context, owner string, chat models.ChatKey) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.readKey(owner, chat)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load read ids for %s: %w", chat, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) AddReadIDs(ctx context.Context, owner string, chat models.ChatKey, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.client.SAdd(ctx, r.readKey(owner, chat), members...).Err(); err != nil {
		return fmt.Errorf("failed to store read ids for %s: %w", chat, err)
	}
	return nil
}

func (r *Redis) Pins(ctx context.Context, owner string) (map[models.ChatKey]time.Time, error) {
	raw, err := r.client.HGetAll(ctx, r.pinsKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pins: %w", err)
	}

	pins := make(map[models.ChatKey]time.Time, len(raw))
	for field, value := range raw {
		key, err := models.ParseChatKey(field)
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		pins[key] = time.UnixMilli(ms)
	}
	return pins, nil
}

func (r *Redis) SetPin(ctx context.Context, owner string, chat models.ChatKey, at time.Time) error {
	if err := r.client.HSet(ctx, r.pinsKey(owner), chat.String(), at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to pin %s: %w", chat, err)
	}
	return nil
}

func (r *Redis) DeletePin(ctx context.Context, owner string, chat models.ChatKey) error {
	if err := r.client.HDel(ctx, r.pinsKey(owner), chat.String()).Err(); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", chat, err)
	}
	return nil
}
