package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps one hash per ticket, keyed by "<userId>:<role>".
// The hash expires after TTL unless refreshed by another join.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg.Prefix, cfg.TTL), nil
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ticketchat"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(ticketId string) string {
	return fmt.Sprintf("%s:presence:ticket:%s", s.prefix, ticketId)
}

func field(m types.Member) string {
	return m.UserId + ":" + m.Role
}

func (s *RedisStore) Join(ctx context.Context, ticketId string, m types.Member) error {
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}

	key := s.key(ticketId)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field(m), value)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, ticketId string, m types.Member) error {
	if err := s.client.HDel(ctx, s.key(ticketId), field(m)).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, ticketId string) error {
	if err := s.client.Del(ctx, s.key(ticketId)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}

// Members reads the mirrored membership of a ticket.
func (s *RedisStore) Members(ctx context.Context, ticketId string) ([]types.Member, error) {
	values, err := s.client.HGetAll(ctx, s.key(ticketId)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}

	members := make([]types.Member, 0, len(values))
	for _, v := range values {
		var m types.Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
