package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// redisAPI is the subset of *redis.Client the mirror uses.
type redisAPI interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisOpts configures NewRedisMirror.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	// TTL expires idle conversations. Zero keeps them forever.
	TTL    time.Duration
	Prefix string
}

// RedisMirror stores each conversation as a list of JSON exchanges plus an
// entity string.
type RedisMirror struct {
	client redisAPI
	close  func() error
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to Redis and checks the connection.
func NewRedisMirror(opts RedisOpts) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: connect redis %s: %w", opts.Addr, err)
	}
	m := NewRedisMirrorWithClient(client, opts.Prefix, opts.TTL)
	m.close = client.Close
	return m, nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(c redisAPI, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "shopbot"
	}
	return &RedisMirror{client: c, prefix: prefix, ttl: ttl}
}

// Close releases the connection when the mirror owns it.
func (m *RedisMirror) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}

// Tenant ids never contain ':', so keys of different tenants cannot collide.
func (m *RedisMirror) historyKey(k Key) string {
	return fmt.Sprintf("%s:conv:%s:%s:history", m.prefix, k.Tenant, k.Conversation)
}

func (m *RedisMirror) entityKey(k Key) string {
	return fmt.Sprintf("%s:conv:%s:%s:entity", m.prefix, k.Tenant, k.Conversation)
}

func (m *RedisMirror) Load(ctx context.Context, k Key) (domain.ConversationContext, bool, error) {
	cc := domain.ConversationContext{ConversationID: k.Conversation}
	items, err := m.client.LRange(ctx, m.historyKey(k), 0, -1).Result()
	if err != nil {
		return cc, false, fmt.Errorf("session: load %s: %w", k, err)
	}
	entity, err := m.client.Get(ctx, m.entityKey(k)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return cc, false, fmt.Errorf("session: load %s entity: %w", k, err)
	}
	for _, item := range items {
		var ex domain.Exchange
		if err := json.Unmarshal([]byte(item), &ex); err != nil {
			continue
		}
		cc.History = append(cc.History, ex)
	}
	cc.Entity = entity
	return cc, len(cc.History) > 0 || entity != "", nil
}

func (m *RedisMirror) Append(ctx context.Context, k Key, ex domain.Exchange, entity string, window int) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("session: encode exchange: %w", err)
	}
	hk, ek := m.historyKey(k), m.entityKey(k)
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, hk, data)
		if window > 0 {
			p.LTrim(ctx, hk, int64(-window), -1)
		}
		if entity != "" {
			p.Set(ctx, ek, entity, m.ttl)
		}
		m.expire(ctx, p, hk, ek)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: append %s: %w", k, err)
	}
	return nil
}

func (m *RedisMirror) Save(ctx context.Context, k Key, cc domain.ConversationContext) error {
	items := make([]any, 0, len(cc.History))
	for _, ex := range cc.History {
		data, err := json.Marshal(ex)
		if err != nil {
			return fmt.Errorf("session: encode exchange: %w", err)
		}
		items = append(items, data)
	}
	hk, ek := m.historyKey(k), m.entityKey(k)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, hk, ek)
		if len(items) > 0 {
			p.RPush(ctx, hk, items...)
		}
		if cc.Entity != "" {
			p.Set(ctx, ek, cc.Entity, m.ttl)
		}
		m.expire(ctx, p, hk, ek)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save %s: %w", k, err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, k Key) error {
	if err := m.client.Del(ctx, m.historyKey(k), m.entityKey(k)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", k, err)
	}
	return nil
}

// expire refreshes the TTL. EXPIRE with zero would delete the keys.
func (m *RedisMirror) expire(ctx context.Context, p redis.Pipeliner, keys ...string) {
	if m.ttl <= 0 {
		return
	}
	for _, k := range keys {
		p.Expire(ctx, k, m.ttl)
	}
}
