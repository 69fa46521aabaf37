package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/taskbus/pkg/logger"
)

// Membership is a source of member addresses.
type Membership interface {
	// Members returns the addresses of the members currently alive.
	Members(ctx context.Context) ([]string, error)
}

// StaticMembership serves a fixed address list, typically from config.
type StaticMembership struct {
	mu        sync.RWMutex
	addresses []string
}

// NewStaticMembership creates a static membership source.
func NewStaticMembership(addresses ...string) *StaticMembership {
	return &StaticMembership{addresses: append([]string(nil), addresses...)}
}

// Members implements Membership.
func (m *StaticMembership) Members(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.addresses...), nil
}

// Set replaces the address list.
func (m *StaticMembership) Set(addresses ...string) {
	m.mu.Lock()
	m.addresses = append([]string(nil), addresses...)
	m.mu.Unlock()
}

// RedisMembership keeps members in a sorted set scored by their last
// heartbeat. Members that have not announced themselves within the TTL are
// considered gone and pruned.
type RedisMembership struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// RedisMembershipConfig configures a RedisMembership.
type RedisMembershipConfig struct {
	Key string
	TTL time.Duration
	// Now overrides the heartbeat clock.
	Now func() time.Time
}

// NewRedisMembership creates a membership source backed by client.
func NewRedisMembership(client *redis.Client, cfg RedisMembershipConfig) *RedisMembership {
	if cfg.Key == "" {
		cfg.Key = "taskbus:members"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisMembership{client: client, key: cfg.Key, ttl: cfg.TTL, now: cfg.Now}
}

// Announce records a heartbeat for each address.
func (m *RedisMembership) Announce(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	score := float64(m.now().UnixMilli())
	members := make([]redis.Z, 0, len(addresses))
	for _, addr := range addresses {
		members = append(members, redis.Z{Score: score, Member: addr})
	}
	if err := m.client.ZAdd(ctx, m.key, members...).Err(); err != nil {
		return fmt.Errorf("announce members: %w", err)
	}
	return nil
}

// Leave removes addresses from the membership immediately.
func (m *RedisMembership) Leave(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	members := make([]any, 0, len(addresses))
	for _, addr := range addresses {
		members = append(members, addr)
	}
	if err := m.client.ZRem(ctx, m.key, members...).Err(); err != nil {
		return fmt.Errorf("leave membership: %w", err)
	}
	return nil
}

// Members implements Membership. Expired members are pruned first.
func (m *RedisMembership) Members(ctx context.Context) ([]string, error) {
	cutoff := strconv.FormatInt(m.now().Add(-m.ttl).UnixMilli(), 10)

	pipe := m.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, m.key, "-inf", "("+cutoff)
	members := pipe.ZRangeByScore(ctx, m.key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members.Val(), nil
}

// Heartbeat announces the addresses every interval until ctx is done. Only
// the first announcement's error is returned; later failures are logged.
func (m *RedisMembership) Heartbeat(ctx context.Context, interval time.Duration, addresses ...string) error {
	if err := m.Announce(ctx, addresses...); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best effort; the TTL removes the members anyway.
			_ = m.Leave(context.Background(), addresses...)
			return nil
		case <-ticker.C:
			if err := m.Announce(ctx, addresses...); err != nil && ctx.Err() == nil {
				logger.Warn("membership heartbeat failed", zap.String("key", m.key), zap.Error(err))
			}
		}
	}
}
