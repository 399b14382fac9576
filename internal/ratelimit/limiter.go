// Package ratelimit throttles clients of the relay. Cooldown gates message
// sends per connection in memory; Limiter is a Redis INCR + EXPIRE fixed
// window used where the count has to survive a single connection, such as
// WebSocket upgrades per remote IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:conn:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 20 WebSocket upgrades per minute per IP.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log.With().Str("component", "ratelimit").Logger()}
}

// Allow increments the counter for identifier under rule and reports whether
// it is still within the limit. The window starts at the first increment.
//
// Redis errors fail open: the request is allowed and the error returned so
// that an outage does not lock everybody out.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}
