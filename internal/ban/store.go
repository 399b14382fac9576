// Package ban tracks moderation strikes against display names and the
// escalating mutes they earn. Records live in Redis with TTL-based expiry:
//
//	Key:   strikes:<name>   Value: strike count   TTL: StrikesTTL
//	Key:   mute:<name>      Value: <reason>       TTL: mute duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MutePrefix is the Redis key prefix for active mutes.
	MutePrefix = "mute:"

	// StrikesPrefix is the Redis key prefix for strike counters.
	StrikesPrefix = "strikes:"

	// StrikesTTL is how long the strike counter lives. After a day without
	// new strikes the counter resets to zero.
	StrikesTTL = 24 * time.Hour

	// MuteThreshold is the strike count at which mutes start. Earlier
	// strikes only produce a flag.
	MuteThreshold = 2

	// Escalating mute durations.
	Mute1Min  = 1 * time.Minute  // threshold reached
	Mute10Min = 10 * time.Minute // one strike past it
	Mute1Hour = 1 * time.Hour    // every strike after that
)

// MuteFor returns the mute earned by the given strike count, or zero below
// MuteThreshold.
func MuteFor(strikes int) time.Duration {
	switch {
	case strikes < MuteThreshold:
		return 0
	case strikes == MuteThreshold:
		return Mute1Min
	case strikes == MuteThreshold+1:
		return Mute10Min
	default:
		return Mute1Hour
	}
}

// Store manages strike and mute records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// MutedFor returns how long name stays muted, or zero when it is not muted.
// Redis errors are returned so callers can fail open.
func (s *Store) MutedFor(ctx context.Context, name string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, MutePrefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: muted for: %w", err)
	}
	// -2: no key, -1: no expiry. Mutes are always set with an expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reason returns the reason stored with an active mute.
func (s *Store) Reason(ctx context.Context, name string) (string, error) {
	reason, err := s.client.Get(ctx, MutePrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ban: reason: %w", err)
	}
	return reason, nil
}

// Mute mutes name for d. A shorter mute never replaces a longer active one.
func (s *Store) Mute(ctx context.Context, name string, d time.Duration, reason string) error {
	current, err := s.MutedFor(ctx, name)
	if err != nil {
		return err
	}
	if current >= d {
		return nil
	}
	if err := s.client.Set(ctx, MutePrefix+name, reason, d).Err(); err != nil {
		return fmt.Errorf("ban: mute: %w", err)
	}
	return nil
}

// Unmute lifts the mute on name immediately. Strikes are kept.
func (s *Store) Unmute(ctx context.Context, name string) error {
	return s.client.Del(ctx, MutePrefix+name).Err()
}

// Strikes returns the current strike count for name.
func (s *Store) Strikes(ctx context.Context, name string) (int, error) {
	val, err := s.client.Get(ctx, StrikesPrefix+name).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: strikes: %w", err)
	}
	return val, nil
}

// Strike records one strike against name and applies the mute it earns. It
// returns the new strike count and the mute applied, zero when none.
func (s *Store) Strike(ctx context.Context, name, reason string) (int, time.Duration, error) {
	key := StrikesPrefix + name

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ban: strike incr: %w", err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return 0, 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	d := MuteFor(int(count))
	if d > 0 {
		if err := s.Mute(ctx, name, d, reason); err != nil {
			return int(count), 0, err
		}
	}
	return int(count), d, nil
}
