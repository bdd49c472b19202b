package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "sceneforge:ratelimit"

type Decision struct {
	// Exempt requests were not priced by the policy and never reached Redis.
	Exempt     bool
	Allowed    bool
	Cost       int64
	Remaining  int64
	RetryAfter time.Duration
	Subject    string
}

// gcraScript keeps one theoretical arrival time (TAT) per bucket. A request
// of cost n pushes the TAT n emission intervals forward and is admitted
// while the TAT stays within capacity intervals of now.
//
// KEYS[1] bucket key
// ARGV    now_ms, emission_ms, capacity, cost
// returns {allowed, remaining, retry_after_ms}
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local burst = emission * capacity

local tat = math.max(tonumber(redis.call("GET", KEYS[1])) or now, now)
local next_tat = tat + emission * cost
local allow_at = next_tat - burst

if allow_at > now then
  return {0, math.floor((burst - (tat - now)) / emission), math.ceil(allow_at - now)}
end

redis.call("SET", KEYS[1], math.ceil(next_tat), "PX", math.ceil(next_tat - now))
return {1, math.floor((burst - (next_tat - now)) / emission), 0}
`)

// RedisTokenBucket admits API requests against per-caller, per-route buckets
// kept in Redis, so every API instance sharing that Redis enforces one
// budget. Capacity tokens refill evenly over the window.
type RedisTokenBucket struct {
	client     redis.UniversalClient
	policy     Policy
	capacity   int64
	emissionMS float64
	keyPrefix  string
	now        func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:     client,
		policy:     DefaultPolicy(),
		capacity:   int64(capacity),
		emissionMS: math.Max(1, float64(window.Milliseconds())/float64(capacity)),
		keyPrefix:  keyPrefix,
		now:        time.Now,
	}, nil
}

// Check prices req with the policy and takes that many tokens from its
// bucket. Costs above capacity are clamped so a full bucket always admits.
func (b *RedisTokenBucket) Check(ctx context.Context, req Request) (Decision, error) {
	cost, limited := b.policy.Cost(req)
	if !limited {
		return Decision{Exempt: true, Allowed: true}, nil
	}
	cost = min(max(cost, 1), b.capacity)
	subject := b.policy.Subject(req)

	res, err := gcraScript.Run(ctx, b.client,
		[]string{b.keyPrefix + ":" + subject},
		b.now().UTC().UnixMilli(),
		b.emissionMS,
		b.capacity,
		cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	return Decision{
		Allowed:    res[0] == 1,
		Cost:       cost,
		Remaining:  max(res[1], 0),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
		Subject:    subject,
	}, nil
}
