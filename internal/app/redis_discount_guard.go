package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/discount"
	"github.com/redis/go-redis/v9"
)

// recordFailureScript bumps every key and starts its window on the first failure. It returns
// count and ttl pairs in key order.
var recordFailureScript = redis.NewScript(`
local out = {}
for _, key in ipairs(KEYS) do
  local current = redis.call("INCR", key)
  if current == 1 then
    redis.call("PEXPIRE", key, ARGV[1])
  end
  local ttl = redis.call("PTTL", key)
  if ttl < 0 then
    ttl = tonumber(ARGV[1])
  end
  out[#out + 1] = current
  out[#out + 1] = ttl
end
return out
`)

var readFailuresScript = redis.NewScript(`
local out = {}
for _, key in ipairs(KEYS) do
  out[#out + 1] = tonumber(redis.call("GET", key) or "0")
  out[#out + 1] = redis.call("PTTL", key)
end
return out
`)

// RedisDiscountAttemptGuard keeps failed code lookups per operator and per code in redis, so
// every service instance shares one budget.
type RedisDiscountAttemptGuard struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisDiscountAttemptGuard(client redis.UniversalClient, prefix string, window time.Duration) *RedisDiscountAttemptGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "cafepos:rate_limit"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisDiscountAttemptGuard{client: client, prefix: trimmedPrefix, window: window}
}

// DiscountFailures reports the failures already counted in the current windows without adding one.
func (g *RedisDiscountAttemptGuard) DiscountFailures(ctx context.Context, operatorID, code string) (AttemptWindow, error) {
	if g == nil || g.client == nil {
		return AttemptWindow{}, nil
	}
	raw, err := readFailuresScript.Run(ctx, g.client, g.keys(operatorID, code)).Result()
	if err != nil {
		return AttemptWindow{}, err
	}
	return parseAttemptReply(raw, g.window.Milliseconds())
}

// RecordDiscountFailure counts one failed lookup against both the operator and the code.
func (g *RedisDiscountAttemptGuard) RecordDiscountFailure(ctx context.Context, operatorID, code string) (AttemptWindow, error) {
	if g == nil || g.client == nil {
		return AttemptWindow{}, nil
	}
	windowMs := g.window.Milliseconds()
	raw, err := recordFailureScript.Run(ctx, g.client, g.keys(operatorID, code), windowMs).Result()
	if err != nil {
		return AttemptWindow{}, err
	}
	return parseAttemptReply(raw, windowMs)
}

func (g *RedisDiscountAttemptGuard) keys(operatorID, code string) []string {
	return discountFailureKeys(g.prefix, operatorID, code)
}

func discountFailureKeys(prefix, operatorID, code string) []string {
	operator := strings.TrimSpace(operatorID)
	if operator == "" {
		operator = "unknown"
	}
	return []string{
		fmt.Sprintf("%s:discount_failures:operator:%s", prefix, operator),
		fmt.Sprintf("%s:discount_failures:code:%s", prefix, discount.NormalizeCode(code)),
	}
}

// parseAttemptReply reads the operator and code pairs. Retry-after follows the longest-lived
// window that holds failures; a counted key without a ttl falls back to windowMs.
func parseAttemptReply(raw interface{}, windowMs int64) (AttemptWindow, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return AttemptWindow{}, fmt.Errorf("unexpected redis attempt guard response shape: %T", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return AttemptWindow{}, fmt.Errorf("unexpected redis attempt guard value type at %d: %T", i, v)
		}
		ints[i] = n
	}

	var longestMs int64
	for i := 0; i < len(ints); i += 2 {
		count, ttl := ints[i], ints[i+1]
		if count <= 0 {
			continue
		}
		if ttl < 0 {
			ttl = windowMs
		}
		if ttl > longestMs {
			longestMs = ttl
		}
	}

	window := AttemptWindow{OperatorFailures: int(ints[0]), CodeFailures: int(ints[2])}
	if longestMs > 0 {
		window.RetryAfterSeconds = int(math.Ceil(float64(longestMs) / 1000.0))
	}
	return window, nil
}
