package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces the provider plan's request budget atomically via a
// Redis Lua script. A GET then INCR pattern would race across workers; the
// script checks every window and increments only when all of them pass.
type RateLimiter struct {
	redis *redis.Client
	plan  string

	limitScript *redis.Script
}

// PlanLimits is the request budget of one provider plan.
type PlanLimits struct {
	RequestsPerSecond int
	RequestsPerMinute int
	DailyLimit        int
}

// planProfiles maps the configured provider plan to its budget. The
// production profile is sized so two workers draining 100-recipient
// batches stay under 800 messages/s.
var planProfiles = map[string]PlanLimits{
	"production":  {RequestsPerSecond: 8, RequestsPerMinute: 480, DailyLimit: 2000000},
	"starter":     {RequestsPerSecond: 2, RequestsPerMinute: 100, DailyLimit: 50000},
	"unthrottled": {RequestsPerSecond: 1000, RequestsPerMinute: 60000, DailyLimit: 100000000},
}

// limitLuaScript checks all windows before incrementing; counters only move
// when every window has room.
const limitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

// ErrDailyLimit is returned when the plan's daily budget is exhausted.
var ErrDailyLimit = fmt.Errorf("provider daily send limit exhausted")

// NewRateLimiter creates a rate limiter for the configured plan.
func NewRateLimiter(redisClient *redis.Client, plan string) (*RateLimiter, error) {
	if _, ok := planProfiles[plan]; !ok {
		return nil, fmt.Errorf("unknown provider plan %q", plan)
	}
	return &RateLimiter{
		redis:       redisClient,
		plan:        plan,
		limitScript: redis.NewScript(limitLuaScript),
	}, nil
}

// Allow atomically reserves n provider calls. When denied it returns the
// time to wait before retrying; an exhausted daily window returns
// ErrDailyLimit.
func (r *RateLimiter) Allow(ctx context.Context, n int) (bool, time.Duration, error) {
	limits := planProfiles[r.plan]
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", r.plan, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", r.plan, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", r.plan, now.Format("2006-01-02"))

	result, err := r.limitScript.Run(ctx, r.redis,
		[]string{secondKey, minuteKey, dailyKey},
		n,
		limits.RequestsPerSecond,
		limits.RequestsPerMinute,
		limits.DailyLimit,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL, 25 hours
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	allowed := result[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		return false, time.Second, nil
	case 2:
		return false, time.Duration(60-now.Second()) * time.Second, nil
	default:
		return false, 0, ErrDailyLimit
	}
}

// Usage reports current consumption against the plan budget.
func (r *RateLimiter) Usage(ctx context.Context) (map[string]int64, error) {
	limits := planProfiles[r.plan]
	now := time.Now()

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, fmt.Sprintf("ratelimit:%s:sec:%d", r.plan, now.Unix()))
	minCmd := pipe.Get(ctx, fmt.Sprintf("ratelimit:%s:min:%d", r.plan, now.Unix()/60))
	dayCmd := pipe.Get(ctx, fmt.Sprintf("ratelimit:%s:day:%s", r.plan, now.Format("2006-01-02")))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("rate limit usage: %w", err)
	}

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(limits.RequestsPerSecond),
		"minute_current": min,
		"minute_limit":   int64(limits.RequestsPerMinute),
		"daily_current":  day,
		"daily_limit":    int64(limits.DailyLimit),
	}, nil
}
