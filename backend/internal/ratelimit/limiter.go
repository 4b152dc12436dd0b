package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitExceeded = errors.New("RATE_LIMIT_EXCEEDED")

// Rule 某类事件的滑动窗口限额。
type Rule struct {
	Limit  int
	Window time.Duration
}

type Options struct {
	Default   Rule
	Overrides map[string]Rule // 按事件类型覆盖，比如 document.edit 允许更高频
}

// Limiter 基于 redis zset 的滑动窗口限流。
// 整段判定在一个 lua 脚本里做，避免并发会话读改写竞态。
type Limiter struct {
	rdb       *redis.Client
	def       Rule
	overrides map[string]Rule
	now       func() time.Time
}

// KEYS[1] 窗口 zset；ARGV: 当前毫秒, 窗口毫秒, 限额, 成员标识
// 返回 {1, 0} 放行；{0, oldest} 拒绝，oldest 为窗口内最老一条的时间戳。
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    return {0, oldest[2]}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

func NewLimiter(rdb *redis.Client, opt Options) *Limiter {
	if opt.Default.Limit <= 0 {
		opt.Default.Limit = 10
	}
	if opt.Default.Window <= 0 {
		opt.Default.Window = 60 * time.Second
	}
	return &Limiter{
		rdb:       rdb,
		def:       opt.Default,
		overrides: opt.Overrides,
		now:       time.Now,
	}
}

func (l *Limiter) ruleFor(event string) Rule {
	if r, ok := l.overrides[event]; ok {
		return r
	}
	return l.def
}

// Allow 判定会话的某类事件此刻是否放行。
// 拒绝时返回 ErrRateLimitExceeded 和建议的重试等待时间。
// redis 不可用时放行（限流是保护手段，不能变成单点故障）。
func (l *Limiter) Allow(ctx context.Context, sessionID, event string) (time.Duration, error) {
	rule := l.ruleFor(event)
	now := l.now()
	nowMs := now.UnixMilli()
	key := fmt.Sprintf("ratelimit:%s:%s", sessionID, event)
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{key},
		nowMs, rule.Window.Milliseconds(), rule.Limit, member).Slice()
	if err != nil {
		log.Printf("ratelimit: redis unavailable, fail open: %v", err)
		return 0, nil
	}
	if len(res) != 2 {
		log.Printf("ratelimit: unexpected script reply %v, fail open", res)
		return 0, nil
	}
	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return 0, nil
	}

	// 最老一条滑出窗口的时刻就是下一次配额释放的时刻
	retryAfter := rule.Window
	if s, ok := res[1].(string); ok {
		if oldest, perr := strconv.ParseFloat(s, 64); perr == nil {
			wait := time.Duration(int64(oldest)+rule.Window.Milliseconds()-nowMs) * time.Millisecond
			if wait > 0 && wait < retryAfter {
				retryAfter = wait
			}
		}
	}
	return retryAfter, ErrRateLimitExceeded
}
