package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter bounds how much publish work one user can hold in flight:
// a concurrent-task counter plus a sliding one-minute window for new
// enqueues. Redis failures fail open so a broker hiccup never blocks
// publishing outright.
type RateLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger

	maxConcurrent int
	maxPerMinute  int
	window        time.Duration
}

func NewRateLimiter(rdb *redis.Client, logger *zap.Logger, maxConcurrent, maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		rdb:           rdb,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		maxPerMinute:  maxPerMinute,
		window:        time.Minute,
	}
}

func (l *RateLimiter) concurrentKey(userID uint) string {
	return fmt.Sprintf("pressline:ratelimit:user:%d:concurrent", userID)
}

func (l *RateLimiter) rateKey(userID uint) string {
	return fmt.Sprintf("pressline:ratelimit:user:%d:rate", userID)
}

// Stats is surfaced to the caller when an enqueue is rejected.
type LimiterStats struct {
	ConcurrentTasks    int `json:"concurrent_tasks"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	TasksInLastMinute  int `json:"tasks_in_last_minute"`
	MaxTasksPerMinute  int `json:"max_tasks_per_minute"`
}

// Acquire takes a slot for the user, or reports false when either limit
// is hit. The concurrent counter carries an expiry as a backstop against
// leaked slots from crashed processes.
func (l *RateLimiter) Acquire(ctx context.Context, userID uint) bool {
	current, err := l.rdb.Get(ctx, l.concurrentKey(userID)).Int()
	if err != nil && err != redis.Nil {
		l.logger.Warn("Rate limiter unavailable, allowing task",
			zap.Uint("user_id", userID), zap.Error(err))
		return true
	}
	if current >= l.maxConcurrent {
		l.logger.Warn("User over concurrent task limit",
			zap.Uint("user_id", userID), zap.Int("concurrent", current))
		return false
	}

	if !l.checkRateWindow(ctx, userID) {
		return false
	}

	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, l.concurrentKey(userID))
	pipe.Expire(ctx, l.concurrentKey(userID), time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Failed to record rate limit token", zap.Error(err))
	}
	return true
}

func (l *RateLimiter) checkRateWindow(ctx context.Context, userID uint) bool {
	key := l.rateKey(userID)
	now := time.Now()
	windowStart := now.Add(-l.window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", float64(windowStart.UnixNano())/1e9))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Rate window unavailable, allowing task",
			zap.Uint("user_id", userID), zap.Error(err))
		return true
	}

	if int(count.Val()) >= l.maxPerMinute {
		l.logger.Warn("User over per-minute task limit",
			zap.Uint("user_id", userID), zap.Int64("recent", count.Val()))
		return false
	}

	score := float64(now.UnixNano()) / 1e9
	pipe = l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: fmt.Sprintf("%f", score)})
	pipe.Expire(ctx, key, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Failed to record rate window entry", zap.Error(err))
	}
	return true
}

// Release frees a concurrent slot, never dropping below zero.
func (l *RateLimiter) Release(ctx context.Context, userID uint) {
	key := l.concurrentKey(userID)
	remaining, err := l.rdb.Decr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("Failed to release rate limit token",
			zap.Uint("user_id", userID), zap.Error(err))
		return
	}
	if remaining < 0 {
		l.rdb.Set(ctx, key, 0, time.Hour)
	}
}

// Stats returns the user's current limiter occupancy.
func (l *RateLimiter) Stats(ctx context.Context, userID uint) LimiterStats {
	stats := LimiterStats{
		MaxConcurrentTasks: l.maxConcurrent,
		MaxTasksPerMinute:  l.maxPerMinute,
	}
	if current, err := l.rdb.Get(ctx, l.concurrentKey(userID)).Int(); err == nil {
		stats.ConcurrentTasks = current
	}
	if recent, err := l.rdb.ZCard(ctx, l.rateKey(userID)).Result(); err == nil {
		stats.TasksInLastMinute = int(recent)
	}
	return stats
}
