// Package queue is the Redis-backed job broker for publish tasks.
//
// Jobs live on per-user lists and are claimed with an atomic move onto a
// per-worker processing list, which is what gives at-least-once delivery:
// a job is only removed from the processing list on Ack, so a crashed
// worker leaves it visible to the reconciliation pass. Results are kept
// in Redis with a TTL, mirroring the broker's result store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyQueues     = "pressline:queues"
	keyQueueFmt   = "pressline:queue:user:%d"
	keyJobFmt     = "pressline:job:%s"
	keyProcessFmt = "pressline:processing:%s"
	keyResultFmt  = "pressline:result:%s"
)

// ErrEmpty is returned by Dequeue when no queue held a ready job.
var ErrEmpty = errors.New("no jobs ready")

// Job references one publish task. The payload stays small on purpose;
// the article body lives in the task record, not the broker.
type Job struct {
	TaskID     string    `json:"task_id"`
	UserID     uint      `json:"user_id"`
	Platform   string    `json:"platform"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobState is the broker-side view of a job.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobStarted  JobState = "started"
	JobFinished JobState = "finished"
	JobFailed   JobState = "failed"
)

// Result is what Ack writes into the TTL'd result store.
type Result struct {
	TaskID     string    `json:"task_id"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
	FinishedAt time.Time `json:"finished_at"`
}

type Options struct {
	ResultTTL  time.Duration
	FailureTTL time.Duration
	JobTimeout time.Duration
}

type Broker struct {
	rdb  *redis.Client
	opts Options
}

func NewBroker(rdb *redis.Client, opts Options) *Broker {
	if opts.ResultTTL == 0 {
		opts.ResultTTL = time.Hour
	}
	if opts.FailureTTL == 0 {
		opts.FailureTTL = 24 * time.Hour
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Broker{rdb: rdb, opts: opts}
}

func NewClient(addr, username, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})
}

func userQueueKey(userID uint) string { return fmt.Sprintf(keyQueueFmt, userID) }
func jobKey(taskID string) string     { return fmt.Sprintf(keyJobFmt, taskID) }
func resultKey(taskID string) string  { return fmt.Sprintf(keyResultFmt, taskID) }

// Enqueue registers the job hash and pushes the task onto its user queue.
func (b *Broker) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	queue := userQueueKey(job.UserID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.TaskID), map[string]any{
		"state":       string(JobQueued),
		"queue":       queue,
		"payload":     payload,
		"enqueued_at": job.EnqueuedAt.Format(time.RFC3339),
	})
	pipe.Expire(ctx, jobKey(job.TaskID), b.opts.FailureTTL)
	pipe.SAdd(ctx, keyQueues, queue)
	pipe.LPush(ctx, queue, job.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue scans the registered queues once and atomically moves the first
// ready job onto the worker's processing list. Returns ErrEmpty when every
// queue was empty; callers are expected to back off briefly and retry.
func (b *Broker) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	queues, err := b.rdb.SMembers(ctx, keyQueues).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	processing := fmt.Sprintf(keyProcessFmt, workerID)
	for _, queue := range queues {
		taskID, err := b.rdb.LMove(ctx, queue, processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		payload, err := b.rdb.HGet(ctx, jobKey(taskID), "payload").Result()
		if err != nil {
			// Job hash expired or was cancelled between push and claim;
			// drop the dangling reference and keep scanning.
			b.rdb.LRem(ctx, processing, 1, taskID)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			b.rdb.LRem(ctx, processing, 1, taskID)
			return nil, fmt.Errorf("corrupt job payload for %s: %w", taskID, err)
		}

		b.rdb.HSet(ctx, jobKey(taskID), map[string]any{
			"state":      string(JobStarted),
			"worker_id":  workerID,
			"started_at": time.Now().Format(time.RFC3339),
		})
		return &job, nil
	}
	return nil, ErrEmpty
}

// Ack finishes a claimed job and writes its result with the appropriate TTL.
func (b *Broker) Ack(ctx context.Context, workerID string, taskID string, result Result) error {
	result.FinishedAt = time.Now()
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	state, ttl := JobFinished, b.opts.ResultTTL
	if !result.Success {
		state, ttl = JobFailed, b.opts.FailureTTL
	}

	processing := fmt.Sprintf(keyProcessFmt, workerID)
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, processing, 1, taskID)
	pipe.HSet(ctx, jobKey(taskID), "state", string(state))
	pipe.Expire(ctx, jobKey(taskID), ttl)
	pipe.Set(ctx, resultKey(taskID), payload, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Requeue puts a claimed job back at the head of its user queue, used when
// a worker shuts down before starting browser work.
func (b *Broker) Requeue(ctx context.Context, workerID string, job Job) error {
	processing := fmt.Sprintf(keyProcessFmt, workerID)
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, processing, 1, job.TaskID)
	pipe.HSet(ctx, jobKey(job.TaskID), "state", string(JobQueued))
	pipe.RPush(ctx, userQueueKey(job.UserID), job.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// CancelPending removes a still-queued job. Returns false when the job was
// no longer on its queue (already claimed or gone).
func (b *Broker) CancelPending(ctx context.Context, job Job) (bool, error) {
	removed, err := b.rdb.LRem(ctx, userQueueKey(job.UserID), 1, job.TaskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	if removed > 0 {
		b.rdb.Del(ctx, jobKey(job.TaskID))
	}
	return removed > 0, nil
}

// Exists reports whether the broker still knows the job as live: queued,
// actively claimed, or finished with an unexpired record. A started job
// whose claim is older than the job timeout counts as gone — the hash
// alone would outlive a crashed worker by the full failure TTL — and its
// orphaned processing entry is reaped on the way out. The reconciliation
// job treats a running task whose job has vanished as a lost worker.
func (b *Broker) Exists(ctx context.Context, taskID string) (bool, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to probe job: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	if JobState(fields["state"]) != JobStarted {
		return true, nil
	}
	startedAt, err := time.Parse(time.RFC3339, fields["started_at"])
	if err == nil && time.Since(startedAt) <= b.opts.JobTimeout {
		return true, nil
	}

	if workerID := fields["worker_id"]; workerID != "" {
		b.rdb.LRem(ctx, fmt.Sprintf(keyProcessFmt, workerID), 1, taskID)
	}
	b.rdb.Del(ctx, jobKey(taskID))
	return false, nil
}

// Stats summarizes queue depths for the operations endpoint.
func (b *Broker) Stats(ctx context.Context) (map[string]int64, error) {
	queues, err := b.rdb.SMembers(ctx, keyQueues).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	stats := make(map[string]int64, len(queues))
	for _, queue := range queues {
		depth, err := b.rdb.LLen(ctx, queue).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to measure queue %s: %w", queue, err)
		}
		stats[queue] = depth
	}
	return stats, nil
}

// PruneEmptyQueues drops registered queues that have drained, so Dequeue
// doesn't scan queues for users who stopped publishing long ago.
func (b *Broker) PruneEmptyQueues(ctx context.Context) error {
	queues, err := b.rdb.SMembers(ctx, keyQueues).Result()
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}
	for _, queue := range queues {
		depth, err := b.rdb.LLen(ctx, queue).Result()
		if err != nil {
			continue
		}
		if depth == 0 {
			b.rdb.SRem(ctx, keyQueues, queue)
		}
	}
	return nil
}
