package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "analysis:ready"
	inflightKey  = "analysis:inflight"
	scheduledKey = "analysis:scheduled"
	dlqKey       = "analysis:dlq"
)

// Task is the unit of work handed to the analysis worker.
type Task struct {
	SessionID  string    `json:"sessionId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is a Redis-backed work queue with visibility-timeout leases. A
// dequeued task moves to an in-flight set scored by lease deadline; tasks
// whose lease lapses are requeued so a crashed worker never loses work.
type Queue struct {
	rdb               *redis.Client
	visibilityTimeout time.Duration
}

func New(rdb *redis.Client, visibilityTimeout time.Duration) *Queue {
	return &Queue{rdb: rdb, visibilityTimeout: visibilityTimeout}
}

// VisibilityTimeout reports the lease duration granted on dequeue.
func (q *Queue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

// dequeueScript atomically pops the oldest ready task and records its lease.
var dequeueScript = redis.NewScript(`
local payload = redis.call('RPOP', KEYS[1])
if not payload then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], payload)
return payload
`)

// Enqueue pushes a task onto the ready queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Schedule parks a task until runAt. Scheduled tasks live in a sorted set
// scored by their run time so a worker restart cannot lose a pending retry.
func (q *Queue) Schedule(ctx context.Context, task Task, runAt time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	member := redis.Z{Score: float64(runAt.UnixMilli()), Member: payload}
	if err := q.rdb.ZAdd(ctx, scheduledKey, member).Err(); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	return nil
}

// PromoteScheduled moves tasks whose run time has arrived onto the ready
// queue. Returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", now.UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled tasks: %w", err)
	}
	promoted := 0
	for _, payload := range due {
		removed, err := q.rdb.ZRem(ctx, scheduledKey, payload).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove scheduled task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey, payload).Err(); err != nil {
			return promoted, fmt.Errorf("promote scheduled task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// DequeueWithLease pops the oldest ready task under a lease. Returns ok=false
// when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context, now time.Time) (Task, string, bool, error) {
	deadline := now.Add(q.visibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.rdb, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return Task{}, "", false, nil
	}
	if err != nil {
		return Task{}, "", false, fmt.Errorf("dequeue task: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return Task{}, "", false, fmt.Errorf("dequeue task: unexpected reply %T", res)
	}
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return Task{}, "", false, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, payload, true, nil
}

// Ack removes a completed task from the in-flight set.
func (q *Queue) Ack(ctx context.Context, lease string) error {
	if err := q.rdb.ZRem(ctx, inflightKey, lease).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// ExtendLease pushes a task's lease deadline out for long-running pipelines.
func (q *Queue) ExtendLease(ctx context.Context, lease string, now time.Time) error {
	deadline := float64(now.Add(q.visibilityTimeout).UnixMilli())
	if err := q.rdb.ZAdd(ctx, inflightKey, redis.Z{Score: deadline, Member: lease}).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// RequeueExpired moves tasks with lapsed leases back onto the ready queue.
// Returns how many were recovered.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", now.UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	recovered := 0
	for _, payload := range expired {
		removed, err := q.rdb.ZRem(ctx, inflightKey, payload).Result()
		if err != nil {
			return recovered, fmt.Errorf("remove expired lease: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey, payload).Err(); err != nil {
			return recovered, fmt.Errorf("requeue expired task: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

// DLQPush parks a task that exhausted its attempts.
func (q *Queue) DLQPush(ctx context.Context, task Task, reason string) error {
	entry := struct {
		Task     Task      `json:"task"`
		Reason   string    `json:"reason"`
		FailedAt time.Time `json:"failedAt"`
	}{task, reason, time.Now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := q.rdb.LPush(ctx, dlqKey, payload).Err(); err != nil {
		return fmt.Errorf("push dlq entry: %w", err)
	}
	return nil
}

// DLQPeek returns up to n dead-letter payloads without removing them.
func (q *Queue) DLQPeek(ctx context.Context, n int64) ([]string, error) {
	entries, err := q.rdb.LRange(ctx, dlqKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dlq: %w", err)
	}
	return entries, nil
}

// ReadyDepth reports how many tasks are waiting.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	depth, err := q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	return depth, nil
}

// InFlightCount reports how many tasks hold an active lease.
func (q *Queue) InFlightCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, inflightKey).Result()
	if err != nil {
		return 0, fmt.Errorf("inflight count: %w", err)
	}
	return n, nil
}
