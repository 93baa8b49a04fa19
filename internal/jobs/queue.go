package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue hands job ids from the submission path to background workers.
// Deployments choose the in-process queue or the Redis list.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// MemQueue is the single-process queue.
type MemQueue struct {
	ch chan string
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemQueue{ch: make(chan string, capacity)}
}

func (q *MemQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

const redisQueueKey = "skybuild:jobs:queue"

// RedisQueue backs the queue with a Redis list so multiple server
// processes can share one worker pool.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, redisQueueKey, jobID).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		res, err := q.rdb.BRPop(ctx, 5*time.Second, redisQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if err != nil {
			return "", err
		}
		// BRPOP returns [key, value].
		return res[1], nil
	}
}
