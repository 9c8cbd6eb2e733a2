package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pendingKey = "notifications:pending"
	retryKey   = "notifications:retry"
	deadKey    = "notifications:dead"
)

type envelope struct {
	Job      Job `json:"job"`
	Attempts int `json:"attempts"`
}

// RedisQueue implements Enqueuer on a Redis list, with a sorted set holding
// jobs waiting out their retry backoff.
type RedisQueue struct {
	client      *redis.Client
	log         *zerolog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// NewRedis builds a queue over an existing Redis client.
func NewRedis(client *redis.Client, logger *zerolog.Logger, maxAttempts int, backoffBase time.Duration) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &RedisQueue{client: client, log: logger, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// Enqueue pushes a job onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	frame, err := json.Marshal(envelope{Job: job})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, pendingKey, frame).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Run processes jobs until the context is cancelled. Each failed attempt is
// rescheduled with exponential backoff; jobs that exhaust the attempt budget
// land on the dead list.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			q.log.Warn().Err(err).Msg("promote retry jobs")
		}

		res, err := q.client.BLPop(ctx, time.Second, pendingKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.log.Warn().Err(err).Msg("pop notification job")
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			q.log.Warn().Err(err).Msg("malformed notification job")
			continue
		}

		env.Attempts++
		if err := handler(ctx, env.Job); err != nil {
			q.retry(ctx, env, err)
			continue
		}
		q.log.Debug().Str("user_id", env.Job.UserID).Str("type", env.Job.Type).Msg("notification job done")
	}
}

// retry reschedules the job or moves it to the dead list.
func (q *RedisQueue) retry(ctx context.Context, env envelope, cause error) {
	frame, err := json.Marshal(env)
	if err != nil {
		q.log.Error().Err(err).Msg("marshal retry envelope")
		return
	}
	if env.Attempts >= q.maxAttempts {
		q.log.Error().Err(cause).Str("user_id", env.Job.UserID).Int("attempts", env.Attempts).Msg("notification job exhausted")
		if err := q.client.RPush(ctx, deadKey, frame).Err(); err != nil {
			q.log.Warn().Err(err).Msg("push dead job")
		}
		return
	}

	readyAt := time.Now().Add(Backoff(q.backoffBase, env.Attempts))
	q.log.Warn().Err(cause).Str("user_id", env.Job.UserID).Int("attempt", env.Attempts).Time("retry_at", readyAt).Msg("notification job failed")
	if err := q.client.ZAdd(ctx, retryKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: frame}).Err(); err != nil {
		q.log.Warn().Err(err).Msg("schedule retry")
	}
}

// promoteDue moves jobs whose backoff has elapsed back onto the pending list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	frames, err := q.client.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if removed, err := q.client.ZRem(ctx, retryKey, frame).Result(); err != nil || removed == 0 {
			continue // another worker claimed it
		}
		if err := q.client.RPush(ctx, pendingKey, frame).Err(); err != nil {
			return err
		}
	}
	return nil
}
