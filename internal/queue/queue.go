// Package queue schedules delayed status polls in Redis. Polls are a safety
// net for lost webhooks, so the queue is a sorted set keyed by due time
// rather than a FIFO list: each member is a generation id scored by the unix
// time its poll becomes due.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const pollSetKey = "polls:due"

type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueuePoll schedules a poll for the generation at runAt. Re-enqueueing the
// same generation replaces its due time, so a generation holds at most one
// pending poll.
func (q *Queue) EnqueuePoll(ctx context.Context, generationID uuid.UUID, runAt time.Time) error {
	err := q.client.ZAdd(ctx, pollSetKey, &redis.Z{
		Score:  float64(runAt.Unix()),
		Member: generationID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule poll: %w", err)
	}
	return nil
}

// DuePolls pops up to limit generation ids whose poll time has passed.
// Read and remove are separate commands; with multiple drainers a poll can
// fire twice, which is safe because poll results are idempotent downstream.
func (q *Queue) DuePolls(ctx context.Context, limit int) ([]uuid.UUID, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	members, err := q.client.ZRangeByScore(ctx, pollSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due polls: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	removeArgs := make([]interface{}, len(members))
	ids := make([]uuid.UUID, 0, len(members))
	for i, m := range members {
		removeArgs[i] = m
		id, err := uuid.Parse(m)
		if err != nil {
			// Garbage member: drop it and move on.
			continue
		}
		ids = append(ids, id)
	}

	if err := q.client.ZRem(ctx, pollSetKey, removeArgs...).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove due polls: %w", err)
	}
	return ids, nil
}

// PendingPolls returns the number of scheduled polls, due or not.
func (q *Queue) PendingPolls(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, pollSetKey).Result()
}
