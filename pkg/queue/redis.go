package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list. Producers RPUSH, consumers
// BLPOP, so delivery order is FIFO per list.
type RedisQueue struct {
	client *redis.Client
	name   string
	dlq    string
}

// Dial connects to Redis using a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisQueue wraps an existing client. name is the work list, dlq the
// dead-letter list.
func NewRedisQueue(client *redis.Client, name, dlq string) *RedisQueue {
	return &RedisQueue{client: client, name: name, dlq: dlq}
}

func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("queue: rpush failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Take(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("queue: blpop failed: %w", err)
	}
	// BLPOP returns [list name, value].
	if len(res) != 2 {
		return nil, false, fmt.Errorf("queue: unexpected blpop reply of %d elements", len(res))
	}
	return []byte(res[1]), true, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: llen failed: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Park(ctx context.Context, payload []byte, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		Payload:  string(payload),
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to encode dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.dlq, entry).Err(); err != nil {
		return fmt.Errorf("queue: dead-letter rpush failed: %w", err)
	}
	return nil
}

// DeadLetterLength reports how many payloads are parked.
func (q *RedisQueue) DeadLetterLength(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.dlq).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: dead-letter llen failed: %w", err)
	}
	return n, nil
}
