package queue

import (
	"context"
	"encoding/json"
	"errors"

	"taskbridge/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	// DeadLetterKey is the redis list receiving evicted queue items.
	DeadLetterKey = "taskbridge:deadletter"
	// DeadLetterLimit caps the list; the oldest entries are trimmed.
	DeadLetterLimit = 1000
)

// DeadLetterSink receives items the queue gave up on.
type DeadLetterSink interface {
	Push(ctx context.Context, item models.QueueItem) error
}

// RedisDeadLetter appends evicted items to a redis list.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewRedisDeadLetter(client *redis.Client) *RedisDeadLetter {
	return &RedisDeadLetter{client: client, key: DeadLetterKey, limit: DeadLetterLimit}
}

func (d *RedisDeadLetter) Push(ctx context.Context, item models.QueueItem) error {
	if d == nil || d.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, d.key, data)
		if d.limit > 0 {
			pipe.LTrim(ctx, d.key, 0, d.limit-1)
		}
		return nil
	})
	return err
}

// List returns dead-lettered items, newest first.
func (d *RedisDeadLetter) List(ctx context.Context, limit int64) ([]models.QueueItem, error) {
	if d == nil || d.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := d.client.LRange(ctx, d.key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]models.QueueItem, 0, len(raw))
	for _, r := range raw {
		var item models.QueueItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
