package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"oss.nandlabs.io/hookforge/l3"
)

var logger = l3.Get()

// fieldSep separates a Task's name from its args, and each arg from the
// next, in the wire encoding stored in Redis.
const fieldSep = "\x1f"

func encodeTask(task Task) string {
	parts := append([]string{task.Name}, task.Args...)
	return strings.Join(parts, fieldSep)
}

func decodeTask(raw string) Task {
	parts := strings.Split(raw, fieldSep)
	if len(parts) == 0 {
		return Task{}
	}
	return Task{Name: parts[0], Args: parts[1:]}
}

func listKey(taskName string) string {
	return "hookforge:broker:queue:" + taskName
}

func delayedKey(taskName string) string {
	return "hookforge:broker:delayed:" + taskName
}

// RedisBroker is a Broker backed by Redis: a list per task name for
// immediate point-to-point delivery (via BLPOP), and a sorted set per task
// name (scored by eta, as a Unix timestamp) for delayed delivery. Each
// Consume loop moves its task name's due members from the sorted set to
// the list on every pollEvery tick.
type RedisBroker struct {
	client    *redis.Client
	pollEvery time.Duration
	stopCh    chan struct{}
	taskNames sync.Map // taskName (string) -> struct{}, written concurrently by Consume
}

// NewRedisBroker wraps an existing *redis.Client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client:    client,
		pollEvery: 500 * time.Millisecond,
		stopCh:    make(chan struct{}),
	}
}

// OpenRedisBroker parses a redis:// URL and dials a client for it.
func OpenRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBroker(redis.NewClient(opts)), nil
}

func (r *RedisBroker) Enqueue(ctx context.Context, task Task, eta time.Time) error {
	encoded := encodeTask(task)
	if eta.IsZero() || !eta.After(time.Now()) {
		return r.client.RPush(ctx, listKey(task.Name), encoded).Err()
	}
	return r.client.ZAdd(ctx, delayedKey(task.Name), redis.Z{
		Score:  float64(eta.Unix()),
		Member: encoded,
	}).Err()
}

// promoteDue moves delayed members whose eta has passed into the
// immediate-delivery list for taskName.
func (r *RedisBroker) promoteDue(ctx context.Context, taskName string) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := r.client.ZRangeByScore(ctx, delayedKey(taskName), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		removed, err := r.client.ZRem(ctx, delayedKey(taskName), m).Result()
		if err != nil || removed == 0 {
			// Another poller already claimed this member.
			continue
		}
		if err := r.client.RPush(ctx, listKey(taskName), m).Err(); err != nil {
			logger.ErrorF("broker: failed to promote delayed task: %v", err)
		}
	}
}

func (r *RedisBroker) Consume(ctx context.Context, taskName string, handler Handler) error {
	r.taskNames.Store(taskName, struct{}{})
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.promoteDue(ctx, taskName)
		default:
		}

		result, err := r.client.BLPop(ctx, r.pollEvery, listKey(taskName)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.ErrorF("broker: BLPOP error: %v", err)
			continue
		}
		if len(result) < 2 {
			continue
		}
		task := decodeTask(result[1])
		if err := handler(ctx, task); err != nil {
			// Late-ack semantics: redeliver by pushing back immediately.
			if pushErr := r.client.RPush(ctx, listKey(taskName), result[1]).Err(); pushErr != nil {
				logger.ErrorF("broker: failed to redeliver task: %v", pushErr)
			}
		}
	}
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}
