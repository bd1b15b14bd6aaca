// Package queue implements the Queue Abstraction: named FIFO
// queues with at-least-once delivery, visibility timeouts, automatic
// poison-queue promotion, and credentialed consumer handles for
// agents. The backend is github.com/go-redis/redis/v8, using the
// sorted-set-as-delay-queue idiom common to Redis-backed job queues:
// a single ZSET doubles as the ready queue and the in-flight set, the
// member's score being the next instant at which it becomes visible
// again.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/auth"
	"github.com/onefuzz/controlplane/pkg/metrics"
)

// MaxDequeue is the number of times a message may be popped without
// being deleted before it is moved to the poison queue.
const MaxDequeue = 5

// MaxBackoff and BackoffJitter bound the exponential requeue delay.
const (
	MaxBackoff    = 48 * time.Hour
	BackoffJitter = 6 * time.Hour
)

// DefaultVisibilityTimeout is how long a popped message stays invisible
// to other consumers before it is eligible for redelivery.
const DefaultVisibilityTimeout = 5 * time.Minute

// ErrEmpty is returned by Pop when no message is currently visible.
var ErrEmpty = errors.New("queue: empty")

// Message is a single dequeued envelope.
type Message struct {
	ID       string
	Body     []byte
	Dequeues int
}

// Queue is a Redis-backed named FIFO queue abstraction.
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func readyKey(name string) string { return "queue:{" + name + "}:ready" }
func msgsKey(name string) string  { return "queue:{" + name + "}:msgs" }

// PoisonName returns the poison-queue name paired with name.
func PoisonName(name string) string { return name + "-poison" }

// Reserved queue names owned by the control plane itself rather than
// any Pool or Task; the retention driver never reaps these.
var Reserved = map[string]bool{
	"node-heartbeat": true,
	"task-heartbeat": true,
	"file-changes":   true,
	"webhooks":       true,
	"proxy":          true,
	"signalr-events": true,
	"custom-metrics": true,
}

type envelope struct {
	Body     []byte `json:"body"`
	Dequeues int    `json:"dequeues"`
}

// CreateQueue is a no-op for the Redis backend beyond establishing
// that the keys exist; Redis creates keys lazily on first write, so
// this simply confirms connectivity.
func (q *Queue) CreateQueue(ctx context.Context, name string) error {
	return q.client.Ping(ctx).Err()
}

// DeleteQueue removes every message and metadata key for name.
func (q *Queue) DeleteQueue(ctx context.Context, name string) error {
	return q.client.Del(ctx, readyKey(name), msgsKey(name)).Err()
}

// ListQueues enumerates every queue with at least one key in Redis,
// live or abandoned, by scanning the ready-key namespace. Used by the
// retention driver to reap queues whose owning entity is gone.
func (q *Queue) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, "queue:{*}:ready", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan queue keys")
		}
		for _, key := range keys {
			name := key[len("queue:{") : len(key)-len("}:ready")]
			names = append(names, name)
		}
		cursor = next
		if cursor == 0 {
			return names, nil
		}
	}
}

// Enqueue adds a message to queue, optionally delayed before becoming
// visible.
func (q *Queue) Enqueue(ctx context.Context, queueName string, body []byte, visibilityDelay time.Duration) (string, error) {
	id := newMessageID()
	env := envelope{Body: body, Dequeues: 0}
	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "marshal envelope")
	}

	visibleAt := time.Now().Add(visibilityDelay)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, msgsKey(queueName), id, data)
	pipe.ZAdd(ctx, readyKey(queueName), &redis.Z{Score: float64(visibleAt.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrap(err, "enqueue")
	}
	return id, nil
}

// popScript atomically claims the single oldest visible message: it
// finds the lowest-scoring member with score <= now, bumps its
// dequeue counter, and re-scores it to now+visibilityTimeout so
// concurrent poppers don't also claim it.
var popScript = redis.NewScript(`
local ready = KEYS[1]
local msgs = KEYS[2]
local now = tonumber(ARGV[1])
local visible_until = tonumber(ARGV[2])

local ids = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
  return nil
end

local id = ids[1]
local raw = redis.call('HGET', msgs, id)
if not raw then
  redis.call('ZREM', ready, id)
  return nil
end

redis.call('ZADD', ready, visible_until, id)
return {id, raw}
`)

// Pop reserves the oldest visible message for visibilityTimeout,
// returning ErrEmpty when no message is visible. A message whose dequeue
// count exceeds MaxDequeue is moved to the poison queue instead of
// being returned, and Pop recurses to try the next one.
func (q *Queue) Pop(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*Message, error) {
	now := time.Now()
	visibleUntil := now.Add(visibilityTimeout)

	res, err := popScript.Run(ctx, q.client,
		[]string{readyKey(queueName), msgsKey(queueName)},
		now.UnixNano(), visibleUntil.UnixNano(),
	).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "pop")
	}
	if res == nil {
		return nil, ErrEmpty
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, errors.New("queue: malformed pop result")
	}
	id := pair[0].(string)
	raw := []byte(pair[1].(string))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	env.Dequeues++

	if env.Dequeues > MaxDequeue {
		if err := q.moveToPoison(ctx, queueName, id, env); err != nil {
			return nil, err
		}
		return q.Pop(ctx, queueName, visibilityTimeout)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	if err := q.client.HSet(ctx, msgsKey(queueName), id, data).Err(); err != nil {
		return nil, errors.Wrap(err, "persist dequeue count")
	}

	return &Message{ID: id, Body: env.Body, Dequeues: env.Dequeues}, nil
}

// moveToPoison implements the dead-letter rule: the 6th
// dequeue finds the message moved to <queue>-poison rather than
// redelivered.
func (q *Queue) moveToPoison(ctx context.Context, queueName, id string, env envelope) error {
	poison := PoisonName(queueName)
	data, err := json.Marshal(envelope{Body: env.Body, Dequeues: 0})
	if err != nil {
		return errors.Wrap(err, "marshal poison envelope")
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, readyKey(queueName), id)
	pipe.HDel(ctx, msgsKey(queueName), id)
	pipe.HSet(ctx, poisonMsgsKey(poison), id, data)
	pipe.ZAdd(ctx, poisonReadyKey(poison), &redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "move to poison queue")
	}
	metrics.QueuePoisonTotal.WithLabelValues(queueName).Inc()
	return nil
}

func poisonReadyKey(poisonName string) string { return readyKey(poisonName) }
func poisonMsgsKey(poisonName string) string  { return msgsKey(poisonName) }

// Delete commits consumption of a previously popped message.
func (q *Queue) Delete(ctx context.Context, queueName, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, readyKey(queueName), messageID)
	pipe.HDel(ctx, msgsKey(queueName), messageID)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "delete message")
}

// GrantConsumerCredential hands back an opaque, time-bounded handle
// carrying Read|Update|Process rights over a single queue, for an
// agent to consume its Pool's queue directly.
func (q *Queue) GrantConsumerCredential(issuer *auth.Issuer, queueName string, duration time.Duration) (string, error) {
	return issuer.IssueQueueCredential(queueName, []auth.QueueRight{auth.RightRead, auth.RightUpdate, auth.RightProcess}, duration)
}

// Depth reports the approximate number of visible-or-in-flight
// messages in queue, for pkg/metrics.QueueDepth.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.ZCard(ctx, readyKey(queueName)).Result()
}

// RequeueBackoff computes the visibility delay for the n-th manual
// requeue: 5^n minutes, capped at MaxBackoff ± BackoffJitter. The
// jitter applies only at the cap, where every hot message would
// otherwise wake at the same instant; below it the exponential spread
// is separation enough.
func RequeueBackoff(n int) time.Duration {
	minutes := math.Pow(5, float64(n))
	delay := time.Duration(minutes) * time.Minute
	if delay < MaxBackoff && delay > 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(2*BackoffJitter))) - BackoffJitter
	return MaxBackoff + jitter
}

// Requeue re-enqueues body onto queueName with the backoff delay for
// attempt n, then deletes the original message.
func (q *Queue) Requeue(ctx context.Context, queueName string, msg *Message, attempt int) error {
	delay := RequeueBackoff(attempt)
	if _, err := q.Enqueue(ctx, queueName, msg.Body, delay); err != nil {
		return errors.Wrap(err, "requeue")
	}
	return q.Delete(ctx, queueName, msg.ID)
}

var idCounter uint64

func newMessageID() string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}
