package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"imageflow/internal/config"
)

// Queue is the notification-queue boundary: durable, at-least-once delivery
// of upload-event messages. Ready messages live in a Redis list; leased
// messages sit in an in-flight zset scored by their visibility deadline, so a
// consumer crash surfaces them again after the timeout.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// Delivery is one leased message. Token identifies the lease for Ack.
type Delivery struct {
	MessageID  string            `json:"message_id"`
	Body       json.RawMessage   `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`

	token string
}

// New builds a queue client from config.
func New(cfg config.RedisConfig, qcfg config.QueueConfig) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, qcfg)
}

// NewWithClient wraps an existing Redis client (used by tests with miniredis).
func NewWithClient(client *redis.Client, qcfg config.QueueConfig) *Queue {
	name := qcfg.Name
	if name == "" {
		name = "queue:upload-events"
	}
	visibility := qcfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:        client,
		readyKey:      name,
		inflightKey:   name + ":inflight",
		visibilityTTL: visibility,
	}
}

// Publish enqueues one message with its attributes and returns the message id.
func (q *Queue) Publish(ctx context.Context, body []byte, attributes map[string]string) (string, error) {
	d := Delivery{
		MessageID:  uuid.New().String(),
		Body:       body,
		Attributes: attributes,
	}
	envelope, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, envelope).Err(); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return d.MessageID, nil
}

// Dequeue leases up to max messages, moving each into the in-flight zset
// with a visibility deadline. Returns an empty slice when the queue is idle.
func (q *Queue) Dequeue(ctx context.Context, max int) ([]Delivery, error) {
	deliveries := make([]Delivery, 0, max)
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()

	for i := 0; i < max; i++ {
		res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return deliveries, fmt.Errorf("dequeue: %w", err)
		}
		envelope, ok := res.(string)
		if !ok {
			return deliveries, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}

		var d Delivery
		if err := json.Unmarshal([]byte(envelope), &d); err != nil {
			// Poison entry: drop the lease so it does not loop forever.
			_ = q.client.ZRem(ctx, q.inflightKey, envelope).Err()
			return deliveries, fmt.Errorf("unmarshal envelope: %w", err)
		}
		d.token = envelope
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Ack removes a leased message for good.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	if d.token == "" {
		return fmt.Errorf("delivery %s has no lease token", d.MessageID)
	}
	if err := q.client.ZRem(ctx, q.inflightKey, d.token).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return nil
}

// RequeueExpired reclaims leases whose visibility deadline has passed,
// putting the messages back at the head of the ready list. Returns how many
// were reclaimed.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	envelopes, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(envelopes) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, envelope := range envelopes {
		pipe.ZRem(ctx, q.inflightKey, envelope)
		pipe.LPush(ctx, q.readyKey, envelope)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return len(envelopes), nil
}

// Depth returns the number of ready messages.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var dequeueScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)
