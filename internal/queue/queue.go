// Package queue is the Redis-backed work queue for asynchronous deductions.
// Jobs move through a main list, a processing list and a delayed sorted set:
// delivery is at-least-once, and contended or failed jobs come back with a
// delay instead of spinning.
package queue

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyMain       = "track:queue"
	keyProcessing = "track:processing"
	keyDelayed    = "track:delayed"

	promoteBatch = 100
)

// TrackJob is one queued deduction.
type TrackJob struct {
	OrgID          string         `json:"organization_id"`
	CustomerID     string         `json:"customer_id"`
	FeatureKey     string         `json:"feature_key"`
	EntityID       string         `json:"entity_id,omitempty"`
	Amount         float64        `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Attempts       int            `json:"attempts"`
}

// Delivery pairs a decoded job with its raw payload so Ack and Requeue can
// remove exactly this entry from the processing list.
type Delivery struct {
	Job TrackJob
	raw string
}

// promoteScript moves due delayed jobs back onto the main list atomically.
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, payload in ipairs(due) do
  redis.call("LPUSH", KEYS[2], payload)
  redis.call("ZREM", KEYS[1], payload)
end
return #due
`

type Queue struct {
	client  *redis.Client
	promote *redis.Script
	log     *zap.Logger
}

func New(client *redis.Client, log *zap.Logger) *Queue {
	if client == nil {
		return nil
	}
	return &Queue{
		client:  client,
		promote: redis.NewScript(promoteScript),
		log:     log.Named("queue"),
	}
}

// Enabled reports whether a Redis backend is configured.
func (q *Queue) Enabled() bool { return q != nil }

// Enqueue pushes a job for immediate processing.
func (q *Queue) Enqueue(ctx context.Context, job TrackJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, keyMain, payload).Err()
}

// EnqueueDelayed schedules a job to become visible after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, job TrackJob, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: score, Member: payload}).Err()
}

// Dequeue promotes due delayed jobs, then blocks up to timeout for the next
// job. Returns nil on timeout. The job stays on the processing list until
// Ack or Requeue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.log.Warn("delayed promotion failed", zap.Error(err))
	}

	raw, err := q.client.BLMove(ctx, keyMain, keyProcessing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var job TrackJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison payload: drop it rather than wedge the queue.
		q.log.Error("dropping undecodable job", zap.Error(err))
		q.client.LRem(ctx, keyProcessing, 1, raw)
		return nil, nil
	}
	return &Delivery{Job: job, raw: raw}, nil
}

// Ack removes a completed job from the processing list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	return q.client.LRem(ctx, keyProcessing, 1, d.raw).Err()
}

// Requeue puts an unfinished job back with a delay, bumping its attempt
// counter. Used on lock contention and transient failures.
func (q *Queue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return nil
	}
	if err := q.client.LRem(ctx, keyProcessing, 1, d.raw).Err(); err != nil {
		return err
	}
	job := d.Job
	job.Attempts++
	return q.EnqueueDelayed(ctx, job, delay)
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	return q.promote.Run(ctx, q.client,
		[]string{keyDelayed, keyMain},
		now, promoteBatch,
	).Err()
}
