// Package redisq implements an at-least-once work queue on Redis lists.
//
// A message moves atomically from the incoming list to "<name>:processing"
// when reserved, and leaves it either on acknowledgement or by being moved to
// "<name>:dead-letter". Reservations carry a lease in "<name>:leases" so that
// messages stranded by a crash can be reclaimed.
package redisq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processingSuffix = ":processing"
	deadLetterSuffix = ":dead-letter"
	leasesSuffix     = ":leases"

	DefaultLeaseTTL = 5 * time.Minute
)

// ErrEmpty is returned by Reserve when no message arrived within the block
// timeout.
var ErrEmpty = errors.New("queue empty")

var ackScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], -1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return removed
`)

var deadLetterScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], -1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[2])
return removed
`)

// Members of the processing list without a lease get one that expires at
// ARGV[2]; members whose lease expired before ARGV[1] go back to the head of
// the incoming list.
var reclaimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local items = redis.call("LRANGE", KEYS[1], 0, -1)
local moved = 0
for _, item in ipairs(items) do
  local score = redis.call("ZSCORE", KEYS[2], item)
  if not score then
    redis.call("ZADD", KEYS[2], ARGV[2], item)
  elseif tonumber(score) <= now then
    if redis.call("LREM", KEYS[1], 1, item) > 0 then
      redis.call("LPUSH", KEYS[3], item)
      moved = moved + 1
    end
    redis.call("ZREM", KEYS[2], item)
  end
end
return moved
`)

type Message struct {
	Queue      string
	Body       string
	ReservedAt time.Time
}

// DeadLetter is the record appended to the dead-letter list.
type DeadLetter struct {
	Queue     string    `json:"queue"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Payload   string    `json:"payload_base64"`
	Timestamp time.Time `json:"timestamp"`
}

// Body decodes the original message payload.
func (d DeadLetter) Body() (string, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Payload)
	if err != nil {
		return "", fmt.Errorf("decode dead letter payload: %w", err)
	}
	return string(raw), nil
}

type Stats struct {
	Incoming   int64 `json:"incoming"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

type Queue struct {
	client   redis.UniversalClient
	name     string
	leaseTTL time.Duration
	now      func() time.Time
}

type Option func(*Queue)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:   client,
		name:     name,
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string           { return q.name }
func (q *Queue) ProcessingName() string { return q.name + processingSuffix }
func (q *Queue) DeadLetterName() string { return q.name + deadLetterSuffix }
func (q *Queue) LeasesName() string     { return q.name + leasesSuffix }

// Push appends a message to the tail of the incoming list.
func (q *Queue) Push(ctx context.Context, body []byte) error {
	if err := q.client.RPush(ctx, q.name, body).Err(); err != nil {
		return fmt.Errorf("push %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) PushJSON(ctx context.Context, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", q.name, err)
	}
	return q.Push(ctx, body)
}

// Reserve moves the head of the incoming list to the processing list,
// blocking up to block. A zero block polls without waiting.
func (q *Queue) Reserve(ctx context.Context, block time.Duration) (*Message, error) {
	var (
		body string
		err  error
	)
	if block > 0 {
		body, err = q.client.BLMove(ctx, q.name, q.ProcessingName(), "LEFT", "RIGHT", block).Result()
	} else {
		body, err = q.client.LMove(ctx, q.name, q.ProcessingName(), "LEFT", "RIGHT").Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("reserve %s: %w", q.name, err)
	}

	now := q.now()
	lease := redis.Z{Score: float64(now.Add(q.leaseTTL).UnixMilli()), Member: body}
	// A failed lease write is not fatal: the reclaimer grants a grace lease to
	// lease-less members.
	_ = q.client.ZAdd(ctx, q.LeasesName(), lease).Err()
	return &Message{Queue: q.name, Body: body, ReservedAt: now}, nil
}

// Ack removes a processed message and its lease.
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	if err := ackScript.Run(ctx, q.client, []string{q.ProcessingName(), q.LeasesName()}, msg.Body).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", q.name, err)
	}
	return nil
}

// DeadLetter atomically moves msg from processing to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, msg *Message, cause error, reason string, attempts int) error {
	record := DeadLetter{
		Queue:     q.name,
		Reason:    reason,
		Attempts:  attempts,
		Payload:   base64.StdEncoding.EncodeToString([]byte(msg.Body)),
		Timestamp: q.now().UTC(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	keys := []string{q.ProcessingName(), q.LeasesName(), q.DeadLetterName()}
	if err := deadLetterScript.Run(ctx, q.client, keys, msg.Body, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", q.name, err)
	}
	return nil
}

// Reclaim returns messages with expired leases to the head of the incoming
// list and reports how many were moved.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	now := q.now()
	grace := now.Add(q.leaseTTL).UnixMilli()
	keys := []string{q.ProcessingName(), q.LeasesName(), q.name}
	moved, err := reclaimScript.Run(ctx, q.client, keys, now.UnixMilli(), grace).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim %s: %w", q.name, err)
	}
	return moved, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	incoming := pipe.LLen(ctx, q.name)
	processing := pipe.LLen(ctx, q.ProcessingName())
	dead := pipe.LLen(ctx, q.DeadLetterName())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", q.name, err)
	}
	return Stats{
		Incoming:   incoming.Val(),
		Processing: processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// DeadLetters lists up to limit records from the head of the dead-letter
// list.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.LRange(ctx, q.DeadLetterName(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters %s: %w", q.name, err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var record DeadLetter
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Requeue moves up to limit dead letters back to the tail of the incoming
// list, oldest first.
func (q *Queue) Requeue(ctx context.Context, limit int64) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	moved := 0
	txf := func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, q.DeadLetterName(), 0, limit-1).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			moved = 0
			return nil
		}
		bodies := make([]any, 0, len(raw))
		for _, item := range raw {
			var record DeadLetter
			if err := json.Unmarshal([]byte(item), &record); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			body, err := record.Body()
			if err != nil {
				return err
			}
			bodies = append(bodies, body)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, q.name, bodies...)
			pipe.LTrim(ctx, q.DeadLetterName(), int64(len(raw)), -1)
			return nil
		})
		if err != nil {
			return err
		}
		moved = len(raw)
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := q.client.Watch(ctx, txf, q.DeadLetterName())
		if err == nil {
			return moved, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, fmt.Errorf("requeue %s: %w", q.name, err)
		}
	}
	return 0, fmt.Errorf("requeue %s: concurrent modification", q.name)
}
