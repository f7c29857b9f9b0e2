// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package queue implements the durable event queue backing the processing
// engine. Each event type owns a pending and a processing sorted set; a single
// dead-letter set spans all types. Payloads live in a per-type hash keyed by
// event id and persist until the event is acknowledged, so no event is lost on
// crash. Every multi-step mutation runs as one Lua script.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/metrics"
)

const (
	pendingPrefix    = "pending:"
	processingPrefix = "processing:"
	dataPrefix       = "events:"
	deadLetterKey    = "dead-letter"
	deadLetterData   = "dead-letter:data"
	seqKey           = "events:seq"
	pausedKey        = "queue:paused"
)

// Scores carry the scheduled time in milliseconds multiplied by 1000 plus a
// rolling insertion sequence, so FIFO order is exact and ties within the same
// millisecond resolve by insertion order. 2^53 comfortably holds ms*1000.
const scoreFactor = 1000

// enqueueScript: dedup unless force, reclaim from processing, write payload,
// add to pending. Returns 1 when the event was written, 0 when already present.
var enqueueScript = redis.NewScript(`
local pending = redis.call('ZSCORE', KEYS[1], ARGV[1])
local processing = redis.call('ZSCORE', KEYS[2], ARGV[1])
if (pending or processing) and ARGV[4] == '0' then
	return 0
end
local seq = redis.call('INCR', KEYS[4]) % 1000
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) * 1000 + seq, ARGV[1])
return 1
`)

// dequeueScript: pop up to count due ids from pending into processing and
// return their payloads. Ids without a payload are orphans and are removed
// from both keyspaces.
var dequeueScript = redis.NewScript(`
local popped = {}
local entries = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1, 'WITHSCORES')
for i = 1, #entries, 2 do
	local id = entries[i]
	local score = tonumber(entries[i + 1])
	if math.floor(score / 1000) > tonumber(ARGV[2]) then
		break
	end
	local payload = redis.call('HGET', KEYS[3], id)
	redis.call('ZREM', KEYS[1], id)
	if not payload then
		redis.call('HDEL', KEYS[3], id)
	else
		redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), id)
		popped[#popped + 1] = payload
	end
end
return popped
`)

// ackScript: drop from processing and delete the payload.
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// deadLetterScript: drop from processing, delete the live payload, record the
// annotated payload under the dead-letter keyspace scored by wall time.
var deadLetterScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[4])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[2])
return 1
`)

// reclaimScript: restore every processing id to pending with its original
// scheduled time. Payloads that fail to decode are corrupted and removed.
var reclaimScript = redis.NewScript(`
local moved = 0
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local payload = redis.call('HGET', KEYS[2], id)
	if not payload then
		redis.call('ZREM', KEYS[1], id)
	else
		local ok, evt = pcall(cjson.decode, payload)
		if not ok or type(evt) ~= 'table' or type(evt['scheduledAt']) ~= 'number' then
			redis.call('ZREM', KEYS[1], id)
			redis.call('HDEL', KEYS[2], id)
		else
			local seq = redis.call('INCR', KEYS[3]) % 1000
			redis.call('ZREM', KEYS[1], id)
			redis.call('ZADD', KEYS[4], evt['scheduledAt'] * 1000 + seq, id)
			moved = moved + 1
		end
	end
end
return moved
`)

// cleanupScript: remove dead-letter entries older than the cutoff.
var cleanupScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('HDEL', KEYS[2], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return #ids
`)

// Queue is the Redis-backed typed event queue.
type Queue struct {
	rdb *redis.Client
	log log.Logger
}

// New creates a Queue on the given client.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb: rdb,
		log: log.New("component", "queue"),
	}
}

func pendingKey(t core.EventType) string    { return pendingPrefix + string(t) }
func processingKey(t core.EventType) string { return processingPrefix + string(t) }
func dataKey(t core.EventType) string       { return dataPrefix + string(t) }
func deadLetterMember(t core.EventType, id string) string {
	return string(t) + ":" + id
}

// Enqueue adds an event to its pending queue. When the id is already pending
// or processing and force is false the existing payload is kept and
// (false, nil) is returned.
func (q *Queue) Enqueue(ctx context.Context, event *core.QueuedEvent, force bool) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", event.ID, err)
	}

	forceArg := "0"
	if force {
		forceArg = "1"
	}
	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{pendingKey(event.Type), processingKey(event.Type), dataKey(event.Type), seqKey},
		event.ID, payload, event.ScheduledAt, forceArg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", event.ID, err)
	}
	return added == 1, nil
}

// Dequeue moves up to count due events of the given type from pending to
// processing and returns them. Count is clamped to [1, DequeueBatchMax].
// Atomicity of the move guarantees each id is handed to at most one consumer.
func (q *Queue) Dequeue(ctx context.Context, t core.EventType, count int) ([]*core.QueuedEvent, error) {
	if count < 1 {
		count = 1
	}
	if count > config.DequeueBatchMax {
		count = config.DequeueBatchMax
	}
	now := time.Now().UnixMilli()

	raw, err := dequeueScript.Run(ctx, q.rdb,
		[]string{pendingKey(t), processingKey(t), dataKey(t)},
		count, now, now,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", t, err)
	}

	events := make([]*core.QueuedEvent, 0, len(raw))
	for _, payload := range raw {
		var event core.QueuedEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			q.log.Error("dequeue: corrupted payload", "type", t, "err", err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// Acknowledge removes a handled event from processing and deletes its payload.
func (q *Queue) Acknowledge(ctx context.Context, event *core.QueuedEvent) error {
	if err := ackScript.Run(ctx, q.rdb,
		[]string{processingKey(event.Type), dataKey(event.Type)},
		event.ID,
	).Err(); err != nil {
		return fmt.Errorf("acknowledge %s: %w", event.ID, err)
	}
	return nil
}

// deadLetterEnvelope annotates a dead-lettered payload with the terminal error.
type deadLetterEnvelope struct {
	Event   *core.QueuedEvent `json:"event"`
	Error   string            `json:"error"`
	MovedAt int64             `json:"movedAt"`
}

// MoveToDeadLetter removes the event from processing and records it in the
// dead-letter keyspace, scored by wall time, with the terminal error attached.
func (q *Queue) MoveToDeadLetter(ctx context.Context, event *core.QueuedEvent, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	payload, err := json.Marshal(&deadLetterEnvelope{
		Event:   event,
		Error:   msg,
		MovedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", event.ID, err)
	}

	if err := deadLetterScript.Run(ctx, q.rdb,
		[]string{processingKey(event.Type), dataKey(event.Type), deadLetterKey, deadLetterData},
		event.ID, payload, time.Now().UnixMilli(), deadLetterMember(event.Type, event.ID),
	).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", event.ID, err)
	}
	q.log.Warn("event moved to dead-letter", "type", event.Type, "id", event.ID, "err", msg)
	return nil
}

// MoveProcessingToPending restores every in-flight event to its pending queue
// with its original scheduled time. Called once at startup to reclaim work a
// previous process crashed on. Corrupted payloads are deleted.
func (q *Queue) MoveProcessingToPending(ctx context.Context) error {
	for _, t := range core.EventTypes() {
		moved, err := reclaimScript.Run(ctx, q.rdb,
			[]string{processingKey(t), dataKey(t), seqKey, pendingKey(t)},
		).Int()
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", t, err)
		}
		if moved > 0 {
			q.log.Info("reclaimed in-flight events", "type", t, "count", moved)
		}
	}
	return nil
}

// CleanupExpiredDeadLetter removes dead-letter entries older than ttl.
func (q *Queue) CleanupExpiredDeadLetter(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = config.DeadLetterTTL
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()
	removed, err := cleanupScript.Run(ctx, q.rdb, []string{deadLetterKey, deadLetterData}, cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("cleanup dead-letter: %w", err)
	}
	return removed, nil
}

// HasEvent reports whether the id is live in the pending or processing
// keyspace of the given type.
func (q *Queue) HasEvent(ctx context.Context, t core.EventType, id string) (bool, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.ZScore(ctx, pendingKey(t), id)
	processing := pipe.ZScore(ctx, processingKey(t), id)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("has event %s: %w", id, err)
	}
	return pending.Err() == nil || processing.Err() == nil, nil
}

// PeekNextScheduledTime returns the scheduled time of the next pending event
// of the given type, or the zero time when the queue is empty.
func (q *Queue) PeekNextScheduledTime(ctx context.Context, t core.EventType) (time.Time, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, pendingKey(t), 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("peek %s: %w", t, err)
	}
	if len(entries) == 0 {
		return time.Time{}, nil
	}
	ms := int64(entries[0].Score) / scoreFactor
	return time.UnixMilli(ms), nil
}

// Depths reports the pending, processing and dead-letter cardinality.
type Depths struct {
	Pending    map[core.EventType]int64 `json:"pending"`
	Processing map[core.EventType]int64 `json:"processing"`
	DeadLetter int64                    `json:"deadLetter"`
}

// QueueDepths returns the current queue depths across all event types.
func (q *Queue) QueueDepths(ctx context.Context) (*Depths, error) {
	d := &Depths{
		Pending:    make(map[core.EventType]int64),
		Processing: make(map[core.EventType]int64),
	}
	for _, t := range core.EventTypes() {
		pending, err := q.rdb.ZCard(ctx, pendingKey(t)).Result()
		if err != nil {
			return nil, fmt.Errorf("depths %s: %w", t, err)
		}
		processing, err := q.rdb.ZCard(ctx, processingKey(t)).Result()
		if err != nil {
			return nil, fmt.Errorf("depths %s: %w", t, err)
		}
		d.Pending[t] = pending
		d.Processing[t] = processing
		metrics.QueueDepth.WithLabelValues(string(t)).Set(float64(pending))
	}
	deadLetter, err := q.rdb.ZCard(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("depths dead-letter: %w", err)
	}
	d.DeadLetter = deadLetter
	metrics.DeadLetterDepth.Set(float64(deadLetter))
	return d, nil
}

// SetPaused pauses or resumes consumption. The flag is stored in Redis so
// every consumer observes it.
func (q *Queue) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return q.rdb.Set(ctx, pausedKey, "1", 0).Err()
	}
	return q.rdb.Del(ctx, pausedKey).Err()
}

// IsPaused reports whether consumption is paused. The flag is re-read on every
// call, never cached.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	v, err := q.rdb.Get(ctx, pausedKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is paused: %w", err)
	}
	return v == "1", nil
}
