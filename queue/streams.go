// Package queue is the durable stream layer: append-only named logs with
// consumer groups, explicit acknowledgement, pending-list introspection and
// claim-on-stale, backed by Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream and group names used by the core.
const (
	StreamResults    = "tasks:results"
	StreamDeadLetter = "tasks:dlq"

	GroupWorkers   = "workers"
	GroupIngesters = "ingesters"

	// StartReplayAll delivers the full log to a new group; StartNewOnly
	// delivers only messages appended after group creation.
	StartReplayAll = "0"
	StartNewOnly   = "$"
)

// AssignStream returns the per-project assignment stream name.
func AssignStream(projectID string) string {
	return "tasks:assign:" + projectID
}

// ControlStream returns the per-worker control stream name.
func ControlStream(workerID string) string {
	return "workers:control:" + workerID
}

// payloadField is the single stream field holding the JSON document.
const payloadField = "payload"

// Message is one delivered stream entry.
type Message struct {
	ID      string
	Payload json.RawMessage
}

// PendingEntry describes one unacknowledged delivery within a group.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Streams wraps a Redis client with the stream-queue operations the core
// depends on. All operations honor the context deadline; transient
// connection failures surface wrapped in ErrQueueUnavailable by callers.
type Streams struct {
	rdb *redis.Client
}

// New creates a Streams layer over the given client.
func New(rdb *redis.Client) *Streams {
	return &Streams{rdb: rdb}
}

// Publish appends a JSON payload to the stream and returns the assigned
// monotonically increasing message id. Delivery is at-least-once.
func (s *Streams) Publish(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", stream, err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup idempotently creates a consumer group on the stream,
// creating the stream itself when absent. start is StartReplayAll or
// StartNewOnly.
func (s *Streams) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// Consume reads up to max messages not yet delivered to the group and
// assigns them to the consumer's pending list. It blocks up to block and
// returns an empty slice on timeout.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var msgs []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			msgs = append(msgs, Message{ID: m.ID, Payload: rawPayload(m.Values)})
		}
	}
	return msgs, nil
}

// Ack marks the message permanently delivered for the group. Acking an
// already-acked id is a no-op.
func (s *Streams) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

// Pending lists the group's unacknowledged deliveries with their owners,
// idle times and delivery counts.
func (s *Streams) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	ext, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// PendingCount returns the number of unacknowledged deliveries for the
// group. Used for dispatch backpressure.
func (s *Streams) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return p.Count, nil
}

// Claim reassigns the given pending messages to newConsumer when their
// current owner has been idle at least minIdle. Messages already acked or
// claimed by a faster peer are absent from the result.
func (s *Streams) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, Message{ID: m.ID, Payload: rawPayload(m.Values)})
	}
	return msgs, nil
}

// Trim bounds a stream to approximately maxLen entries, dropping the
// oldest.
func (s *Streams) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := s.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return nil
}

// DeadLetter copies an un-applicable message to the dead-letter stream
// together with the refusal reason.
func (s *Streams) DeadLetter(ctx context.Context, srcStream, id string, payload json.RawMessage, reason string) error {
	_, err := s.Publish(ctx, StreamDeadLetter, map[string]any{
		"source_stream": srcStream,
		"source_id":     id,
		"reason":        reason,
		"payload":       json.RawMessage(payload),
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

func rawPayload(values map[string]any) json.RawMessage {
	if v, ok := values[payloadField]; ok {
		if str, ok := v.(string); ok {
			return json.RawMessage(str)
		}
	}
	// Fall back to encoding the whole field map for foreign producers.
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return data
}
