package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SignalKind names an external mid-session request.
type SignalKind string

const (
	SignalAdd      SignalKind = "add"
	SignalModify   SignalKind = "modify"
	SignalCancel   SignalKind = "cancel"
	SignalEscalate SignalKind = "escalate"
)

// Signal is an inbound request to change the task set of a running session.
type Signal struct {
	ID          string     `json:"id"`
	Kind        SignalKind `json:"kind"`
	TaskID      string     `json:"task_id,omitempty"`
	Task        *NewTask   `json:"task,omitempty"`
	Description string     `json:"description,omitempty"`
	Note        string     `json:"note,omitempty"`
	SentAt      time.Time  `json:"sent_at"`

	raw string
}

// Inbox delivers signals for a session. A signal returned by Next stays
// pending until Ack, so one lost in a crash is delivered again.
type Inbox interface {
	Next(ctx context.Context, sessionID string, wait time.Duration) (*Signal, error)
	Ack(ctx context.Context, sessionID string, sig *Signal) error
}

// RedisInbox keeps one list per session plus a processing list holding
// signals that were taken but not acknowledged.
type RedisInbox struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisInbox(rdb redis.UniversalClient, prefix string) *RedisInbox {
	if prefix == "" {
		prefix = "dailyx"
	}
	return &RedisInbox{rdb: rdb, prefix: prefix}
}

func (in *RedisInbox) queueKey(sessionID string) string {
	return in.prefix + ":signals:" + sessionID
}

func (in *RedisInbox) processingKey(sessionID string) string {
	return in.prefix + ":signals:" + sessionID + ":processing"
}

// Send queues sig for the session. It fills in ID and SentAt when unset.
func (in *RedisInbox) Send(ctx context.Context, sessionID string, sig Signal) (Signal, error) {
	switch sig.Kind {
	case SignalAdd:
		if sig.Task == nil {
			return sig, errors.New("dailyx: add signal needs a task")
		}
	case SignalModify, SignalCancel, SignalEscalate:
		if sig.TaskID == "" {
			return sig, fmt.Errorf("dailyx: %s signal needs a task id", sig.Kind)
		}
	default:
		return sig, fmt.Errorf("dailyx: unknown signal kind %q", sig.Kind)
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now().UTC()
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return sig, err
	}
	if err := in.rdb.LPush(ctx, in.queueKey(sessionID), raw).Err(); err != nil {
		return sig, fmt.Errorf("dailyx: send signal: %w", err)
	}
	return sig, nil
}

// Next waits up to wait for the oldest signal. It returns nil, nil when none
// arrived.
func (in *RedisInbox) Next(ctx context.Context, sessionID string, wait time.Duration) (*Signal, error) {
	raw, err := in.rdb.BRPopLPush(ctx, in.queueKey(sessionID), in.processingKey(sessionID), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dailyx: receive signal: %w", err)
	}
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		in.rdb.LRem(ctx, in.processingKey(sessionID), 1, raw)
		return nil, fmt.Errorf("dailyx: malformed signal dropped: %w", err)
	}
	sig.raw = raw
	return &sig, nil
}

func (in *RedisInbox) Ack(ctx context.Context, sessionID string, sig *Signal) error {
	if sig == nil || sig.raw == "" {
		return nil
	}
	return in.rdb.LRem(ctx, in.processingKey(sessionID), 1, sig.raw).Err()
}

// Recover puts signals that were taken but never acknowledged back on the
// queue. Call it before consuming a resumed session.
func (in *RedisInbox) Recover(ctx context.Context, sessionID string) (int, error) {
	n := 0
	for {
		err := in.rdb.RPopLPush(ctx, in.processingKey(sessionID), in.queueKey(sessionID)).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("dailyx: recover signals: %w", err)
		}
		n++
	}
}

// Discard drops all queued signals of a closed session.
func (in *RedisInbox) Discard(ctx context.Context, sessionID string) error {
	return in.rdb.Del(ctx, in.queueKey(sessionID), in.processingKey(sessionID)).Err()
}
