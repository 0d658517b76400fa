package dailyx

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestInbox(t *testing.T) (*RedisInbox, *redis.Client) {
	t.Helper()
	s := startMiniRedis(t)
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisInbox(rdb, "test"), rdb
}

func TestRedisInbox_SendNextAck(t *testing.T) {
	in, rdb := newTestInbox(t)
	ctx := context.Background()

	first, err := in.Send(ctx, "s1", Signal{Kind: SignalAdd, Task: &NewTask{Description: "buy milk"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.ID == "" || first.SentAt.IsZero() {
		t.Fatalf("Send must fill id and time: %#v", first)
	}
	if _, err := in.Send(ctx, "s1", Signal{Kind: SignalCancel, TaskID: "t1"}); err != nil {
		t.Fatalf("Send cancel: %v", err)
	}

	got, err := in.Next(ctx, "s1", 100*time.Millisecond)
	if err != nil || got == nil {
		t.Fatalf("Next: %v %v", got, err)
	}
	if got.ID != first.ID || got.Task == nil || got.Task.Description != "buy milk" {
		t.Fatalf("signals out of order: %#v", got)
	}
	if n := rdb.LLen(ctx, in.processingKey("s1")).Val(); n != 1 {
		t.Fatalf("taken signal not held in processing list: %d", n)
	}
	if err := in.Ack(ctx, "s1", got); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n := rdb.LLen(ctx, in.processingKey("s1")).Val(); n != 0 {
		t.Fatalf("acked signal still held: %d", n)
	}

	second, err := in.Next(ctx, "s1", 100*time.Millisecond)
	if err != nil || second == nil || second.Kind != SignalCancel {
		t.Fatalf("second Next: %#v %v", second, err)
	}
	empty, err := in.Next(ctx, "s1", 50*time.Millisecond)
	if err != nil || empty != nil {
		t.Fatalf("empty inbox: %#v %v", empty, err)
	}
}

func TestRedisInbox_RecoverRedeliversUnacked(t *testing.T) {
	in, _ := newTestInbox(t)
	ctx := context.Background()
	sent, err := in.Send(ctx, "s1", Signal{Kind: SignalEscalate, TaskID: "t1", Note: "stuck"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, _ := in.Next(ctx, "s1", 100*time.Millisecond); got == nil {
		t.Fatalf("signal not delivered")
	}

	n, err := in.Recover(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("Recover: n=%d err=%v", n, err)
	}
	again, err := in.Next(ctx, "s1", 100*time.Millisecond)
	if err != nil || again == nil || again.ID != sent.ID {
		t.Fatalf("unacked signal not redelivered: %#v %v", again, err)
	}

	if err := in.Discard(ctx, "s1"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n, _ := in.Recover(ctx, "s1"); n != 0 {
		t.Fatalf("discarded signals recovered: %d", n)
	}
}

func TestRedisInbox_RejectsInvalidSignals(t *testing.T) {
	in, rdb := newTestInbox(t)
	ctx := context.Background()
	for _, sig := range []Signal{
		{Kind: SignalAdd},
		{Kind: SignalModify, Description: "x"},
		{Kind: "pause", TaskID: "t1"},
	} {
		if _, err := in.Send(ctx, "s1", sig); err == nil {
			t.Fatalf("invalid signal accepted: %#v", sig)
		}
	}

	rdb.LPush(ctx, in.queueKey("s1"), "{not json")
	if _, err := in.Next(ctx, "s1", 50*time.Millisecond); err == nil {
		t.Fatalf("malformed signal not reported")
	}
	if n := rdb.LLen(ctx, in.processingKey("s1")).Val(); n != 0 {
		t.Fatalf("malformed signal kept in processing list")
	}
}
