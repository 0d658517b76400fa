package dailyx

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCheckpointer_FailsStalledTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	clock := newTestClock(testStart)
	r := newTestRecovery(store, clock, &recordingNotifier{})
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	insertTestTask(t, store, "stalled", "s1", StatusPending, testStart)
	insertTestTask(t, store, "healthy", "s1", StatusPending, testStart)
	assignTask(t, r, "stalled", "w1")
	assignTask(t, r, "healthy", "w2")

	clock.Advance(8 * time.Minute)
	if err := store.RecordProgress(ctx, "healthy", "w2", 40, clock.Now()); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	clock.Advance(3 * time.Minute)

	c := NewCheckpointer(r, CheckpointConfig{StallThreshold: 10 * time.Minute}, WithClock(clock.Now))
	res, err := c.Sweep(ctx, "s1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.InProgress != 2 || len(res.Stalled) != 1 || res.Stalled[0] != "stalled" {
		t.Fatalf("unexpected sweep: %#v", res)
	}
	stalled, _ := store.GetTask(ctx, "stalled")
	if stalled.Status != StatusPending || stalled.RetryCount != 1 {
		t.Fatalf("stalled task must be requeued: %s/%d", stalled.Status, stalled.RetryCount)
	}
	history, _ := store.Failures(ctx, "stalled")
	if len(history) != 1 || history[0].Kind != FailureStall || history[0].Reason != ReasonWorkerStalled {
		t.Fatalf("unexpected history: %#v", history)
	}
	healthy, _ := store.GetTask(ctx, "healthy")
	if healthy.Status != StatusInProgress {
		t.Fatalf("healthy task touched: %s", healthy.Status)
	}

	entry, err := store.GetShared(ctx, "s1", checkpointWriter, "last_sweep")
	if err != nil {
		t.Fatalf("last sweep not recorded: %v", err)
	}
	var stored SweepResult
	if err := json.Unmarshal(entry.Value, &stored); err != nil || stored.InProgress != 2 {
		t.Fatalf("bad stored sweep %s: %v", entry.Value, err)
	}
}

func TestCheckpointer_TimeoutAndInterruptedDecisions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	clock := newTestClock(testStart)
	r := newTestRecovery(store, clock, &recordingNotifier{})
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	insertTestTask(t, store, "slow", "s1", StatusPending, testStart)
	insertTestTask(t, store, "orphan", "s1", StatusFailed, testStart)
	assignTask(t, r, "slow", "w1")

	clock.Advance(4 * time.Minute)
	if err := store.RecordProgress(ctx, "slow", "w1", 90, clock.Now()); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	clock.Advance(2 * time.Minute)

	c := NewCheckpointer(r, CheckpointConfig{StallThreshold: 10 * time.Minute, TaskTimeout: 5 * time.Minute}, WithClock(clock.Now))
	res, err := c.Sweep(ctx, "s1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.TimedOut) != 1 || res.TimedOut[0] != "slow" || len(res.Stalled) != 0 {
		t.Fatalf("unexpected sweep: %#v", res)
	}
	history, _ := store.Failures(ctx, "slow")
	if len(history) != 1 || history[0].Reason != ReasonTaskTimeout {
		t.Fatalf("unexpected history: %#v", history)
	}
	if len(res.Resolved) != 1 || res.Resolved[0] != "orphan" {
		t.Fatalf("failed task not resolved: %#v", res.Resolved)
	}
	orphan, _ := store.GetTask(ctx, "orphan")
	if orphan.Status != StatusPending {
		t.Fatalf("orphan want pending got %s", orphan.Status)
	}

	// nothing left to do on a second pass
	res, err = c.Sweep(ctx, "s1")
	if err != nil || res.InProgress != 0 || len(res.Resolved) != 0 {
		t.Fatalf("second sweep: %#v %v", res, err)
	}
}

func TestCheckpointer_RunStopsWhenSessionCloses(t *testing.T) {
	store := openTestStore(t)
	createTestSession(t, store, "s1", "u1", time.Now(), time.Hour)
	r := newTestRecovery(store, newTestClock(time.Now()), &recordingNotifier{})
	c := NewCheckpointer(r, CheckpointConfig{Interval: 10 * time.Millisecond})
	if _, err := store.CloseSession(context.Background(), "s1", SessionCompleted, time.Now()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), "s1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("checkpoint loop kept running after session closed")
	}
}

func TestCheckpointer_TimeoutCountsFromCurrentAttempt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	clock := newTestClock(testStart)
	r := newTestRecovery(store, clock, &recordingNotifier{})
	createTestSession(t, store, "s1", "u1", testStart, 2*time.Hour)
	insertTestTask(t, store, "retried", "s1", StatusPending, testStart)
	first := assignTask(t, r, "retried", "w1")

	clock.Advance(time.Minute)
	if _, err := r.HandleFailure(ctx, first, FailureTransient, ReasonWorkerFailed, "flaky"); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	// the requeued task waits well past the timeout before its next attempt
	clock.Advance(20 * time.Minute)
	second := assignTask(t, r, "retried", "w2")
	if second.AttemptStartedAt == nil || !second.AttemptStartedAt.Equal(clock.Now()) {
		t.Fatalf("attempt start want %v got %v", clock.Now(), second.AttemptStartedAt)
	}
	if !second.StartedAt.Equal(testStart) {
		t.Fatalf("first start must be kept, got %v", second.StartedAt)
	}

	clock.Advance(time.Minute)
	c := NewCheckpointer(r, CheckpointConfig{StallThreshold: 10 * time.Minute, TaskTimeout: 5 * time.Minute}, WithClock(clock.Now))
	res, err := c.Sweep(ctx, "s1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.TimedOut) != 0 || len(res.Stalled) != 0 {
		t.Fatalf("fresh attempt failed early: %#v", res)
	}

	clock.Advance(3 * time.Minute)
	if err := store.RecordProgress(ctx, "retried", "w2", 50, clock.Now()); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	clock.Advance(2 * time.Minute)
	res, err = c.Sweep(ctx, "s1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.TimedOut) != 1 || res.TimedOut[0] != "retried" {
		t.Fatalf("attempt past its timeout not failed: %#v", res)
	}
}

func TestCheckpointer_SweepResendsUndeliveredEscalations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	clock := newTestClock(testStart)
	notifier := &flakyNotifier{failures: 1}
	r := newTestRecovery(store, clock, notifier)
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	insertTestTask(t, store, "a", "s1", StatusPending, testStart)
	if _, err := r.EscalateByHuman(ctx, "a", "stop"); err != nil {
		t.Fatalf("EscalateByHuman: %v", err)
	}
	if len(notifier.Events()) != 0 {
		t.Fatalf("first delivery should have failed")
	}

	c := NewCheckpointer(r, CheckpointConfig{}, WithClock(clock.Now))
	res, err := c.Sweep(ctx, "s1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Notified) != 1 || res.Notified[0] != "a" {
		t.Fatalf("escalation not resent: %#v", res)
	}
	res, err = c.Sweep(ctx, "s1")
	if err != nil || len(res.Notified) != 0 {
		t.Fatalf("second sweep: %#v %v", res, err)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0].TaskID != "a" {
		t.Fatalf("want one delivered event got %#v", events)
	}
}
