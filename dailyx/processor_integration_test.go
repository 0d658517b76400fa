package dailyx

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
)

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	return s
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitForStatus(t *testing.T, store Store, id string, want Status) {
	t.Helper()
	var last Status
	err := pollUntil(t, 5*time.Second, func() (bool, error) {
		rec, err := store.GetTask(context.Background(), id)
		if err != nil {
			return false, nil
		}
		last = rec.Status
		return rec.Status == want, nil
	})
	if err != nil {
		t.Fatalf("task %s never reached %s (last %s): %v", id, want, last, err)
	}
}

func TestProcessor_Integration_SuccessAndFailure(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	createTestSession(t, store, "s1", "u1", now, time.Hour)
	for _, id := range []string{"ok", "flaky", "fatal"} {
		insertTestTask(t, store, id, "s1", StatusPending, now)
	}

	life := NewLifecycle(store)
	recovery := NewRecovery(life, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	intake := NewResultIntake(recovery)

	redis := asynq.RedisClientOpt{Addr: s.Addr()}
	runner := RunnerFunc(func(ctx context.Context, req DispatchRequest, progress func(int)) (string, error) {
		progress(50)
		time.Sleep(20 * time.Millisecond)
		switch req.TaskID {
		case "flaky":
			return "", errors.New("boom")
		case "fatal":
			return "", Terminal(errors.New("bad input"))
		}
		return "done: " + req.Description, nil
	})
	processor := NewProcessor(redis, runner, intake, ProcessorConfig{
		Concurrency: 5,
		Queues:      map[string]int{"default": 1},
		Heartbeat:   10 * time.Millisecond,
	})
	if err := processor.Start(); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	defer processor.Shutdown()

	dispatcher := NewAsynqDispatcher(redis, DispatcherOptions{Queue: "default"})
	defer dispatcher.Close()
	scheduler := NewScheduler(recovery, dispatcher, nil, SchedulerConfig{MaxConcurrent: 5})

	n, err := scheduler.Tick(ctx, "s1")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 dispatched got %d", n)
	}

	waitForStatus(t, store, "ok", StatusCompleted)
	okTask, _ := store.GetTask(ctx, "ok")
	if okTask.Output == nil || *okTask.Output != "done: task ok" {
		t.Fatalf("unexpected output: %#v", okTask.Output)
	}

	// the backoff keeps the retried task out of the next tick
	waitForStatus(t, store, "flaky", StatusPending)
	flaky, _ := store.GetTask(ctx, "flaky")
	if flaky.RetryCount != 1 || flaky.NextEligibleAt == nil {
		t.Fatalf("flaky task not requeued with backoff: %#v", flaky)
	}
	history, err := store.Failures(ctx, "flaky")
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(history) != 1 || history[0].Kind != FailureTransient || history[0].ErrorMsg != "boom" {
		t.Fatalf("unexpected failure history: %#v", history)
	}

	waitForStatus(t, store, "fatal", StatusEscalated)
	err = pollUntil(t, 5*time.Second, func() (bool, error) {
		_, err := store.GetStep(ctx, "s1", escalationSentStep("fatal"))
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		t.Fatalf("escalation not delivered: %v", err)
	}
}

func TestAsynqDispatcher_RejectsIncompleteRequest(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()
	d := NewAsynqDispatcher(asynq.RedisClientOpt{Addr: s.Addr()}, DispatcherOptions{})
	defer d.Close()

	ok, err := d.Dispatch(context.Background(), DispatchRequest{TaskID: "t1"})
	if err != nil || ok {
		t.Fatalf("want rejection without error, got ok=%v err=%v", ok, err)
	}
	req := DispatchRequest{TaskID: "t1", WorkerID: "w1", Deadline: time.Now().Add(time.Hour)}
	for i := 0; i < 2; i++ {
		ok, err := d.Dispatch(context.Background(), req)
		if err != nil || !ok {
			t.Fatalf("dispatch %d: ok=%v err=%v", i, ok, err)
		}
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: s.Addr()})
	defer inspector.Close()
	info, err := inspector.GetTaskInfo("default", attemptID(req))
	if err != nil {
		t.Fatalf("GetTaskInfo: %v", err)
	}
	if info.Type != TaskTypeExecute || info.MaxRetry != 0 {
		t.Fatalf("unexpected task info: type=%s max_retry=%d", info.Type, info.MaxRetry)
	}
}
