package dailyx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics_RecordedThroughLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := openTestStore(t)
	ctx := context.Background()
	clock := newTestClock(testStart)
	life := NewLifecycle(store, WithClock(clock.Now), WithMetrics(m))
	r := NewRecovery(life, RetryPolicy{MaxAttempts: 1}, &recordingNotifier{}, WithClock(clock.Now), WithMetrics(m))
	s := NewScheduler(r, &fakeDispatcher{accept: true}, nil, SchedulerConfig{MaxConcurrent: 2}, WithClock(clock.Now), WithMetrics(m))
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	insertTestTask(t, store, "a", "s1", StatusPending, testStart)

	if n, err := s.Tick(ctx, "s1"); err != nil || n != 1 {
		t.Fatalf("Tick: n=%d err=%v", n, err)
	}
	task, _ := store.GetTask(ctx, "a")
	if _, err := r.HandleFailure(ctx, task, FailureTransient, ReasonWorkerFailed, "boom"); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"dailyx_tasks_dispatched_total", nil, 1},
		{"dailyx_task_transitions_total", map[string]string{"from": "pending", "to": "in_progress"}, 1},
		{"dailyx_task_transitions_total", map[string]string{"from": "failed", "to": "escalated"}, 1},
		{"dailyx_task_failures_total", map[string]string{"kind": "transient"}, 1},
		{"dailyx_escalations_total", map[string]string{"kind": "transient"}, 1},
	}
	for _, c := range checks {
		if got := counterValue(t, reg, c.name, c.labels); got != c.want {
			t.Fatalf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.transition(StatusPending, StatusInProgress)
	m.dispatch(true)
	m.archive(1, 1)
	m.setInProgress(3)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "task_id", "t1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("want exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["task_id"] != "t1" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
