package dailyx

import (
	"math"
	"testing"
	"time"
)

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }

func TestBuildReport_MixedSession(t *testing.T) {
	sess := Session{ID: "s1", UserID: "u1", StartedAt: testStart, Deadline: testStart.Add(time.Hour)}
	tasks := []Task{
		{ID: "c1", Status: StatusCompleted, StartedAt: ptrTime(testStart), EndedAt: ptrTime(testStart.Add(12 * time.Minute)), Output: ptrString("done")},
		{ID: "c2", Status: StatusCompleted, StartedAt: ptrTime(testStart), EndedAt: ptrTime(testStart.Add(28 * time.Minute))},
		{ID: "r", Status: StatusInProgress, StartedAt: ptrTime(testStart)},
		{ID: "f", Status: StatusFailed, StartedAt: ptrTime(testStart), RetryCount: 2, ErrorMsg: ptrString("boom")},
		{ID: "p", Status: StatusPending},
	}
	failures := map[string][]FailureRecord{
		"f": {{TaskID: "f", Seq: 1}, {TaskID: "f", Seq: 2}, {TaskID: "f", Seq: 3}},
	}
	at := testStart.Add(30 * time.Minute)
	r := BuildReport(sess, tasks, failures, at)

	want := map[Status]int{StatusCompleted: 2, StatusInProgress: 1, StatusFailed: 1, StatusPending: 1}
	if len(r.CountsByStatus) != len(want) {
		t.Fatalf("unexpected counts: %v", r.CountsByStatus)
	}
	for s, n := range want {
		if r.CountsByStatus[s] != n {
			t.Fatalf("count[%s] want %d got %d", s, n, r.CountsByStatus[s])
		}
	}
	if r.Total != 5 {
		t.Fatalf("total want 5 got %d", r.Total)
	}
	if math.Abs(r.CompletionRate-0.4) > 1e-9 {
		t.Fatalf("completion rate want 0.4 got %v", r.CompletionRate)
	}
	if r.AvgDuration != 20*time.Minute {
		t.Fatalf("avg duration want 20m got %s", r.AvgDuration)
	}
	if r.ElapsedVsBudget.Budget != time.Hour || r.ElapsedVsBudget.Elapsed != 30*time.Minute || r.ElapsedVsBudget.Ratio != 0.5 {
		t.Fatalf("unexpected elapsed vs budget: %#v", r.ElapsedVsBudget)
	}
	if len(r.PerTask) != 5 {
		t.Fatalf("want 5 task summaries got %d", len(r.PerTask))
	}
	byID := map[string]TaskSummary{}
	for _, s := range r.PerTask {
		byID[s.ID] = s
	}
	if s := byID["f"]; s.Attempts != 3 || s.OutputOrError != "boom" || len(s.Failures) != 3 {
		t.Fatalf("unexpected failed summary: %#v", s)
	}
	if s := byID["c1"]; s.Duration != 12*time.Minute || s.OutputOrError != "done" || s.Attempts != 1 {
		t.Fatalf("unexpected completed summary: %#v", s)
	}
	if s := byID["p"]; s.Attempts != 0 || s.Duration != 0 {
		t.Fatalf("unexpected pending summary: %#v", s)
	}
}

func TestBuildReport_EmptyAndClosedSession(t *testing.T) {
	ended := testStart.Add(20 * time.Minute)
	sess := Session{ID: "s1", StartedAt: testStart, Deadline: testStart.Add(40 * time.Minute), EndedAt: &ended}
	r := BuildReport(sess, nil, nil, testStart.Add(2*time.Hour))
	if r.Total != 0 || r.CompletionRate != 0 || r.AvgDuration != 0 {
		t.Fatalf("empty session report not zeroed: %#v", r)
	}
	if r.PerTask == nil || len(r.PerTask) != 0 {
		t.Fatalf("per-task list should be empty, not nil")
	}
	if r.ElapsedVsBudget.Elapsed != 20*time.Minute || r.ElapsedVsBudget.Ratio != 0.5 {
		t.Fatalf("elapsed must stop at session end: %#v", r.ElapsedVsBudget)
	}
}

func TestBuildReport_ListsEscalations(t *testing.T) {
	sess := Session{ID: "s1", StartedAt: testStart, Deadline: testStart.Add(time.Hour)}
	r := BuildReport(sess, []Task{
		{ID: "e1", Status: StatusEscalated},
		{ID: "x", Status: StatusCancelled},
		{ID: "e2", Status: StatusEscalated},
	}, nil, testStart)
	if len(r.Escalations) != 2 || r.Escalations[0] != "e1" || r.Escalations[1] != "e2" {
		t.Fatalf("unexpected escalations: %v", r.Escalations)
	}
}
