package dailyx

import (
	"time"
)

// Report is the final accounting of a session.
type Report struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	GeneratedAt    time.Time      `json:"generated_at"`
	Total          int            `json:"total"`
	CountsByStatus map[Status]int `json:"counts_by_status"`
	CompletionRate float64        `json:"completion_rate"`
	// AvgDuration is the mean run time of completed tasks.
	AvgDuration     time.Duration `json:"avg_duration"`
	ElapsedVsBudget ElapsedBudget `json:"elapsed_vs_budget"`
	PerTask         []TaskSummary `json:"per_task"`
	Escalations     []string      `json:"escalations,omitempty"`
}

type ElapsedBudget struct {
	Elapsed time.Duration `json:"elapsed"`
	Budget  time.Duration `json:"budget"`
	Ratio   float64       `json:"ratio"`
}

type TaskSummary struct {
	ID            string          `json:"id"`
	Description   string          `json:"description"`
	Status        Status          `json:"status"`
	Duration      time.Duration   `json:"duration"`
	OutputOrError string          `json:"output_or_error,omitempty"`
	Attempts      int             `json:"attempts"`
	Failures      []FailureRecord `json:"failures,omitempty"`
}

// BuildReport computes the report of sess from the given task set as of at.
// It has no side effects. failures maps task id to its failure history and
// may be nil.
func BuildReport(sess Session, tasks []Task, failures map[string][]FailureRecord, at time.Time) Report {
	r := Report{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		GeneratedAt:    at.UTC(),
		Total:          len(tasks),
		CountsByStatus: make(map[Status]int),
		PerTask:        make([]TaskSummary, 0, len(tasks)),
	}
	var completed int
	var total time.Duration
	var timed int
	for _, t := range tasks {
		r.CountsByStatus[t.Status]++
		sum := TaskSummary{
			ID:          t.ID,
			Description: t.Description,
			Status:      t.Status,
			Failures:    failures[t.ID],
		}
		sum.Attempts = t.RetryCount
		if t.StartedAt != nil {
			sum.Attempts++
		}
		if d, ok := t.Duration(); ok {
			sum.Duration = d
		}
		switch {
		case t.ErrorMsg != nil && t.Status != StatusCompleted:
			sum.OutputOrError = *t.ErrorMsg
		case t.Output != nil:
			sum.OutputOrError = *t.Output
		}
		if t.Status == StatusCompleted {
			completed++
			if d, ok := t.Duration(); ok {
				total += d
				timed++
			}
		}
		if t.Status == StatusEscalated {
			r.Escalations = append(r.Escalations, t.ID)
		}
		r.PerTask = append(r.PerTask, sum)
	}
	if r.Total > 0 {
		r.CompletionRate = float64(completed) / float64(r.Total)
	}
	if timed > 0 {
		r.AvgDuration = total / time.Duration(timed)
	}

	end := at
	if sess.EndedAt != nil && sess.EndedAt.Before(at) {
		end = *sess.EndedAt
	}
	r.ElapsedVsBudget.Budget = sess.Deadline.Sub(sess.StartedAt)
	if elapsed := end.Sub(sess.StartedAt); elapsed > 0 {
		r.ElapsedVsBudget.Elapsed = elapsed
	}
	if r.ElapsedVsBudget.Budget > 0 {
		r.ElapsedVsBudget.Ratio = float64(r.ElapsedVsBudget.Elapsed) / float64(r.ElapsedVsBudget.Budget)
	}
	return r
}
