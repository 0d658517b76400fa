package dailyx

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle status of a task recorded in the database.
// Kept as string for readability in SQL; legal moves are listed in machine.go.
type Status string

const (
	StatusGenerated  Status = "generated"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusEscalated  Status = "escalated"
	StatusArchived   Status = "archived"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{
	StatusGenerated,
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusEscalated,
	StatusArchived,
}

// SessionStatus is the status of one workflow run.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ManualSessionID owns tasks created outside any session. The next session
// started for the same user adopts them.
const ManualSessionID = "manual"

// Task is the persisted representation of one unit of delegated work.
type Task struct {
	ID           string
	UserID       string
	SessionID    string
	Description  string
	Capabilities []string // tools the worker must have
	DependsOn    []string // task ids whose completion this task needs
	Status       Status
	WorkerID     *string
	CreatedAt    time.Time
	StartedAt    *time.Time // first entry into in_progress
	EndedAt      *time.Time // entry into a terminal status
	Output       *string
	ErrorMsg     *string
	RetryCount   int

	// NextEligibleAt holds back a requeued task until its backoff expires.
	NextEligibleAt  *time.Time
	LastProgressAt  *time.Time
	ProgressPercent int
	UpdatedAt       time.Time

	// AttemptStartedAt is the latest entry into in_progress.
	AttemptStartedAt *time.Time
}

// Duration returns how long the task ran, or false when it never finished.
func (t Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0, false
	}
	return t.EndedAt.Sub(*t.StartedAt), true
}

// lastSignal is the most recent observable progress of an in-flight task.
func (t Task) lastSignal() time.Time {
	var last time.Time
	if t.StartedAt != nil {
		last = *t.StartedAt
	}
	if t.LastProgressAt != nil && t.LastProgressAt.After(last) {
		last = *t.LastProgressAt
	}
	return last
}

// Session is one bounded execution window for a user.
type Session struct {
	ID            string
	UserID        string
	CoordinatorID string
	Timezone      string
	Status        SessionStatus
	StartedAt     time.Time
	Deadline      time.Time // immutable once stored
	Window        time.Duration
	EndedAt       *time.Time
}

// Open reports whether the session still accepts work at t.
func (s Session) Open(t time.Time) bool {
	return s.Status == SessionRunning && t.Before(s.Deadline)
}

// SharedEntry is a key/value fact visible to every actor in a session. Keys
// are namespaced by writer so writers never collide.
type SharedEntry struct {
	SessionID string
	WriterID  string
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// HistoricalTask is the immutable copy of a task made at archival time.
type HistoricalTask struct {
	Task
	ArchivedAt time.Time
}

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureTerminal  FailureKind = "terminal"
	FailureStall     FailureKind = "stall"
	FailureHuman     FailureKind = "human"
)

// Failure reasons recorded alongside the error text.
const (
	ReasonWorkerFailed    = "worker_failed"
	ReasonWorkerStalled   = "worker_stalled"
	ReasonTaskTimeout     = "task_timeout"
	ReasonDispatchFailed  = "dispatch_failed"
	ReasonHumanEscalation = "human_escalation"
)

// FailureRecord is one append-only entry of a task's failure history.
type FailureRecord struct {
	TaskID     string      `json:"task_id"`
	Seq        int         `json:"seq"`
	Kind       FailureKind `json:"kind"`
	Reason     string      `json:"reason"`
	ErrorMsg   string      `json:"error"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// StepRecord is a durably recorded coordinator decision.
type StepRecord struct {
	SessionID  string
	Step       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Result is what a worker reports back about a task: a progress heartbeat
// when Status is empty, otherwise the attempt's outcome.
type Result struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Status   Status `json:"status,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"` // failure is non-retryable
	Progress *int   `json:"progress_percent,omitempty"`
}

// NewTask is a task proposed by the generation collaborator or a signal.
type NewTask struct {
	ID           string   `yaml:"id" json:"id,omitempty"`
	Description  string   `yaml:"description" json:"description"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
	DependsOn    []string `yaml:"depends_on" json:"depends_on,omitempty"`
}

// EscalationEvent is handed to the notification collaborator when a task
// needs human attention.
type EscalationEvent struct {
	TaskID      string          `json:"task_id"`
	SessionID   string          `json:"session_id"`
	Description string          `json:"description"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
	Timestamp   time.Time       `json:"timestamp"`
	History     []FailureRecord `json:"history"`
}

// maxOutputBytes bounds persisted worker output and error text.
const maxOutputBytes = 10000

// truncateOutput cuts s to at most maxOutputBytes on a rune boundary and
// replaces invalid byte sequences, so the result is always valid UTF-8.
func truncateOutput(s string) string {
	if len(s) > maxOutputBytes {
		n := maxOutputBytes
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
		if len(s) > maxOutputBytes {
			return truncateOutput(s)
		}
	}
	return s
}
