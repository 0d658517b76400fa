package dailyx

import (
	"errors"
	"testing"
)

func TestStatusGraph(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusGenerated, StatusPending}:    true,
		{StatusGenerated, StatusCancelled}:  true,
		{StatusPending, StatusInProgress}:   true,
		{StatusPending, StatusCancelled}:    true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
		{StatusFailed, StatusPending}:       true,
		{StatusFailed, StatusEscalated}:     true,
	}
	humanOnly := map[[2]Status]bool{
		{StatusPending, StatusEscalated}:    true,
		{StatusInProgress, StatusEscalated}: true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			pair := [2]Status{from, to}
			wantNormal := allowed[pair] || (to == StatusArchived && from != StatusArchived)
			if got := CanTransition(from, to); got != wantNormal {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, wantNormal)
			}
			err := checkTransition(from, to, true)
			wantHuman := wantNormal || humanOnly[pair]
			if (err == nil) != wantHuman {
				t.Fatalf("human %s -> %s: err=%v, want allowed=%v", from, to, err, wantHuman)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("human %s -> %s: unexpected error type %v", from, to, err)
			}
		}
	}
}

func TestTerminalStatusesOnlyLeadToArchive(t *testing.T) {
	for _, s := range Statuses {
		if !IsTerminal(s) {
			continue
		}
		for _, to := range Statuses {
			if to == StatusArchived {
				continue
			}
			if checkTransition(s, to, true) == nil {
				t.Fatalf("terminal %s must not move to %s", s, to)
			}
		}
	}
	for _, s := range []Status{StatusGenerated, StatusPending, StatusInProgress, StatusFailed} {
		if IsTerminal(s) {
			t.Fatalf("%s reported terminal", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if Status("done").Valid() {
		t.Fatalf("unknown status reported valid")
	}
	if !StatusInProgress.Valid() {
		t.Fatalf("in_progress reported invalid")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{errors.New("x"), FailureTransient},
		{Terminal(errors.New("x")), FailureTerminal},
		{ErrWorkerStall, FailureStall},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	inner := errors.New("inner")
	if err := Terminal(inner); !errors.Is(err, inner) || err.Error() != "inner" {
		t.Fatalf("Terminal must keep the wrapped error: %v", err)
	}
}
