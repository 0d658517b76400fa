package dailyx

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecRunner_OutputAndProgress(t *testing.T) {
	sh := requireShell(t)
	r := ExecRunner{Command: sh, Args: []string{"-c", `read line; echo "progress: 40"; echo "got $line for $DAILYX_TASK_ID"; echo "progress: 80%"`}}

	var mu sync.Mutex
	var seen []int
	out, err := r.Run(context.Background(), DispatchRequest{TaskID: "t1", Description: "hello"}, func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "got hello for t1" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(seen) != 3 || seen[0] != 40 || seen[1] != 80 || seen[2] != 100 {
		t.Fatalf("unexpected progress %v", seen)
	}
}

func TestExecRunner_ExitCodes(t *testing.T) {
	sh := requireShell(t)
	r := ExecRunner{Command: sh, TerminalExitCodes: []int{3}}

	r.Args = []string{"-c", "echo flaky >&2; exit 1"}
	_, err := r.Run(context.Background(), DispatchRequest{TaskID: "t1"}, nil)
	if err == nil || Classify(err) != FailureTransient || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("exit 1: want transient failure with stderr, got %v", err)
	}

	r.Args = []string{"-c", "exit 3"}
	_, err = r.Run(context.Background(), DispatchRequest{TaskID: "t1"}, nil)
	if Classify(err) != FailureTerminal {
		t.Fatalf("exit 3: want terminal failure, got %v", err)
	}

	_, err = ExecRunner{}.Run(context.Background(), DispatchRequest{}, nil)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("missing command: want terminal error, got %v", err)
	}
}

func TestParseProgress(t *testing.T) {
	cases := map[string]int{"progress: 10": 10, "  progress:55% ": 55}
	for line, want := range cases {
		if got, ok := parseProgress(line); !ok || got != want {
			t.Fatalf("parseProgress(%q) = %d %v", line, got, ok)
		}
	}
	for _, line := range []string{"progress: lots", "done", ""} {
		if _, ok := parseProgress(line); ok {
			t.Fatalf("parseProgress(%q) matched", line)
		}
	}
}
