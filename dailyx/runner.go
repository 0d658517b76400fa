package dailyx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// ExecRunner executes a task by running a command. The task description is
// written to its stdin and its stdout becomes the output. A stdout line of
// the form "progress: N" reports N percent instead of being captured.
type ExecRunner struct {
	Command string
	Args    []string
	// TerminalExitCodes mark failures that must not be retried.
	TerminalExitCodes []int
}

func (r ExecRunner) Run(ctx context.Context, req DispatchRequest, progress func(percent int)) (string, error) {
	if r.Command == "" {
		return "", Terminal(errors.New("no command configured"))
	}
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = strings.NewReader(req.Description)
	cmd.Env = append(os.Environ(),
		"DAILYX_TASK_ID="+req.TaskID,
		"DAILYX_SESSION_ID="+req.SessionID,
		"DAILYX_WORKER_ID="+req.WorkerID,
		"DAILYX_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", Terminal(fmt.Errorf("start %s: %w", r.Command, err))
	}

	var out strings.Builder
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if p, ok := parseProgress(line); ok {
			if progress != nil {
				progress(p)
			}
			continue
		}
		if out.Len() < maxOutputBytes {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	// drain whatever the scanner gave up on so Wait does not block
	_, _ = io.Copy(io.Discard, stdout)
	err = cmd.Wait()
	output := truncateOutput(strings.TrimRight(out.String(), "\n"))
	if err == nil {
		if progress != nil {
			progress(100)
		}
		return output, nil
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && slices.Contains(r.TerminalExitCodes, exitErr.ExitCode()) {
		return output, Terminal(errors.New(msg))
	}
	return output, errors.New(msg)
}

func parseProgress(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "progress:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "%")))
	if err != nil {
		return 0, false
	}
	return n, true
}
