package dailyx

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Generator proposes the initial task set of a session. StopGenerating is
// called once the session enters its grace period.
type Generator interface {
	Generate(ctx context.Context, sess Session) ([]NewTask, error)
	WarningListener
}

// TaskFile is the YAML layout of a static task set.
type TaskFile struct {
	Tasks []NewTask `yaml:"tasks"`
}

// StaticGenerator returns a fixed task set.
type StaticGenerator struct {
	Tasks []NewTask

	mu      sync.Mutex
	stopped map[string]bool
}

func LoadTaskFile(path string) (*StaticGenerator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dailyx: read task file: %w", err)
	}
	var f TaskFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("dailyx: parse task file %s: %w", path, err)
	}
	return &StaticGenerator{Tasks: f.Tasks}, nil
}

func (g *StaticGenerator) Generate(_ context.Context, sess Session) ([]NewTask, error) {
	if g.Stopped(sess.ID) {
		return nil, nil
	}
	out := make([]NewTask, len(g.Tasks))
	copy(out, g.Tasks)
	return out, nil
}

func (g *StaticGenerator) StopGenerating(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped == nil {
		g.stopped = make(map[string]bool)
	}
	g.stopped[sessionID] = true
	return nil
}

func (g *StaticGenerator) Stopped(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped[sessionID]
}
