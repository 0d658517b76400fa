package dailyx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// AgentRunner executes one attempt of a task. progress may be called at any
// time with a completion percentage.
type AgentRunner interface {
	Run(ctx context.Context, req DispatchRequest, progress func(percent int)) (string, error)
}

type RunnerFunc func(ctx context.Context, req DispatchRequest, progress func(percent int)) (string, error)

func (f RunnerFunc) Run(ctx context.Context, req DispatchRequest, progress func(percent int)) (string, error) {
	return f(ctx, req, progress)
}

// Processor runs an asynq server executing dispatched tasks and reports
// heartbeats and outcomes to a ResultSink.
type Processor struct {
	server    *asynq.Server
	runner    AgentRunner
	sink      ResultSink
	heartbeat time.Duration
	log       *slog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// Heartbeat is how often an in-flight attempt reports progress.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func NewProcessor(redisOpt asynq.RedisConnOpt, runner AgentRunner, sink ResultSink, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 4
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: con, Queues: qs})
	return &Processor{server: server, runner: runner, sink: sink, heartbeat: hb, log: log}
}

type attemptKey struct{}

// attempt tracks one running execution for the middleware.
type attempt struct {
	req DispatchRequest

	mu      sync.Mutex
	percent int
	output  string
}

func (a *attempt) setPercent(p int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.percent = max(0, min(p, 100))
	return a.percent
}

func (a *attempt) currentPercent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.percent
}

// lifecycleMiddleware decodes the attempt, keeps heartbeats flowing while the
// handler runs and delivers the outcome afterwards.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		var req DispatchRequest
		if err := json.Unmarshal(t.Payload(), &req); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		att := &attempt{req: req}
		hbCtx, stop := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.heartbeats(hbCtx, att)
		}()

		err := next.ProcessTask(context.WithValue(ctx, attemptKey{}, att), t)
		stop()
		wg.Wait()

		res := Result{TaskID: req.TaskID, WorkerID: req.WorkerID, Status: StatusCompleted}
		att.mu.Lock()
		res.Output = att.output
		att.mu.Unlock()
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			res.Terminal = Classify(err) == FailureTerminal
		}
		if derr := p.sink.Deliver(context.WithoutCancel(ctx), res); derr != nil {
			p.log.Error("deliver result", "task_id", req.TaskID, "worker_id", req.WorkerID, "error", derr)
		}
		return err
	})
}

func (p *Processor) heartbeats(ctx context.Context, att *attempt) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx, att, att.currentPercent())
		}
	}
}

func (p *Processor) beat(ctx context.Context, att *attempt, percent int) {
	err := p.sink.Deliver(ctx, Result{TaskID: att.req.TaskID, WorkerID: att.req.WorkerID, Progress: &percent})
	if err != nil && ctx.Err() == nil {
		p.log.Debug("heartbeat", "task_id", att.req.TaskID, "error", err)
	}
}

func (p *Processor) handleExecute(ctx context.Context, t *asynq.Task) error {
	att, ok := ctx.Value(attemptKey{}).(*attempt)
	if !ok {
		return fmt.Errorf("%s handled outside lifecycle middleware: %w", t.Type(), asynq.SkipRetry)
	}
	p.log.Info("attempt started", "task_id", att.req.TaskID, "worker_id", att.req.WorkerID, "attempt", att.req.Attempt)
	out, err := p.runner.Run(ctx, att.req, func(percent int) {
		p.beat(ctx, att, att.setPercent(percent))
	})
	att.mu.Lock()
	att.output = out
	att.mu.Unlock()
	if err != nil {
		p.log.Warn("attempt failed", "task_id", att.req.TaskID, "worker_id", att.req.WorkerID, "error", err)
		return err
	}
	p.log.Info("attempt finished", "task_id", att.req.TaskID, "worker_id", att.req.WorkerID)
	return nil
}

func (p *Processor) handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeExecute, p.handleExecute)
	return p.lifecycleMiddleware(mux)
}

// Run serves until the process receives a termination signal.
func (p *Processor) Run() error { return p.server.Run(p.handler()) }

// Start serves in the background; stop it with Shutdown.
func (p *Processor) Start() error { return p.server.Start(p.handler()) }

func (p *Processor) Shutdown() { p.server.Shutdown() }
