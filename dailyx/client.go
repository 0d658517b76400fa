package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeExecute is the asynq task type carrying one attempt of a task.
const TaskTypeExecute = "dailyx:execute"

// AsynqDispatcher hands tasks to workers through an asynq queue.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

type DispatcherOptions struct {
	Queue string
}

func NewAsynqDispatcher(redisOpt asynq.RedisConnOpt, opts DispatcherOptions) *AsynqDispatcher {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	return &AsynqDispatcher{client: asynq.NewClient(redisOpt), queue: q}
}

// attemptID identifies one dispatch of a task. The worker id is fresh for
// every assignment, so a repeated enqueue of the same attempt is a no-op.
func attemptID(req DispatchRequest) string {
	return req.TaskID + ":" + req.WorkerID
}

// Dispatch enqueues one attempt. Retries are owned by the recovery policy,
// so asynq is told not to retry, and the task expires at the session
// deadline.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (bool, error) {
	if d.client == nil {
		return false, fmt.Errorf("nil asynq client")
	}
	if req.TaskID == "" || req.WorkerID == "" {
		return false, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	options := []asynq.Option{
		asynq.Queue(d.queue),
		asynq.TaskID(attemptID(req)),
		asynq.MaxRetry(0),
	}
	if !req.Deadline.IsZero() {
		options = append(options, asynq.Deadline(req.Deadline))
	}
	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeExecute, payload), options...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *AsynqDispatcher) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
