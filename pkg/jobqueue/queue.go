// Package jobqueue is the narrow interface to an external job queue used by the
// map-over-queue and single-over-queue variants: submit jobs, group them, join the group.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const LOG_TAG = "jobqueue"

// JobContext fields are inherited by every job submitted on behalf of a workflow.
type JobContext struct {
	Priority int    `json:"priority,omitempty"`
	Username string `json:"username,omitempty"`
	Image    string `json:"image,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Payload is one job as it travels over the queue.
type Payload struct {
	Handler string        `json:"handler"`
	Args    []interface{} `json:"args"`
	Context JobContext    `json:"context"`
}

// Result is what a worker reports for one task.
type Result struct {
	TaskID string      `json:"task_id"`
	Value  interface{} `json:"value,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Queue is a job queue transport.
type Queue interface {
	Submit(ctx context.Context, queue string, p Payload) (taskID string, err error)
	// Results returns the results known so far for the given tasks; absent entries are pending.
	Results(ctx context.Context, taskIDs []string) (map[string]Result, error)
}

// Group is a set of submitted tasks awaited together.
type Group struct {
	q       Queue
	TaskIDs []string
	Poll    time.Duration
}

func NewGroup(q Queue, taskIDs []string) *Group {
	return &Group{q: q, TaskIDs: taskIDs, Poll: 100 * time.Millisecond}
}

// Ready reports whether every task has a result.
func (g *Group) Ready(ctx context.Context) (bool, error) {
	res, err := g.q.Results(ctx, g.TaskIDs)
	if err != nil {
		return false, err
	}
	return len(res) == len(g.TaskIDs), nil
}

// Join waits up to timeout for every task and returns results in submission order.
// A zero timeout waits until ctx is done.
func (g *Group) Join(ctx context.Context, timeout time.Duration) ([]Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(g.Poll)
	defer ticker.Stop()
	for {
		res, err := g.q.Results(ctx, g.TaskIDs)
		if err != nil {
			return nil, err
		}
		if len(res) == len(g.TaskIDs) {
			out := make([]Result, len(g.TaskIDs))
			for i, id := range g.TaskIDs {
				out[i] = res[id]
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%d of %d tasks unfinished: %w", len(g.TaskIDs)-len(res), len(g.TaskIDs), ctx.Err())
		case <-ticker.C:
		}
	}
}

// BuildFunc turns one job's arguments into a payload.
type BuildFunc func(ctx context.Context, args []interface{}) (Payload, error)

// HandlerFunc executes a job on the worker side.
type HandlerFunc func(ctx context.Context, args []interface{}) (interface{}, error)

var (
	regMu    sync.RWMutex
	builders = map[string]BuildFunc{}
	handlers = map[string]HandlerFunc{}
)

// RegisterBuilder installs a job builder under name.
func RegisterBuilder(name string, fn BuildFunc) {
	regMu.Lock()
	defer regMu.Unlock()
	builders[name] = fn
}

// RegisterHandler installs a worker-side job handler under name.
func RegisterHandler(name string, fn HandlerFunc) {
	regMu.Lock()
	defer regMu.Unlock()
	handlers[name] = fn
}

// Build makes the payload for one job. Without a registered builder,
// the job calls the handler of the same name with the arguments as given.
func Build(ctx context.Context, name string, args []interface{}, jc JobContext) (Payload, error) {
	regMu.RLock()
	fn, ok := builders[name]
	regMu.RUnlock()
	var p Payload
	if ok {
		var err error
		p, err = fn(ctx, args)
		if err != nil {
			return Payload{}, err
		}
	} else {
		p = Payload{Handler: name, Args: args}
	}
	if p.Context == (JobContext{}) {
		p.Context = jc
	}
	return p, nil
}

// Handle runs a payload with its registered handler.
func Handle(ctx context.Context, p Payload) (interface{}, error) {
	regMu.RLock()
	fn, ok := handlers[p.Handler]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no job handler named %q", p.Handler)
	}
	return fn(ctx, p.Args)
}
