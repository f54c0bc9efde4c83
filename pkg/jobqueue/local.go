package jobqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// LocalQueue runs jobs in this process, with at most Concurrency at once.
// It stands in for an external queue on a single machine and in tests.
type LocalQueue struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	results map[string]Result
}

func NewLocalQueue(concurrency int64) *LocalQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LocalQueue{
		sem:     semaphore.NewWeighted(concurrency),
		results: map[string]Result{},
	}
}

func (q *LocalQueue) Submit(ctx context.Context, queue string, p Payload) (string, error) {
	id := uuid.NewString()
	go func() {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.finish(Result{TaskID: id, Error: err.Error()})
			return
		}
		defer q.sem.Release(1)
		q.finish(runPayload(ctx, id, p))
	}()
	return id, nil
}

func runPayload(ctx context.Context, id string, p Payload) (res Result) {
	res.TaskID = id
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	v, err := Handle(ctx, p)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Value = v
	return res
}

func (q *LocalQueue) finish(r Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[r.TaskID] = r
}

func (q *LocalQueue) Results(ctx context.Context, taskIDs []string) (map[string]Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Result, len(taskIDs))
	for _, id := range taskIDs {
		if r, ok := q.results[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}
