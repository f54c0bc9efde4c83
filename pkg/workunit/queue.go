package workunit

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/pkg/logging"
)

// openQueue connects to the configured job queue, or a local one when none is configured.
func openQueue(ctx context.Context, req Request) (jobqueue.Queue, func(), error) {
	if strings.HasPrefix(req.QueueURL, "amqp://") || strings.HasPrefix(req.QueueURL, "amqps://") {
		q, err := jobqueue.DialAMQP(ctx, req.QueueURL)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { q.Close() }, nil
	}
	n := req.QueueConcurrency
	if n <= 0 {
		n = 4
	}
	return jobqueue.NewLocalQueue(int64(n)), func() {}, nil
}

// mapJobs builds one argument list per element of the first argument.
// Later arguments whose input tag starts with "map" are aligned lists indexed
// the same way; all other arguments are passed unchanged to every job.
func mapJobs(req Request) ([][]interface{}, error) {
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("map needs a list to map over")
	}
	over, ok := req.Args[0].([]interface{})
	if !ok {
		over = []interface{}{req.Args[0]}
	}
	jobs := make([][]interface{}, len(over))
	for i, e := range over {
		args := []interface{}{e}
		for j := 1; j < len(req.Args); j++ {
			name := ""
			if j < len(req.Config.ArgNames) {
				name = req.Config.ArgNames[j]
			}
			aligned, isList := req.Args[j].([]interface{})
			if strings.HasPrefix(name, "map") && isList {
				if len(aligned) != len(over) {
					return nil, fmt.Errorf("map argument %q has %d elements, want %d", name, len(aligned), len(over))
				}
				args = append(args, aligned[i])
				continue
			}
			args = append(args, req.Args[j])
		}
		jobs[i] = args
	}
	return jobs, nil
}

func runMapOverQueue(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	jobs, err := mapJobs(req)
	if err != nil {
		return nil, err
	}
	results, err := submitAndJoin(ctx, req, jobs, out)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func runSingleOverQueue(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	results, err := submitAndJoin(ctx, req, [][]interface{}{req.Args}, out)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// submitAndJoin sends one job per argument list and waits for the whole group.
// Async bindings return the task ids without waiting.
func submitAndJoin(ctx context.Context, req Request, jobs [][]interface{}, out io.Writer) ([]interface{}, error) {
	log := logging.Ctx(ctx)
	q, closeQueue, err := openQueue(ctx, req)
	if err != nil {
		return nil, err
	}
	defer closeQueue()
	name := req.Config.Endpoint.Queue
	ids := make([]string, len(jobs))
	for i, args := range jobs {
		p, err := jobqueue.Build(ctx, req.Config.Call, args, req.JobContext)
		if err != nil {
			return nil, fmt.Errorf("building job %d: %w", i, err)
		}
		if ids[i], err = q.Submit(ctx, name, p); err != nil {
			return nil, fmt.Errorf("submitting job %d: %w", i, err)
		}
	}
	fmt.Fprintf(out, "submitted %d jobs to queue %q\n", len(ids), name)
	log.Debug(LOG_TAG, "submitted %d jobs to queue %q", len(ids), name)
	if req.Config.Endpoint.Async {
		out := make([]interface{}, len(ids))
		for i, id := range ids {
			out[i] = id
		}
		return out, nil
	}
	results, err := jobqueue.NewGroup(q, ids).Join(ctx, req.Timeout)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(results))
	var failed []string
	for i, r := range results {
		if r.Error != "" {
			failed = append(failed, fmt.Sprintf("job %d (%s): %s", i, r.TaskID, r.Error))
			continue
		}
		values[i] = r.Value
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("%d of %d jobs failed: %s", len(failed), len(results), strings.Join(failed, "; "))
	}
	return values, nil
}
