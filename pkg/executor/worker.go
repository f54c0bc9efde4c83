package executor

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/sfapi"
)

// task is the immutable copy of one attempt that a worker goroutine runs.
type task struct {
	unitID  string
	cfg     sfapi.WorkUnitConfig
	args    []interface{}
	hash    string
	dir     string
	timeout time.Duration
}

// work runs one attempt: it waits for a pool slot, checks the cache,
// stages files, supervises the child and runs post-exec steps.
// Exactly one final callback is sent for every call.
func (r *Run) work(t task) {
	ctx, span := tracing.Start(r.ctx, "run work unit", trace.WithAttributes(
		attribute.String(tracing.AttrKeyScifloUnitId, t.unitID),
		attribute.String(tracing.AttrKeyScifloProcessId, t.cfg.ProcessID),
		attribute.String(tracing.AttrKeyScifloUnitHash, t.hash),
	))
	log := logging.Ctx(ctx)
	send := func(cb callback) {
		cb.configID, cb.unitID = t.cfg.ConfigID, t.unitID
		r.callbacks <- cb
	}
	final := func(cb callback) {
		cb.final = true
		tracing.EndWithStatus(span, cb.err)
		send(cb)
	}

	if err := r.e.sem.Acquire(ctx, 1); err != nil {
		final(callback{err: sfapi.ErrorCancelled(t.unitID)})
		return
	}
	defer r.e.sem.Release(1)
	if ctx.Err() != nil {
		final(callback{err: sfapi.ErrorCancelled(t.unitID)})
		return
	}

	path, hit, err := r.e.cfg.Cache.Get(ctx, cache.Units, t.hash)
	if err != nil {
		log.Info(LOG_TAG, "cache lookup for process %q failed, running it: %s", t.cfg.ProcessID, err)
	}
	if hit {
		rec, err := cache.ReadRecord(path)
		if err == nil && rec.Status.Succeeded() {
			cacheLookups.WithLabelValues("hit").Inc()
			final(callback{cached: &rec})
			return
		}
		log.Info(LOG_TAG, "cache entry %s for process %q unusable, running it: %v", path, t.cfg.ProcessID, err)
	}
	cacheLookups.WithLabelValues("miss").Inc()

	if len(t.cfg.StageFiles) > 0 {
		send(callback{progress: sfapi.StatusStaging})
		if _, err := r.e.stager.Stage(ctx, t.cfg.StageFiles, t.dir); err != nil {
			final(callback{err: err})
			return
		}
	}
	send(callback{progress: sfapi.StatusWorking})

	out, err := r.e.cfg.Supervisor.Run(ctx, r.request(t), t.timeout)
	cb := callback{outcome: out, err: err}
	if err == nil && len(t.cfg.PostExec) > 0 {
		cb.post, cb.postErr = r.e.pipeline.Run(ctx, t.hash, out.Result, t.cfg.PostExec, t.dir)
	}
	final(cb)
}

func (r *Run) request(t task) workunit.Request {
	c := r.e.cfg
	return workunit.Request{
		UnitID:           t.unitID,
		Config:           t.cfg,
		Args:             t.args,
		WorkingDir:       t.dir,
		OutputDir:        r.dir,
		PackagesDir:      c.PackagesDir,
		PollInterval:     c.PollInterval,
		PollBudget:       c.PollBudget,
		QueueURL:         c.QueueURL,
		QueueConcurrency: c.QueueConcurrency,
		JobContext:       c.JobContext,
		S3:               c.S3,
		Timeout:          t.timeout,
		Verbose:          c.Verbose,
	}
}
