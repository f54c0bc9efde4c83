package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warptools/sciflo/pkg/annotate"
	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/postexec"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/sfapi"
)

// Run is one executing workflow.
type Run struct {
	e          *Executor
	id         string
	dir        string
	res        *sfapi.Resolution
	ann        *annotate.Document
	executable string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	order     []*unitState
	units     map[string]*unitState // by config id
	inflight  map[string]string     // unit hash -> config id of the unit computing it
	parked    map[string][]string   // unit hash -> config ids waiting on that computation
	callbacks chan callback
	pending   int
	aborted   bool
	cancelled bool
	failure   *sfapi.ErrorRecord
	state     sfapi.StateFile
	result    *sfapi.WorkflowResult
	done      chan struct{}
}

type unitState struct {
	cfg    sfapi.WorkUnitConfig
	info   sfapi.WorkUnitInfo
	hash   string
	args   []interface{}
	result interface{} // unpublicized
	post   []interface{}
}

// callback is how workers report to the run loop.
// Progress callbacks carry only a status; final ones carry the whole outcome.
type callback struct {
	configID string
	unitID   string
	final    bool
	progress sfapi.Status

	cached  *sfapi.WorkUnitInfo
	outcome workunit.Outcome
	err     error
	post    []interface{}
	postErr error
}

func (r *Run) ID() string {
	return r.id
}

// Dir is the run's output directory.
func (r *Run) Dir() string {
	return r.dir
}

func (r *Run) StatePath() string {
	return filepath.Join(r.dir, StateFileName)
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has settled and returns its result.
func (r *Run) Wait() *sfapi.WorkflowResult {
	<-r.done
	return r.result
}

// State returns a copy of the run's current state record.
func (r *Run) State() sfapi.StateFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	st.Units = make(map[string]sfapi.UnitSummary, len(r.state.Units))
	for k, v := range r.state.Units {
		st.Units[k] = v
	}
	st.UnitIDs = make(map[string]string, len(r.state.UnitIDs))
	for k, v := range r.state.UnitIDs {
		st.UnitIDs[k] = v
	}
	return st
}

// Cancel aborts the run. Units in flight are interrupted and report cancelled;
// units not yet dispatched become not-reached.
// It reports false when the run had already finished or been aborted.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil || r.aborted {
		return false
	}
	r.cancelled = true
	r.abort(sfapi.RecordFromError(sfapi.ErrorCancelled(r.id)))
	r.writeState()
	return true
}

func (r *Run) loop() {
	r.mu.Lock()
	r.promote()
	finished := r.settled()
	r.mu.Unlock()

	ctxDone := r.ctx.Done()
	for !finished {
		select {
		case cb := <-r.callbacks:
			r.mu.Lock()
			r.handle(cb)
		case <-ctxDone:
			ctxDone = nil
			r.mu.Lock()
			if !r.aborted {
				r.cancelled = true
				r.abort(sfapi.RecordFromError(sfapi.ErrorCancelled(r.id)))
			}
		}
		finished = r.settled()
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.finish()
	result := *r.result
	aborted := r.aborted
	r.mu.Unlock()
	r.cancel()

	if aborted {
		r.e.cfg.Notifier.WorkflowAborted(context.WithoutCancel(r.ctx), result)
	}
	workflowsRunning.Dec()
	close(r.done)
}

// settled reports whether nothing more can happen in the run.
// Units still waiting when nothing is in flight can never become ready;
// that is reported as an internal failure.
func (r *Run) settled() bool {
	if r.pending > 0 {
		return false
	}
	if !r.aborted {
		for _, u := range r.order {
			if !u.info.Status.IsTerminal() {
				r.abort(sfapi.RecordFromError(sfapi.ErrorInternal("settling workflow",
					fmt.Errorf("unit %s of process %q can never run", u.cfg.ConfigID, u.cfg.ProcessID))))
				break
			}
		}
	}
	return true
}

// promote dispatches every waiting unit whose dependencies have all succeeded.
func (r *Run) promote() {
	for _, u := range r.order {
		if r.aborted {
			return
		}
		if u.info.Status != sfapi.StatusWaiting || !r.dependenciesMet(u) {
			continue
		}
		r.setStatus(u, sfapi.StatusReady)
		r.dispatch(u)
	}
}

func (r *Run) dependenciesMet(u *unitState) bool {
	for _, dep := range u.cfg.Dependencies() {
		d, ok := r.units[dep]
		if !ok || !d.info.Status.Succeeded() {
			return false
		}
	}
	return true
}

// dispatch computes the unit's concrete arguments and hash and launches it,
// unless an identical unit is already in flight, in which case it parks behind that one.
func (r *Run) dispatch(u *unitState) {
	log := logging.Ctx(r.ctx)
	args, err := r.concreteArgs(u.cfg)
	if err == nil {
		u.args = args
		u.hash, err = ids.UnitHash(u.cfg, args)
	}
	if err != nil {
		r.mint(u)
		r.setStatus(u, sfapi.StatusSent)
		r.fail(u, sfapi.ErrorInternal("preparing arguments of "+u.cfg.ConfigID, err))
		return
	}
	if origin, busy := r.inflight[u.hash]; busy && origin != u.cfg.ConfigID {
		log.Debug(LOG_TAG, "process %q waits on identical unit of %q", u.cfg.ProcessID, r.units[origin].cfg.ProcessID)
		r.parked[u.hash] = append(r.parked[u.hash], u.cfg.ConfigID)
		return
	}
	r.inflight[u.hash] = u.cfg.ConfigID
	r.launch(u)
}

// mint starts a new attempt of u under a fresh unit id.
func (r *Run) mint(u *unitState) {
	unitID := ids.NewUnitID()
	dir := filepath.Join(r.e.cfg.WorkDir, unitID)
	u.info = sfapi.WorkUnitInfo{
		UnitID:           unitID,
		ConfigID:         u.cfg.ConfigID,
		ProcessID:        u.cfg.ProcessID,
		Hash:             u.hash,
		WorkingDir:       dir,
		Status:           sfapi.StatusReady,
		Attempt:          u.info.Attempt + 1,
		ExecutionLogPath: filepath.Join(dir, workunit.ExecutionLogName),
		PidFilePath:      filepath.Join(dir, workunit.PidFileName),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Ctx(r.ctx).Warn(LOG_TAG, "creating unit directory %s: %s", dir, err)
	}
	delete(r.state.Units, u.cfg.ConfigID)
	r.state.UnitIDs[u.cfg.ConfigID] = unitID
	r.ann.Started(u.cfg.ProcessID, unitID, r.executable)
}

func (r *Run) launch(u *unitState) {
	r.mint(u)
	r.setStatus(u, sfapi.StatusSent)
	r.pending++
	timeout := u.cfg.Timeout
	if timeout <= 0 {
		timeout = r.e.cfg.WorkerTimeout
	}
	go r.work(task{
		unitID:  u.info.UnitID,
		cfg:     u.cfg,
		args:    u.args,
		hash:    u.hash,
		dir:     u.info.WorkingDir,
		timeout: timeout,
	})
}

// handle applies one worker report. Reports about attempts that were since replaced are dropped.
func (r *Run) handle(cb callback) {
	u, ok := r.units[cb.configID]
	if !ok || u.info.UnitID != cb.unitID {
		if cb.final {
			r.pending--
		}
		return
	}
	if !cb.final {
		r.setStatus(u, cb.progress)
		r.writeState()
		return
	}
	r.pending--
	switch {
	case cb.cached != nil && cb.err == nil:
		r.materialize(u, *cb.cached)
		r.release(u)
	case cb.err != nil:
		r.fail(u, cb.err)
	default:
		r.complete(u, cb)
	}
	if !r.aborted {
		r.promote()
	}
	r.writeState()
}

// fail settles a failed attempt: a retry when the failure kind and budget allow it,
// otherwise an exception that aborts the run.
func (r *Run) fail(u *unitState, err error) {
	log := logging.Ctx(r.ctx)
	rec := sfapi.RecordFromError(err)
	rec.UnitID = u.info.UnitID
	rec.ConfigID = u.cfg.ConfigID
	rec.ProcessID = u.cfg.ProcessID
	u.info.Exception = rec
	u.info.Traceback = rec.Traceback

	if r.retryable(u, rec) {
		log.Info(LOG_TAG, "process %q attempt %d failed (%s); retrying", u.cfg.ProcessID, u.info.Attempt, rec.Kind)
		r.setStatus(u, sfapi.StatusRetry(u.info.Attempt+1))
		r.launch(u)
		return
	}
	delete(r.inflight, u.hash)
	next := sfapi.StatusException
	if rec.Kind == sfapi.KindCancelled {
		next = sfapi.StatusCancelled
	}
	r.setStatus(u, next)
	log.Info(LOG_TAG, "process %q %s: %s", u.cfg.ProcessID, next, rec.Message)
	r.ann.Exception(u.cfg.ProcessID, rec)
	r.ann.Finished(u.cfg.ProcessID, next, u.info.PidFilePath)
	r.abort(rec)
}

func (r *Run) retryable(u *unitState, rec *sfapi.ErrorRecord) bool {
	if r.aborted {
		return false
	}
	if rec.Kind != sfapi.KindOperatorFailure && rec.Kind != sfapi.KindForkedChildDied {
		return false
	}
	limit := u.cfg.Retries
	if limit > r.e.cfg.MaxRetries {
		limit = r.e.cfg.MaxRetries
	}
	return u.info.Attempt <= limit
}

// complete settles an attempt whose child returned a result.
func (r *Run) complete(u *unitState, cb callback) {
	log := logging.Ctx(r.ctx)
	start, end := cb.outcome.Start, cb.outcome.End
	u.info.Pid = cb.outcome.Pid
	u.info.StartTime, u.info.EndTime = &start, &end
	r.setStatus(u, sfapi.StatusCalledBack)
	unitDuration.Observe(end.Sub(start).Seconds())

	raw := cb.outcome.Result
	u.info.UnpublicizedResult = raw
	if len(u.cfg.PostExec) > 0 {
		r.setStatus(u, sfapi.StatusFinalizing)
	}
	pub, err := publish.Result(r.ctx, r.e.cfg.Publisher, r.e.cfg.WorkDir, raw)
	if err != nil {
		r.fail(u, err)
		return
	}
	u.info.Result = pub
	if cb.postErr != nil {
		r.fail(u, cb.postErr)
		return
	}
	u.result = raw
	u.post = cb.post
	u.info.PostExecResults = cb.post
	r.setStatus(u, sfapi.StatusDone)

	infoPath := filepath.Join(u.info.WorkingDir, workunit.InfoFileName)
	if err := r.e.cfg.Cache.Put(r.ctx, cache.Units, u.hash, infoPath); err != nil {
		log.Info(LOG_TAG, "result of process %q not cached: %s", u.cfg.ProcessID, err)
	}
	r.ann.Result(u.cfg.ProcessID, pub)
	r.ann.Finished(u.cfg.ProcessID, sfapi.StatusDone, u.info.PidFilePath)
	r.release(u)
}

// materialize settles u with a result computed by another unit,
// either found in the cache or computed by an identical unit of this run.
func (r *Run) materialize(u *unitState, from sfapi.WorkUnitInfo) {
	log := logging.Ctx(r.ctx)
	u.result = from.UnpublicizedResult
	if u.result == nil {
		u.result = from.Result
	}
	u.post = from.PostExecResults
	u.info.Result = from.Result
	u.info.UnpublicizedResult = from.UnpublicizedResult
	u.info.PostExecResults = from.PostExecResults
	u.info.CachedFrom = from.UnitID
	stub := fmt.Sprintf("SCIFLO-CACHED: result of unit %s reused; its log is %s\n", from.UnitID, from.ExecutionLogPath)
	if err := os.WriteFile(u.info.ExecutionLogPath, []byte(stub), 0644); err != nil {
		log.Warn(LOG_TAG, "writing execution log stub %s: %s", u.info.ExecutionLogPath, err)
	}
	r.setStatus(u, sfapi.StatusCached)
	log.Info(LOG_TAG, "process %q reused result of unit %s", u.cfg.ProcessID, from.UnitID)
	r.ann.Result(u.cfg.ProcessID, u.info.Result)
	r.ann.Finished(u.cfg.ProcessID, sfapi.StatusCached, u.info.PidFilePath)
}

// release hands the result of u to every unit parked behind it.
func (r *Run) release(u *unitState) {
	delete(r.inflight, u.hash)
	waiting := r.parked[u.hash]
	delete(r.parked, u.hash)
	for _, cid := range waiting {
		p := r.units[cid]
		r.mint(p)
		r.materialize(p, u.info)
	}
}

// abort stops the run after its first unrecoverable failure. Only the first call counts.
func (r *Run) abort(rec *sfapi.ErrorRecord) {
	if r.aborted {
		return
	}
	r.aborted = true
	r.failure = rec
	logging.Ctx(r.ctx).Info(LOG_TAG, "workflow %s aborting: %s", r.id, rec.Error())
	r.cancel()
	for _, u := range r.order {
		if u.info.Status == sfapi.StatusWaiting || u.info.Status == sfapi.StatusReady {
			r.setStatus(u, sfapi.StatusNotReached)
		}
	}
	r.parked = map[string][]string{}
}

// setStatus moves u to next, keeping the state file and workunit.json in step.
func (r *Run) setStatus(u *unitState, next sfapi.Status) {
	log := logging.Ctx(r.ctx)
	prev := u.info.Status
	if !prev.CanTransition(next) {
		log.Warn(LOG_TAG, "process %q: ignoring transition %s -> %s", u.cfg.ProcessID, prev, next)
		return
	}
	u.info.Status = next
	log.Debug(LOG_TAG, "process %q unit %s: %s -> %s", u.cfg.ProcessID, u.info.UnitID, prev, next)
	if next.IsTerminal() {
		unitsTotal.WithLabelValues(statusLabel(next)).Inc()
	}
	key := u.info.UnitID
	if key == "" {
		key = u.cfg.ConfigID
	}
	sum := sfapi.UnitSummary{
		UnitID:    u.info.UnitID,
		ProcessID: u.cfg.ProcessID,
		Status:    next,
		Attempt:   u.info.Attempt,
		Hash:      u.hash,
		Exception: u.info.Exception,
	}
	if u.info.UnitID != "" {
		sum.InfoPath = filepath.Join(u.info.WorkingDir, workunit.InfoFileName)
		if err := cache.WriteRecord(sum.InfoPath, u.info); err != nil {
			log.Warn(LOG_TAG, "writing %s: %s", sum.InfoPath, err)
		}
	}
	r.state.Units[key] = sum
}

func (r *Run) writeState() {
	if err := fsutil.WriteJSONAtomic(r.StatePath(), r.state); err != nil {
		logging.Ctx(r.ctx).Warn(LOG_TAG, "writing state file: %s", err)
	}
}

// concreteArgs replaces every reference in the unit's arguments with the value it names.
func (r *Run) concreteArgs(cfg sfapi.WorkUnitConfig) ([]interface{}, error) {
	out := make([]interface{}, len(cfg.Args))
	for i, a := range cfg.Args {
		v, err := r.argValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (r *Run) argValue(a sfapi.Arg) (interface{}, error) {
	switch {
	case a.Ref != nil:
		return r.refValue(*a.Ref)
	case a.Document != nil:
		vals := make([]interface{}, len(a.Document.Slots))
		for i, s := range a.Document.Slots {
			v, err := r.argValue(s)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return marshal.Substitute(a.Document.Template, vals)
	}
	return a.Literal, nil
}

func (r *Run) refValue(ref sfapi.Ref) (interface{}, error) {
	src, ok := r.units[ref.SourceConfigID]
	if !ok {
		return nil, fmt.Errorf("no unit %s", ref.SourceConfigID)
	}
	if ref.FromPostExec {
		if ref.PostExecIndex < 0 || ref.PostExecIndex >= len(src.post) {
			return nil, fmt.Errorf("unit %s has no post-exec result %d", ref.SourceConfigID, ref.PostExecIndex)
		}
		return src.post[ref.PostExecIndex], nil
	}
	return postexec.Select(src.result, ref.OutputIndex)
}

// finish computes the global outputs and writes the final artifacts.
func (r *Run) finish() {
	log := logging.Ctx(r.ctx)
	status := sfapi.WorkflowDone
	switch {
	case r.cancelled:
		status = sfapi.WorkflowCancelled
	case r.aborted:
		status = sfapi.WorkflowException
	}
	outputs := r.outputs()
	for _, o := range outputs {
		r.ann.GlobalOutput(o)
	}
	annPath := filepath.Join(r.dir, annotate.FileName)
	if err := r.ann.WriteFile(annPath); err != nil {
		log.Warn(LOG_TAG, "writing annotated document: %s", err)
		annPath = ""
	}
	end := time.Now()
	r.state.Status = status
	r.state.EndTime = &end
	r.state.Result = outputs
	r.state.Exception = r.failure
	r.state.AnnotatedDocument = annPath
	r.writeState()
	workflowsTotal.WithLabelValues(string(status)).Inc()
	log.Info(LOG_TAG, "workflow %s %s after %s", r.id, status, end.Sub(r.state.StartTime).Round(time.Millisecond))
	r.result = &sfapi.WorkflowResult{
		WorkflowID:        r.id,
		Name:              r.res.WorkflowName,
		Status:            status,
		Outputs:           outputs,
		Exception:         r.failure,
		StateFile:         r.StatePath(),
		AnnotatedDocument: annPath,
	}
}
