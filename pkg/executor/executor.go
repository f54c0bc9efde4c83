// Package executor runs resolved workflows.
//
// A run keeps one state record per work-unit configuration. A unit is dispatched
// once every unit it reads from has succeeded; dispatch blocks on a bounded worker
// pool, consults the result cache, and hands the unit to a supervised child process.
// Completions come back to a single loop per run, which is the only place unit state
// changes, so a run's bookkeeping needs no finer locking than one mutex.
//
// The first unit failure that is not retried aborts the run: everything still waiting
// becomes not-reached, and everything in flight is sent SIGINT.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/warptools/sciflo/pkg/annotate"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/graph"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/postexec"
	"github.com/warptools/sciflo/pkg/resolver"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "executor"

// StateFileName is the name of the state file inside a run's directory.
const StateFileName = "sciflo.json"

type Executor struct {
	cfg      Config
	sem      *semaphore.Weighted
	stager   *marshal.Stager
	pipeline *postexec.Pipeline
	resolver *resolver.Resolver

	mu   sync.Mutex
	runs map[string]*Run
}

func New(cfg Config) *Executor {
	cfg = cfg.normalize()
	stager := marshal.NewStager(cfg.S3)
	res := resolver.New(cfg.Registry)
	res.Owner = cfg.Owner
	return &Executor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		stager:   stager,
		pipeline: postexec.New(cfg.Cache, stager),
		resolver: res,
		runs:     map[string]*Run{},
	}
}

func (e *Executor) Config() Config {
	return e.cfg
}

// Resolve turns doc into work-unit configurations without running anything.
func (e *Executor) Resolve(ctx context.Context, doc *sfapi.Document, args interface{}) (*sfapi.Resolution, error) {
	return e.resolver.Resolve(ctx, doc, args)
}

// StatePath is where the state file of the given workflow lives,
// whether or not this executor is the one running it.
func (e *Executor) StatePath(workflowID string) string {
	return filepath.Join(e.cfg.WorkDir, workflowID, StateFileName)
}

// Execute runs doc to completion.
// A workflow that fails while running is not an error here:
// the failure is reported in the result, whose status says how it ended.
//
// Errors:
//
//    - sciflo-error-schema-invalid, sciflo-error-invalid-argument,
//      sciflo-error-binding-unparseable, sciflo-error-reference-unresolvable -- when the document does not resolve
//    - sciflo-error-io -- when the run directory cannot be created
func (e *Executor) Execute(ctx context.Context, doc *sfapi.Document, args interface{}) (*sfapi.WorkflowResult, error) {
	run, err := e.Start(ctx, doc, args)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start resolves doc and begins running it in the background.
// The run stops early when ctx is cancelled, as if Cancel had been called.
//
// Errors:
//
//    - sciflo-error-schema-invalid, sciflo-error-invalid-argument,
//      sciflo-error-binding-unparseable, sciflo-error-reference-unresolvable -- when the document does not resolve
//    - sciflo-error-io -- when the run directory cannot be created
func (e *Executor) Start(ctx context.Context, doc *sfapi.Document, args interface{}) (_ *Run, err error) {
	workflowID := ids.NewWorkflowID()
	ctx, span := tracing.Start(ctx, "start workflow", trace.WithAttributes(
		attribute.String(tracing.AttrKeyScifloFlowId, doc.Flow.ID),
		attribute.String(tracing.AttrKeyScifloWorkflowId, workflowID),
	))
	defer func() { tracing.EndWithStatus(span, err) }()

	res, err := e.resolver.Resolve(ctx, doc, args)
	if err != nil {
		return nil, err
	}
	return e.StartResolved(ctx, doc, res, workflowID)
}

// StartResolved begins running an already resolved document under the given workflow id.
//
// Errors:
//
//    - sciflo-error-io -- when the run directory cannot be created
//    - sciflo-error-schema-invalid -- when the raw document cannot be annotated
func (e *Executor) StartResolved(ctx context.Context, doc *sfapi.Document, res *sfapi.Resolution, workflowID string) (*Run, error) {
	log := logging.Ctx(ctx)
	dir := filepath.Join(e.cfg.WorkDir, workflowID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, sfapi.ErrorIo("creating workflow directory", dir, err)
	}
	ann, err := annotate.New(doc.Raw, processIDs(res))
	if err != nil {
		return nil, err
	}
	graphPath := filepath.Join(dir, graph.FileName)
	if err := graph.WriteSVG(res, graphPath); err != nil {
		log.Warn(LOG_TAG, "rendering workflow graph: %s", err)
		graphPath = ""
	}
	exe, _ := os.Executable()

	rctx, cancel := context.WithCancel(ctx)
	r := &Run{
		e:          e,
		id:         workflowID,
		dir:        dir,
		res:        res,
		ann:        ann,
		executable: exe,
		ctx:        rctx,
		cancel:     cancel,
		units:      make(map[string]*unitState, len(res.Units)),
		inflight:   map[string]string{},
		parked:     map[string][]string{},
		callbacks:  make(chan callback),
		done:       make(chan struct{}),
	}
	for _, cfg := range res.Units {
		u := &unitState{cfg: cfg}
		u.info = sfapi.WorkUnitInfo{ConfigID: cfg.ConfigID, ProcessID: cfg.ProcessID, Status: sfapi.StatusWaiting}
		r.units[cfg.ConfigID] = u
		r.order = append(r.order, u)
	}
	r.state = sfapi.StateFile{
		WorkflowID: workflowID,
		Name:       res.WorkflowName,
		Args:       res.Args,
		WorkDir:    e.cfg.WorkDir,
		OutputDir:  dir,
		StartTime:  time.Now(),
		Pid:        os.Getpid(),
		Units:      map[string]sfapi.UnitSummary{},
		UnitIDs:    map[string]string{},
		Status:     sfapi.WorkflowRunning,
		Graph:      graphPath,
	}
	r.writeState()

	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()
	workflowsRunning.Inc()

	log.Info(LOG_TAG, "workflow %s (%s): %d units, state file %s", workflowID, res.WorkflowName, len(res.Units), r.StatePath())
	go r.loop()
	return r, nil
}

// Lookup finds a run started by this executor.
func (e *Executor) Lookup(workflowID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	return r, ok
}

// Cancel stops a run started by this executor.
// It reports false when the run is unknown or already settled.
func (e *Executor) Cancel(workflowID string) bool {
	r, ok := e.Lookup(workflowID)
	if !ok {
		return false
	}
	return r.Cancel()
}

// Runs lists the workflow ids this executor has started, sorted.
func (e *Executor) Runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// processIDs lists the document's process ids in document order.
func processIDs(res *sfapi.Resolution) []string {
	var procs []sfapi.WorkUnitConfig
	for _, u := range res.Units {
		if !u.Implicit {
			procs = append(procs, u)
		}
	}
	sort.SliceStable(procs, func(i, j int) bool { return procs[i].ProcessIndex < procs[j].ProcessIndex })
	out := make([]string, len(procs))
	for i, u := range procs {
		out[i] = u.ProcessID
	}
	return out
}

// ReadState loads a state file written by a run.
//
// Errors:
//
//    - sciflo-error-io -- when the file cannot be read
//    - sciflo-error-serialization -- when it is not a state file
func ReadState(path string) (sfapi.StateFile, error) {
	var st sfapi.StateFile
	err := fsutil.ReadJSON(path, &st)
	return st, err
}
