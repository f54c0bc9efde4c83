// Package workunit executes one work unit of any variant.
//
// Units never run inside the executor process. Supervise re-executes the current
// binary as a child, which notices the environment marker in RunChildIfRequested,
// runs the unit and reports back on a pipe. Any binary that launches units must
// therefore call RunChildIfRequested first thing in main (or TestMain).
package workunit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "workunit"

// Runner executes one variant. Output written to out ends up in the execution log.
type Runner interface {
	Run(ctx context.Context, req Request, out io.Writer) (interface{}, error)
}

type RunnerFunc func(ctx context.Context, req Request, out io.Writer) (interface{}, error)

func (f RunnerFunc) Run(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	return f(ctx, req, out)
}

var (
	runnersMu sync.RWMutex
	runners   = map[sfapi.Variant]Runner{}
)

// RegisterRunner installs the runner for a variant, replacing any existing one.
func RegisterRunner(v sfapi.Variant, r Runner) {
	runnersMu.Lock()
	defer runnersMu.Unlock()
	runners[v] = r
}

func runnerFor(v sfapi.Variant) (Runner, bool) {
	runnersMu.RLock()
	defer runnersMu.RUnlock()
	r, ok := runners[v]
	return r, ok
}

func init() {
	RegisterRunner(sfapi.VariantNamedFunction, RunnerFunc(runNamedFunction))
	RegisterRunner(sfapi.VariantInlineFunction, RunnerFunc(runInlineFunction))
	RegisterRunner(sfapi.VariantExecutable, RunnerFunc(runExecutable))
	RegisterRunner(sfapi.VariantCommandTemplate, RunnerFunc(runCommandTemplate))
	RegisterRunner(sfapi.VariantURLTemplate, RunnerFunc(runURLTemplate))
	RegisterRunner(sfapi.VariantPostRequest, RunnerFunc(runPostRequest))
	RegisterRunner(sfapi.VariantRemoteRPC, RunnerFunc(runRemoteRPC))
	RegisterRunner(sfapi.VariantXPath, RunnerFunc(runXPath))
	RegisterRunner(sfapi.VariantXQuery, RunnerFunc(runXQuery))
	RegisterRunner(sfapi.VariantMapOverQueue, RunnerFunc(runMapOverQueue))
	RegisterRunner(sfapi.VariantSingleOverQueue, RunnerFunc(runSingleOverQueue))
	RegisterRunner(sfapi.VariantNestedWorkflow, RunnerFunc(runNestedWorkflow))
	RegisterRunner(sfapi.VariantConversion, RunnerFunc(runConversion))
}

// Run executes req in the current process and normalizes the outcome:
// the result is reduced to plain json values and every error carries a sciflo code.
// Run is what the child calls; the executor never calls it directly.
//
// Errors:
//
//    - sciflo-error-operator-failure -- when the operator fails
//    - sciflo-error-unpickleable-result -- when the result has no json form
//    - sciflo-error-stage-failure, sciflo-error-async-poll-timeout, sciflo-error-cancelled -- passed through from runners
func Run(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	r, ok := runnerFor(req.Config.Variant)
	if !ok {
		return nil, sfapi.ErrorOperatorFailure(req.Config.Variant, req.Config.Call, fmt.Errorf("no runner for variant %q", req.Config.Variant))
	}
	res, err := r.Run(ctx, req, out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, sfapi.ErrorCancelled(req.UnitID)
		}
		if strings.HasPrefix(serum.Code(err), "sciflo-error-") {
			return nil, err
		}
		return nil, sfapi.ErrorOperatorFailure(req.Config.Variant, shortCall(req.Config.Call), err)
	}
	plain, err := Plain(res)
	if err != nil {
		return nil, sfapi.ErrorUnpickleableResult(err)
	}
	return plain, nil
}

// Plain converts v to the json value model (float64, string, bool, nil, []interface{}, map[string]interface{}).
func Plain(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, string, float64, bool:
		return v, nil
	}
	serial, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(serial, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func shortCall(call string) string {
	call = strings.TrimSpace(call)
	if i := strings.IndexByte(call, '\n'); i >= 0 {
		call = call[:i] + "..."
	}
	if len(call) > 120 {
		call = call[:120] + "..."
	}
	return call
}
