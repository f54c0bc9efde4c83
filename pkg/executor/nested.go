package executor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	workunit.SetNestedExecutor(runNested)
}

// runNested executes an embedded workflow inside a work-unit child.
// One output is returned bare; several come back as a list.
func runNested(ctx context.Context, document string, args []interface{}, workDir string, out io.Writer) (interface{}, error) {
	doc, err := sfapi.ParseDocument([]byte(document))
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.WorkDir = filepath.Join(workDir, "nested")
	cfg.Cache = cache.NullCache{}
	var wfArgs interface{}
	if len(args) > 0 {
		wfArgs = args
	}
	res, err := New(cfg).Execute(ctx, doc, wfArgs)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "nested workflow %s (%s) %s: state file %s\n", res.WorkflowID, res.Name, res.Status, res.StateFile)
	if res.Status != sfapi.WorkflowDone {
		if res.Exception != nil {
			return nil, res.Exception
		}
		return nil, sfapi.ErrorWorkflowFailed(res.WorkflowID, fmt.Errorf("ended %s", res.Status))
	}
	vals := res.Values()
	if len(vals) == 1 {
		return vals[0], nil
	}
	return vals, nil
}
