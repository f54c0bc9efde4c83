package workunit

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/marshal"
)

// NestedExecutor runs an embedded workflow document to completion and returns its outputs.
type NestedExecutor func(ctx context.Context, document string, args []interface{}, workDir string, out io.Writer) (interface{}, error)

var (
	nestedMu sync.RWMutex
	nested   NestedExecutor
)

// SetNestedExecutor installs the function nested-workflow units run with.
// The executor package installs itself when linked in.
func SetNestedExecutor(fn NestedExecutor) {
	nestedMu.Lock()
	defer nestedMu.Unlock()
	nested = fn
}

func runNestedWorkflow(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	nestedMu.RLock()
	fn := nested
	nestedMu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("nested workflows are not available in this binary")
	}
	dir := req.OutputDir
	if dir == "" {
		dir = req.WorkingDir
	}
	return fn(ctx, req.Config.Call, req.Args, dir, out)
}

// runConversion applies one registry converter to the single argument.
// The source and target types are the unit's declared input and output types.
func runConversion(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	c, ok := conversion.LookupFunc(req.Config.Call)
	if !ok {
		return nil, fmt.Errorf("no conversion function %q", req.Config.Call)
	}
	if len(req.Args) != 1 {
		return nil, fmt.Errorf("conversion %q takes one argument, got %d", c.Name, len(req.Args))
	}
	env := conversion.Env{OutDir: req.WorkingDir, BaseName: "converted"}
	if len(req.Config.Inputs) > 0 {
		env.From = req.Config.Inputs[0].Type
	}
	if len(req.Config.Outputs) > 0 {
		env.To = req.Config.Outputs[0].Type
	}
	in := req.Args[0]
	if c.FileLocalizing {
		var err error
		in, err = marshal.NewStager(req.S3).Localize(ctx, in, filepath.Join(req.WorkingDir, "localized"))
		if err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(out, "converting %s -> %s with %s\n", env.From, env.To, c.Name)
	return c.Fn(ctx, in, env)
}
