package healthcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/sfapi"
)

// BinCheck looks for an executable on PATH.
// Executable and command-template operators need their programs to be found this way.
type BinCheck struct {
	Name string
}

func (c *BinCheck) String() string {
	return fmt.Sprintf("Binary Path Check: %q", c.Name)
}

// Run checks that an executable can be found for the given name.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-okay -- when the binary is found
//    - sciflo-error-healthcheck-run-fail -- when the binary cannot be found or run
func (c *BinCheck) Run(ctx context.Context) error {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return fail(err, "could not find binary")
	}
	if err := executionAccess(path); err != nil {
		return err
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if target, err := filepath.EvalSymlinks(path); err == nil {
			return serum.Errorf(CodeRunOkay, "symlink: %q -> %q", path, target)
		}
	}
	return serum.Errorf(CodeRunOkay, "path: %s", path)
}

// WorkDirCheck makes sure run and unit directories can be created under Dir.
type WorkDirCheck struct {
	Dir string
}

func (c *WorkDirCheck) String() string {
	return fmt.Sprintf("Work directory: %s", c.Dir)
}

// Run creates and removes a scratch directory under the work directory.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-okay --
//    - sciflo-error-healthcheck-run-fail -- when the directory is not writable
func (c *WorkDirCheck) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fail(err, "cannot create work directory")
	}
	scratch, err := os.MkdirTemp(c.Dir, "healthcheck-")
	if err != nil {
		return fail(err, "work directory is not writable")
	}
	os.RemoveAll(scratch)
	return serum.Errorf(CodeRunOkay, "writable")
}

// CacheCheck stores and reads back one record in the configured result cache.
type CacheCheck struct {
	Cache cache.Cache
	// Dir receives the throwaway record file.
	Dir string
}

func (c *CacheCheck) String() string {
	return "Result cache"
}

// Run round-trips a record through the cache.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-okay --
//    - sciflo-error-healthcheck-run-ambiguous -- when caching is turned off
//    - sciflo-error-healthcheck-run-fail -- when the cache cannot be written or read
func (c *CacheCheck) Run(ctx context.Context) error {
	if _, off := c.Cache.(cache.NullCache); off || c.Cache == nil {
		return serum.Errorf(CodeRunAmbiguous, "caching is off; every unit will run")
	}
	dir, err := os.MkdirTemp(c.Dir, "healthcheck-cache-")
	if err != nil {
		return fail(err, "cannot make a scratch directory")
	}
	defer os.RemoveAll(dir)
	record := filepath.Join(dir, "workunit.json")
	if err := cache.WriteRecord(record, sfapi.WorkUnitInfo{UnitID: "healthcheck", Status: sfapi.StatusDone}); err != nil {
		return fail(err, "cannot write a record")
	}
	const hash = "healthcheck"
	if err := c.Cache.Put(ctx, cache.Units, hash, record); err != nil {
		return fail(err, "cannot store a record")
	}
	path, found, err := c.Cache.Get(ctx, cache.Units, hash)
	switch {
	case err != nil:
		return fail(err, "cannot look up a record")
	case !found || path != record:
		return serum.Errorf(CodeRunFailure, "stored record was not found again")
	}
	return serum.Errorf(CodeRunOkay, "records round-trip")
}

// QueueCheck connects to the job queue broker, when one is configured.
type QueueCheck struct {
	URL string
}

func (c *QueueCheck) String() string {
	return "Job queue"
}

// Run dials the broker and hangs up.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-okay --
//    - sciflo-error-healthcheck-run-ambiguous -- when no broker is configured
//    - sciflo-error-healthcheck-run-fail -- when the broker cannot be reached
func (c *QueueCheck) Run(ctx context.Context) error {
	if c.URL == "" {
		return serum.Errorf(CodeRunAmbiguous, "no job queue configured; queue operators run in-process")
	}
	q, err := jobqueue.DialAMQP(ctx, c.URL)
	if err != nil {
		return fail(err, "cannot reach the broker")
	}
	q.Close()
	return serum.Errorf(CodeRunOkay, "connected")
}

// ExecutionCheck runs a one-process workflow end to end: a child work unit
// evaluates an inline function and the output comes back through the state file.
type ExecutionCheck struct {
	Config executor.Config
}

func (c *ExecutionCheck) String() string {
	return "Execute"
}

const executionDoc = `<sciflo>
  <flow id="healthcheck">
    <outputs><answer type="xs:int" from="@#twice"/></outputs>
    <processes>
      <process id="twice">
        <inputs><x type="xs:int">21</x></inputs>
        <outputs><answer type="xs:int"/></outputs>
        <operator><op><binding>python:func twice(x int) int { return x * 2 }</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`

// Run executes the workflow in a scratch work directory, without the result cache.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-okay --
//    - sciflo-error-healthcheck-run-fail -- when the workflow does not produce 42
func (c *ExecutionCheck) Run(ctx context.Context) error {
	doc, err := sfapi.ParseDocument([]byte(executionDoc))
	if err != nil {
		return fail(err, "built-in document does not parse")
	}
	cfg := c.Config
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fail(err, "cannot create work directory")
	}
	scratch, err := os.MkdirTemp(cfg.WorkDir, "healthcheck-run-")
	if err != nil {
		return fail(err, "cannot make a scratch directory")
	}
	defer os.RemoveAll(scratch)
	cfg.WorkDir = scratch
	cfg.Cache = cache.NullCache{}
	cfg.Publisher = nil
	cfg.Notifier = nil

	res, err := executor.New(cfg).Execute(ctx, doc, nil)
	if err != nil {
		return fail(err, "execution failed")
	}
	if res.Status != sfapi.WorkflowDone {
		if res.Exception != nil {
			return fail(res.Exception, "execution failed")
		}
		return serum.Errorf(CodeRunFailure, "workflow ended %s", res.Status)
	}
	if len(res.Outputs) != 1 || fmt.Sprint(res.Outputs[0].Value) != "42" {
		return serum.Errorf(CodeRunFailure, "unexpected output: %v", res.Values())
	}
	return serum.Errorf(CodeRunOkay, "execution successful")
}
