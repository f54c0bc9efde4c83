package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/xmlquery"
	qt "github.com/frankban/quicktest"
	"github.com/warpfork/go-testmark"

	"github.com/warptools/sciflo/pkg/annotate"
	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/graph"
	"github.com/warptools/sciflo/sfapi"
)

func scenario(t *testing.T, name string) *sfapi.Document {
	t.Helper()
	doc, err := testmark.ReadFile("testdata/scenarios.md")
	if err != nil {
		t.Fatalf("fixture file parse failed?!: %s", err)
	}
	doc.BuildDirIndex()
	dir := doc.DirEnt.Children[name]
	if dir == nil || dir.Children["document"] == nil {
		t.Fatalf("no scenario %q", name)
	}
	parsed, err := sfapi.ParseDocument(dir.Children["document"].Hunk.Body)
	qt.Assert(t, err, qt.IsNil)
	return parsed
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	return cfg
}

// unitsByProcess maps each process id to the summary of its latest attempt.
func unitsByProcess(st sfapi.StateFile) map[string]sfapi.UnitSummary {
	out := map[string]sfapi.UnitSummary{}
	for _, u := range st.Units {
		prev, seen := out[u.ProcessID]
		if !seen || u.Attempt > prev.Attempt || (u.Attempt == prev.Attempt && u.UnitID != "") {
			out[u.ProcessID] = u
		}
	}
	return out
}

func readState(t *testing.T, res *sfapi.WorkflowResult) sfapi.StateFile {
	t.Helper()
	st, err := ReadState(res.StateFile)
	qt.Assert(t, err, qt.IsNil)
	return st
}

// countEvents counts provenance events of kind under process pid in the annotated document.
func countEvents(t *testing.T, path string, pid string, kind annotate.EventKind) int {
	t.Helper()
	f, err := os.Open(path)
	qt.Assert(t, err, qt.IsNil)
	defer f.Close()
	doc, err := xmlquery.Parse(f)
	qt.Assert(t, err, qt.IsNil)
	expr := fmt.Sprintf("/sciflo/flow/processes/process[@id='%s']/%s/%s", pid, annotate.ProvenanceTag, kind)
	if pid == "" {
		expr = fmt.Sprintf("/sciflo/flow/%s/%s", annotate.ProvenanceTag, kind)
	}
	return len(xmlquery.Find(doc, expr))
}

func TestLinearChain(t *testing.T) {
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "chain"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, res.Values(), qt.DeepEquals, []interface{}{7.0})

	st := readState(t, res)
	qt.Assert(t, st.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, st.EndTime, qt.IsNotNil)
	byProc := unitsByProcess(st)
	for _, pid := range []string{"A", "B", "C"} {
		qt.Assert(t, byProc[pid].Status, qt.Equals, sfapi.StatusDone, qt.Commentf("process %s", pid))
		qt.Assert(t, countEvents(t, res.AnnotatedDocument, pid, annotate.EventStarted), qt.Equals, 1)
		qt.Assert(t, countEvents(t, res.AnnotatedDocument, pid, annotate.EventFinished), qt.Equals, 1)
		qt.Assert(t, countEvents(t, res.AnnotatedDocument, pid, annotate.EventResult), qt.Equals, 1)
		qt.Assert(t, countEvents(t, res.AnnotatedDocument, pid, annotate.EventException), qt.Equals, 0)
	}
	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "", annotate.EventGlobalOutput), qt.Equals, 1)

	info, err := cache.ReadRecord(byProc["A"].InfoPath)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, info.Result, qt.Equals, 3.0)
	qt.Assert(t, info.Pid > 0, qt.IsTrue)
	_, err = os.Stat(filepath.Join(filepath.Dir(res.StateFile), graph.FileName))
	qt.Assert(t, err, qt.IsNil)
	artifact, err := os.ReadFile(filepath.Join(filepath.Dir(res.StateFile), ArtifactName(0, "")))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, strings.TrimSpace(string(artifact)), qt.Equals, "7")
}

func TestFailureAbortsWorkflow(t *testing.T) {
	var notified []sfapi.WorkflowResult
	var mu sync.Mutex
	cfg := testConfig(t)
	cfg.Notifier = NotifierFunc(func(ctx context.Context, r sfapi.WorkflowResult) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, r)
	})
	res, err := New(cfg).Execute(context.Background(), scenario(t, "chain-failure"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowException)
	qt.Assert(t, res.Exception, qt.IsNotNil)
	qt.Assert(t, res.Exception.Kind, qt.Equals, sfapi.KindOperatorFailure)
	qt.Assert(t, res.Exception.ProcessID, qt.Equals, "B")
	qt.Assert(t, res.Exception.Message, qt.Contains, "B exploded")

	qt.Assert(t, res.Outputs, qt.HasLen, 1)
	qt.Assert(t, res.Outputs[0].Error, qt.IsNotNil)
	qt.Assert(t, res.Outputs[0].Error.ProcessID, qt.Equals, "B")
	qt.Assert(t, res.Outputs[0].NotReached, qt.IsTrue)

	byProc := unitsByProcess(readState(t, res))
	qt.Assert(t, byProc["A"].Status, qt.Equals, sfapi.StatusDone)
	qt.Assert(t, byProc["B"].Status, qt.Equals, sfapi.StatusException)
	qt.Assert(t, byProc["C"].Status, qt.Equals, sfapi.StatusNotReached)
	info, err := cache.ReadRecord(byProc["A"].InfoPath)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, info.Result, qt.Equals, 3.0)

	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "B", annotate.EventException), qt.Equals, 1)
	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "B", annotate.EventResult), qt.Equals, 0)
	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "C", annotate.EventStarted), qt.Equals, 0)

	mu.Lock()
	defer mu.Unlock()
	qt.Assert(t, notified, qt.HasLen, 1)
	qt.Assert(t, notified[0].WorkflowID, qt.Equals, res.WorkflowID)
}

func TestIdenticalUnitsRunOnce(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "runs.log")
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "shared"), map[string]interface{}{"log": logPath})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, res.Values(), qt.DeepEquals, []interface{}{15.0, 50.0})

	runs, err := os.ReadFile(logPath)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, strings.Count(string(runs), "ran"), qt.Equals, 1)

	byProc := unitsByProcess(readState(t, res))
	statuses := []sfapi.Status{byProc["A1"].Status, byProc["A2"].Status}
	qt.Assert(t, statuses, qt.Contains, sfapi.StatusDone)
	qt.Assert(t, statuses, qt.Contains, sfapi.StatusCached)

	done, cached := byProc["A1"], byProc["A2"]
	if done.Status != sfapi.StatusDone {
		done, cached = cached, done
	}
	doneInfo, err := cache.ReadRecord(done.InfoPath)
	qt.Assert(t, err, qt.IsNil)
	cachedInfo, err := cache.ReadRecord(cached.InfoPath)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cachedInfo.CachedFrom, qt.Equals, doneInfo.UnitID)
	qt.Assert(t, cachedInfo.Result, qt.DeepEquals, doneInfo.UnpublicizedResult)
	stub, err := os.ReadFile(cachedInfo.ExecutionLogPath)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(stub), qt.Contains, doneInfo.UnitID)
}

func TestPersistentCacheAcrossRuns(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Cache = cache.Open(ctx, cache.Config{Backend: cache.BackendFile, Dir: t.TempDir()})
	exec := New(cfg)

	first, err := exec.Execute(ctx, scenario(t, "chain"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, first.Status, qt.Equals, sfapi.WorkflowDone)
	second, err := exec.Execute(ctx, scenario(t, "chain"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, second.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, second.Values(), qt.DeepEquals, first.Values())

	for pid, u := range unitsByProcess(readState(t, second)) {
		qt.Assert(t, u.Status, qt.Equals, sfapi.StatusCached, qt.Commentf("process %s", pid))
	}
}

func TestTimeout(t *testing.T) {
	start := time.Now()
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "timeout"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, time.Since(start) < 30*time.Second, qt.IsTrue)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowException)
	qt.Assert(t, res.Exception.Kind, qt.Equals, sfapi.KindTimeout)
	qt.Assert(t, unitsByProcess(readState(t, res))["nap"].Status, qt.Equals, sfapi.StatusException)
}

func TestCrashedChild(t *testing.T) {
	start := time.Now()
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "crash"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, time.Since(start) < 30*time.Second, qt.IsTrue)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowException)
	qt.Assert(t, res.Exception.Kind, qt.Equals, sfapi.KindForkedChildDied)
	qt.Assert(t, res.Exception.ProcessID, qt.Equals, "crash")

	st := readState(t, res)
	qt.Assert(t, st.Status, qt.Equals, sfapi.WorkflowException)
	byProc := unitsByProcess(st)
	qt.Assert(t, byProc["crash"].Status, qt.Equals, sfapi.StatusException)
	// the bystander is only stopped by the abort
	qt.Assert(t, byProc["bystander"].Status, qt.Equals, sfapi.StatusCancelled)
	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "", annotate.EventGlobalOutput), qt.Equals, 2)
}

func TestFileOutput(t *testing.T) {
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "png"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, res.Outputs, qt.HasLen, 1)

	artifact := filepath.Join(filepath.Dir(res.StateFile), ArtifactName(0, "png"))
	data, err := os.ReadFile(artifact)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(data), qt.Equals, "not really a png")
	qt.Assert(t, res.Outputs[0].URL, qt.Equals, "file://"+artifact)

	annotated, err := os.ReadFile(res.AnnotatedDocument)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(annotated), qt.Contains, `url="file://`+artifact+`"`)
}

func TestCancel(t *testing.T) {
	exec := New(testConfig(t))
	run, err := exec.Start(context.Background(), scenario(t, "long"), nil)
	qt.Assert(t, err, qt.IsNil)

	// wait for the sleeping child to be up before cancelling
	var pidFile string
	for i := 0; i < 200 && pidFile == ""; i++ {
		for _, u := range run.State().Units {
			if u.ProcessID == "nap" && u.Status == sfapi.StatusWorking {
				pidFile = filepath.Join(filepath.Dir(u.InfoPath), "workunit.pid")
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	qt.Assert(t, pidFile, qt.Not(qt.Equals), "")
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(pidFile); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	start := time.Now()
	qt.Assert(t, exec.Cancel(run.ID()), qt.IsTrue)
	res := run.Wait()
	qt.Assert(t, time.Since(start) < 20*time.Second, qt.IsTrue)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowCancelled)
	qt.Assert(t, run.Cancel(), qt.IsFalse)

	byProc := unitsByProcess(readState(t, res))
	qt.Assert(t, byProc["nap"].Status, qt.Equals, sfapi.StatusCancelled)
	qt.Assert(t, byProc["after"].Status, qt.Equals, sfapi.StatusNotReached)
	qt.Assert(t, res.Outputs[0].NotReached, qt.IsTrue)
}

func TestRetry(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "flaky"), []interface{}{marker})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, res.Values(), qt.DeepEquals, []interface{}{"steady"})

	st := readState(t, res)
	var statuses []sfapi.Status
	for _, u := range st.Units {
		statuses = append(statuses, u.Status)
	}
	qt.Assert(t, statuses, qt.HasLen, 2)
	qt.Assert(t, statuses, qt.Contains, sfapi.StatusRetry(2))
	qt.Assert(t, statuses, qt.Contains, sfapi.StatusDone)
	qt.Assert(t, countEvents(t, res.AnnotatedDocument, "wobbly", annotate.EventStarted), qt.Equals, 1)
}

func TestRetriesAreCapped(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	cfg := testConfig(t)
	cfg.MaxRetries = 0
	res, err := New(cfg).Execute(context.Background(), scenario(t, "flaky"), []interface{}{marker})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowException)
	qt.Assert(t, res.Exception.Kind, qt.Equals, sfapi.KindOperatorFailure)
}

func TestNestedWorkflow(t *testing.T) {
	res, err := New(testConfig(t)).Execute(context.Background(), scenario(t, "nested"), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res.Status, qt.Equals, sfapi.WorkflowDone)
	qt.Assert(t, res.Values(), qt.DeepEquals, []interface{}{42.0})
}

func TestResolveErrorsAreReturned(t *testing.T) {
	doc, err := sfapi.ParseDocument([]byte(`<sciflo><flow id="bad"><processes>
  <process id="A"><inputs><x type="xs:int" from="@#nowhere"/></inputs><operator><op><binding>python:sciflo.identity</binding></op></operator></process>
</processes></flow></sciflo>`))
	qt.Assert(t, err, qt.IsNil)
	exec := New(testConfig(t))
	_, err = exec.Execute(context.Background(), doc, nil)
	qt.Assert(t, sfapi.KindOf(err), qt.Equals, sfapi.KindReferenceUnresolved)
	qt.Assert(t, exec.Runs(), qt.HasLen, 0)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Workers: 500, WorkerTimeout: -1, MaxRetries: -3}.normalize()
	qt.Assert(t, cfg.Workers, qt.Equals, MaxWorkers)
	qt.Assert(t, cfg.WorkerTimeout, qt.Equals, DefaultWorkerTimeout)
	qt.Assert(t, cfg.MaxRetries, qt.Equals, 0)
	qt.Assert(t, cfg.Cache, qt.Equals, cache.Cache(cache.NullCache{}))
	qt.Assert(t, filepath.IsAbs(cfg.WorkDir), qt.IsTrue)
	qt.Assert(t, ArtifactName(3, ".png"), qt.Equals, "workunit_result-3.png")
	qt.Assert(t, ArtifactName(0, ""), qt.Equals, "workunit_result-0.txt")
}
