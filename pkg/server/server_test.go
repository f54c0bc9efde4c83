package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/sfapi"
)

func TestMain(m *testing.M) {
	workunit.RunChildIfRequested()
	os.Exit(m.Run())
}

const answerDoc = `<sciflo>
  <flow id="answer">
    <outputs><r type="xs:int" from="@#twice"/></outputs>
    <processes>
      <process id="twice">
        <inputs><x type="xs:int">21</x></inputs>
        <outputs><r type="xs:int"/></outputs>
        <operator><op><binding>python:func twice(x int) int { return x * 2 }</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`

const napDoc = `<sciflo>
  <flow id="nap">
    <outputs><slept type="xs:float" from="@#nap"/></outputs>
    <processes>
      <process id="nap">
        <inputs><secs type="xs:float">60</secs></inputs>
        <outputs><slept type="xs:float"/></outputs>
        <operator><op><binding>python:sciflo.sleep</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	cfg := executor.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := New(ctx, executor.New(cfg))
	s.CancelInterval = 100 * time.Millisecond
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	return s, hs
}

func post(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	qt.Assert(t, err, qt.IsNil)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	qt.Assert(t, err, qt.IsNil)
	defer resp.Body.Close()
	qt.Assert(t, json.NewDecoder(resp.Body).Decode(out), qt.IsNil)
	return resp.StatusCode
}

func getState(t *testing.T, url string) (sfapi.StateFile, int) {
	t.Helper()
	resp, err := http.Get(url)
	qt.Assert(t, err, qt.IsNil)
	defer resp.Body.Close()
	var st sfapi.StateFile
	if resp.StatusCode == http.StatusOK {
		qt.Assert(t, json.NewDecoder(resp.Body).Decode(&st), qt.IsNil)
	}
	return st, resp.StatusCode
}

func waitForStatus(t *testing.T, url string, want sfapi.WorkflowStatus) sfapi.StateFile {
	t.Helper()
	var st sfapi.StateFile
	for i := 0; i < 300; i++ {
		st, _ = getState(t, url)
		if st.Status == want {
			return st
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("workflow never reached %s, last status %q", want, st.Status)
	return st
}

func TestSubmitRunsInBackground(t *testing.T) {
	_, hs := newTestServer(t)
	var resp SubmitResponse
	code := post(t, hs.URL+"/submit", SubmitRequest{Document: answerDoc}, &resp)
	qt.Assert(t, code, qt.Equals, http.StatusAccepted)
	qt.Assert(t, resp.Error == nil, qt.IsTrue, qt.Commentf("%v", resp.Error))
	qt.Assert(t, resp.WorkflowID, qt.Not(qt.Equals), "")
	qt.Assert(t, resp.StateURL, qt.Equals, hs.URL+"/state/"+resp.WorkflowID)

	st := waitForStatus(t, resp.StateURL, sfapi.WorkflowDone)
	qt.Assert(t, st.WorkflowID, qt.Equals, resp.WorkflowID)
	qt.Assert(t, st.Result, qt.HasLen, 1)
	qt.Assert(t, st.Result[0].Value, qt.Equals, 42.0)
}

func TestFailedSubmissionStillWritesState(t *testing.T) {
	s, hs := newTestServer(t)
	var resp SubmitResponse
	code := post(t, hs.URL+"/submit", SubmitRequest{Document: "<sciflo><flow id=\"x\"><processes>"}, &resp)
	qt.Assert(t, code, qt.Equals, http.StatusUnprocessableEntity)
	qt.Assert(t, resp.Error, qt.IsNotNil)
	qt.Assert(t, resp.WorkflowID, qt.Not(qt.Equals), "")

	st, err := executor.ReadState(s.exec.StatePath(resp.WorkflowID))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, st.Status, qt.Equals, sfapi.WorkflowException)
	qt.Assert(t, st.Exception, qt.IsNotNil)
	qt.Assert(t, st.EndTime, qt.IsNotNil)

	served, code := getState(t, resp.StateURL)
	qt.Assert(t, code, qt.Equals, http.StatusOK)
	qt.Assert(t, served.Status, qt.Equals, sfapi.WorkflowException)
}

func TestMalformedBody(t *testing.T) {
	_, hs := newTestServer(t)
	resp, err := http.Post(hs.URL+"/submit", "application/json", strings.NewReader("{nope"))
	qt.Assert(t, err, qt.IsNil)
	resp.Body.Close()
	qt.Assert(t, resp.StatusCode, qt.Equals, http.StatusBadRequest)
}

func TestUnknownState(t *testing.T) {
	_, hs := newTestServer(t)
	_, code := getState(t, hs.URL+"/state/wf-nonesuch")
	qt.Assert(t, code, qt.Equals, http.StatusNotFound)
}

func TestCancelOwnedRun(t *testing.T) {
	_, hs := newTestServer(t)
	var resp SubmitResponse
	post(t, hs.URL+"/submit", SubmitRequest{Document: napDoc}, &resp)
	qt.Assert(t, resp.Error == nil, qt.IsTrue, qt.Commentf("%v", resp.Error))

	for i := 0; i < 200; i++ {
		st, _ := getState(t, resp.StateURL)
		if len(st.Units) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	var cancelled CancelResponse
	post(t, hs.URL+"/cancel/"+resp.WorkflowID, nil, &cancelled)
	qt.Assert(t, cancelled.Cancelled, qt.IsTrue)
	waitForStatus(t, resp.StateURL, sfapi.WorkflowCancelled)

	post(t, hs.URL+"/cancel/"+resp.WorkflowID, nil, &cancelled)
	qt.Assert(t, cancelled.Cancelled, qt.IsFalse)
}

func TestCancelSignalsForeignUnits(t *testing.T) {
	s, hs := newTestServer(t)
	workflowID := "wf-foreign"
	unitDir := filepath.Join(s.exec.Config().WorkDir, "wu-foreign")
	qt.Assert(t, os.MkdirAll(unitDir, 0755), qt.IsNil)

	sleeper := exec.Command("sleep", "60")
	qt.Assert(t, sleeper.Start(), qt.IsNil)
	exited := make(chan error, 1)
	go func() { exited <- sleeper.Wait() }()
	t.Cleanup(func() { sleeper.Process.Kill() })
	qt.Assert(t, os.WriteFile(filepath.Join(unitDir, workunit.PidFileName), []byte(strconv.Itoa(sleeper.Process.Pid)), 0644), qt.IsNil)

	statePath := s.exec.StatePath(workflowID)
	qt.Assert(t, os.MkdirAll(filepath.Dir(statePath), 0755), qt.IsNil)
	qt.Assert(t, fsutil.WriteJSONAtomic(statePath, sfapi.StateFile{
		WorkflowID: workflowID,
		Status:     sfapi.WorkflowRunning,
		Units: map[string]sfapi.UnitSummary{
			"wu-foreign": {
				UnitID:    "wu-foreign",
				ProcessID: "nap",
				Status:    sfapi.StatusWorking,
				InfoPath:  filepath.Join(unitDir, workunit.InfoFileName),
			},
		},
	}), qt.IsNil)

	var cancelled CancelResponse
	post(t, hs.URL+"/cancel/"+workflowID, nil, &cancelled)
	qt.Assert(t, cancelled.Cancelled, qt.IsTrue)
	select {
	case err := <-exited:
		qt.Assert(t, err, qt.ErrorMatches, "signal: interrupt")
	case <-time.After(10 * time.Second):
		t.Fatal("sleeper was not signalled")
	}
}

func TestCancelUnknownGivesUp(t *testing.T) {
	s, _ := newTestServer(t)
	s.CancelAttempts = 3
	s.CancelInterval = 10 * time.Millisecond
	qt.Assert(t, s.Cancel(context.Background(), "wf-nonesuch"), qt.IsFalse)
}

func TestMetricsAreServed(t *testing.T) {
	_, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/metrics")
	qt.Assert(t, err, qt.IsNil)
	defer resp.Body.Close()
	qt.Assert(t, resp.StatusCode, qt.Equals, http.StatusOK)
}
