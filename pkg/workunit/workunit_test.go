package workunit

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/sfapi"
)

func request(t *testing.T, variant sfapi.Variant, call string, args ...interface{}) Request {
	return Request{
		UnitID:     "workunit-test",
		WorkingDir: t.TempDir(),
		Config:     sfapi.WorkUnitConfig{ConfigID: "wuconfig-test", ProcessID: "P", Variant: variant, Call: call},
		Args:       args,
	}
}

func TestParseCommandLine(t *testing.T) {
	cl, err := parseCommandLine(`wc -l "my file.txt" > counts.txt`)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cl.Argv, qt.DeepEquals, []string{"wc", "-l", "my file.txt"})
	qt.Assert(t, cl.Stdout, qt.Equals, "counts.txt")

	cl, err = parseCommandLine(`convert in.png -out out.jpg`)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cl.OutFile, qt.Equals, "out.jpg")
	qt.Assert(t, cl.Argv, qt.DeepEquals, []string{"convert", "in.png", "-out", "out.jpg"})

	cl, err = parseCommandLine(`echo 'a | b'`)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cl.Argv, qt.DeepEquals, []string{"echo", "a | b"})

	for _, bad := range []string{"cat x | wc", "true && false", "a;b", "echo `id`", "echo 'open"} {
		_, err := parseCommandLine(bad)
		qt.Check(t, err, qt.IsNotNil, qt.Commentf("%s", bad))
	}
}

func TestShellQuoteRoundTrip(t *testing.T) {
	for _, s := range []string{"plain", "two words", "it's", `a"b`, "", "x|y"} {
		words, err := splitWords("cmd " + shellQuote(s))
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, words, qt.HasLen, 2)
		qt.Assert(t, words[1].text, qt.Equals, s)
	}
}

func TestInlineSource(t *testing.T) {
	src, name, err := inlineSource("func double(x int) int { return x * 2 }")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, name, qt.Equals, "double")
	qt.Assert(t, strings.HasPrefix(src, "package main"), qt.IsTrue)

	_, _, err = inlineSource("var x = 3")
	qt.Assert(t, err, qt.ErrorMatches, ".*no top-level function.*")
}

func TestRunInProcess(t *testing.T) {
	ctx := context.Background()
	var log bytes.Buffer

	res, err := Run(ctx, request(t, sfapi.VariantInlineFunction, "func f(x int) int { return x * 2 }", 3.0), &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, 6.0)

	res, err = Run(ctx, request(t, sfapi.VariantNamedFunction, "test.add", 1.0, 2.0), &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, 3.0)

	_, err = Run(ctx, request(t, sfapi.VariantNamedFunction, "test.add", 1.0), &log)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeOperatorFailure)

	_, err = Run(ctx, request(t, sfapi.VariantNamedFunction, "test.chan"), &log)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeUnpickleableResult)

	res, err = Run(ctx, request(t, sfapi.VariantXPath, "//b", "<a><b>1</b><b>2</b></a>"), &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.DeepEquals, []interface{}{"1", "2"})

	res, err = Run(ctx, request(t, sfapi.VariantXQuery, "//b", "<a><b><c>1</c></b></a>"), &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, "<b><c>1</c></b>")
}

func TestExecutable(t *testing.T) {
	ctx := context.Background()
	var log bytes.Buffer

	req := request(t, sfapi.VariantExecutable, "echo", "hello", "world")
	res, err := Run(ctx, req, &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, "hello world")

	req = request(t, sfapi.VariantCommandTemplate, "echo {greeting} > said.txt", "hi there")
	req.Config.ArgNames = []string{"greeting"}
	res, err = Run(ctx, req, &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, filepath.Join(req.WorkingDir, "said.txt"))
	data, err := os.ReadFile(res.(string))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(data), qt.Equals, "hi there\n")

	// scripts in the working directory are found first; without exec bit they need an interpreter line
	req = request(t, sfapi.VariantExecutable, "greet.sh")
	err = os.WriteFile(filepath.Join(req.WorkingDir, "greet.sh"), []byte("#!/bin/sh\necho from script\n"), 0644)
	qt.Assert(t, err, qt.IsNil)
	res, err = Run(ctx, req, &log)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, "from script")

	req = request(t, sfapi.VariantExecutable, "notes.txt")
	err = os.WriteFile(filepath.Join(req.WorkingDir, "notes.txt"), []byte("just text\n"), 0644)
	qt.Assert(t, err, qt.IsNil)
	_, err = Run(ctx, req, &log)
	qt.Assert(t, err, qt.ErrorMatches, ".*no interpreter line.*")

	_, err = Run(ctx, request(t, sfapi.VariantExecutable, "false"), &log)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeOperatorFailure)
}

func TestURLTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
		fmt.Fprintf(w, "<feed q=%q/>", r.URL.RawQuery)
	}))
	defer srv.Close()

	req := request(t, sfapi.VariantURLTemplate, srv.URL+"/search?q={term}", "a b")
	req.Config.ArgNames = []string{"term"}
	res, err := Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, filepath.Ext(res.(string)), qt.Equals, ".xml")
	data, err := os.ReadFile(res.(string))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(data), qt.Equals, `<feed q="q=a+b"/>`)

	qt.Assert(t, extensionForContentType("image/png"), qt.Equals, "png")
	qt.Assert(t, extensionForContentType("text/plain"), qt.Equals, "txt")
	qt.Assert(t, extensionForContentType(""), qt.Equals, "dat")
}

func TestPostRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		fmt.Fprintf(w, "%s %s %s", r.Method, r.Header.Get("X-Token"), body)
	}))
	defer srv.Close()

	req := request(t, sfapi.VariantPostRequest, srv.URL, "payload")
	req.Config.Endpoint.Headers = [][2]string{{"X-Token", "secret"}}
	res, err := Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, "POST secret payload")
}

func TestRemoteRPCWithAsyncPolling(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/wsdl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<definitions xmlns="http://schemas.xmlsoap.org/wsdl/" xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/" targetNamespace="urn:demo">
  <service name="Demo"><port name="p"><soap:address location="%s/soap"/></port></service>
</definitions>`, srv.URL)
	})
	mux.HandleFunc("/soap", func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		if !strings.Contains(body.String(), "<x>21</x>") {
			http.Error(w, "bad envelope", 400)
			return
		}
		fmt.Fprintf(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><m:calcResponse xmlns:m="urn:demo"><return>async:%s/poll</return></m:calcResponse></soap:Body></soap:Envelope>`, srv.URL)
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"answer": 42}`)
	})

	req := request(t, sfapi.VariantRemoteRPC, "calc", 21.0)
	req.Config.Endpoint.URL = srv.URL + "/wsdl"
	req.Config.ArgNames = []string{"x"}
	req.PollInterval = 10 * time.Millisecond
	req.PollBudget = 10
	res, err := Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.DeepEquals, map[string]interface{}{"answer": 42.0})

	atomic.StoreInt32(&polls, -100)
	req.PollBudget = 2
	_, err = Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeAsyncPollTimeout)
}

func TestMapOverQueue(t *testing.T) {
	req := request(t, sfapi.VariantMapOverQueue, "test.double", []interface{}{1.0, 2.0, 3.0})
	res, err := Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.DeepEquals, []interface{}{2.0, 4.0, 6.0})

	req = request(t, sfapi.VariantSingleOverQueue, "test.double", 5.0)
	res, err = Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.Equals, 10.0)

	req = request(t, sfapi.VariantMapOverQueue, "test.double", []interface{}{1.0, 2.0})
	req.Config.Endpoint.Async = true
	res, err = Run(context.Background(), req, &bytes.Buffer{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.HasLen, 2)
}

func TestMapJobsAlignment(t *testing.T) {
	req := Request{
		Config: sfapi.WorkUnitConfig{ArgNames: []string{"items", "mapFactor", "offset"}},
		Args:   []interface{}{[]interface{}{"a", "b"}, []interface{}{1.0, 2.0}, 7.0},
	}
	jobs, err := mapJobs(req)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, jobs, qt.DeepEquals, [][]interface{}{{"a", 1.0, 7.0}, {"b", 2.0, 7.0}})

	req.Args[1] = []interface{}{1.0}
	_, err = mapJobs(req)
	qt.Assert(t, err, qt.ErrorMatches, ".*has 1 elements, want 2.*")
}

func TestSupervisedChild(t *testing.T) {
	ctx := context.Background()
	sup := NewSupervisor()

	req := request(t, sfapi.VariantInlineFunction, `func f(x int) int { println("doubling"); return x * 2 }`, 21.0)
	out, err := sup.Run(ctx, req, time.Minute)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out.Result, qt.Equals, 42.0)
	qt.Assert(t, out.Pid > 0, qt.IsTrue)
	pid, err := os.ReadFile(req.PidFilePath())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(pid), qt.Equals, fmt.Sprint(out.Pid))
	logText, err := os.ReadFile(req.ExecutionLogPath())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(logText), qt.Contains, "doubling")
}

func TestSupervisedPanic(t *testing.T) {
	req := request(t, sfapi.VariantNamedFunction, "test.panic")
	_, err := NewSupervisor().Run(context.Background(), req, time.Minute)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeOperatorFailure)
	rec := sfapi.RecordFromError(err)
	qt.Assert(t, rec.ProcessID, qt.Equals, "P")
	qt.Assert(t, rec.Traceback, qt.Contains, "goroutine")
}

func TestSupervisedCrash(t *testing.T) {
	req := request(t, sfapi.VariantNamedFunction, "test.crash")
	_, err := NewSupervisor().Run(context.Background(), req, time.Minute)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeForkedChildDied)
	qt.Assert(t, err, qt.ErrorMatches, ".*killed.*")
}

func TestSupervisedTimeout(t *testing.T) {
	req := request(t, sfapi.VariantNamedFunction, "sciflo.sleep", 60.0)
	start := time.Now()
	_, err := NewSupervisor().Run(context.Background(), req, time.Second)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeTimeout)
	qt.Assert(t, time.Since(start) < 20*time.Second, qt.IsTrue)
}

func TestSupervisedCancel(t *testing.T) {
	req := request(t, sfapi.VariantNamedFunction, "sciflo.sleep", 60.0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// wait for the child to be up before signalling it
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(req.PidFilePath()); err == nil {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	_, err := NewSupervisor().Run(ctx, req, time.Minute)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeCancelled)
	logText, err := os.ReadFile(req.ExecutionLogPath())
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, string(logText), qt.Contains, CancelMarker)
}

func TestSupervisedCancelStopsOperator(t *testing.T) {
	req := request(t, sfapi.VariantExecutable, "sleeper.sh")
	script := "#!/bin/sh\necho $$ > sleeper.pid\nexec sleep 60\n"
	qt.Assert(t, os.WriteFile(filepath.Join(req.WorkingDir, "sleeper.sh"), []byte(script), 0755), qt.IsNil)
	pidFile := filepath.Join(req.WorkingDir, "sleeper.pid")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 200; i++ {
			if data, err := os.ReadFile(pidFile); err == nil && len(bytes.TrimSpace(data)) > 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
	}()
	_, err := NewSupervisor().Run(ctx, req, time.Minute)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeCancelled)

	data, err := os.ReadFile(pidFile)
	qt.Assert(t, err, qt.IsNil)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	qt.Assert(t, err, qt.IsNil)
	// an orphan may linger briefly as a zombie until it is reaped
	deadline := time.Now().Add(5 * time.Second)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	qt.Assert(t, processAlive(pid), qt.IsFalse, qt.Commentf("operator process %d survived the cancel", pid))
}

func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state field follows the parenthesised command name
	if i := bytes.LastIndexByte(stat, ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}
