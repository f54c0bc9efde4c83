package workunit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

// EnvChild marks a process as a work-unit child.
const EnvChild = "SCIFLO_WORKUNIT_CHILD"

// resultFD is where the child writes its Response. It is the first of exec.Cmd.ExtraFiles.
const resultFD = 3

// childWindDown bounds how long a cancelled child waits for its operator to stop.
// It is shorter than the supervisor's default grace.
const childWindDown = 2 * time.Second

// RunChildIfRequested turns the process into a work-unit child when the
// environment says so, and never returns in that case.
// Call it before anything else in main, and in TestMain of packages that launch units.
func RunChildIfRequested() {
	if os.Getenv(EnvChild) != "1" {
		return
	}
	os.Exit(childMain())
}

func childMain() int {
	// keep the result pipe out of any grandchild
	syscall.CloseOnExec(resultFD)
	result := os.NewFile(resultFD, "result")
	if result == nil {
		fmt.Fprintln(os.Stderr, "work unit child started without a result pipe")
		return 2
	}
	defer result.Close()

	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeResponse(result, Response{Error: sfapi.RecordFromError(sfapi.ErrorSerialization("decoding work unit request", err))})
		return 2
	}
	logger := logging.NewLogger(os.Stdout, os.Stderr, false, false, req.Verbose)
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan Response, 1)
	go func() {
		done <- execute(ctx, req)
	}()

	select {
	case resp := <-done:
		writeResponse(result, resp)
		return 0
	case sig := <-sigs:
		cancel()
		// let exec.CommandContext kill and reap any operator process before exiting
		select {
		case <-done:
		case <-time.After(childWindDown):
		}
		fmt.Fprintf(os.Stdout, "%s (%s)\n", CancelMarker, sig)
		rec := sfapi.RecordFromError(sfapi.ErrorCancelled(req.UnitID))
		writeResponse(result, Response{Cancelled: true, Error: rec})
		return 130
	}
}

// execute runs the request, turning panics into operator failures.
func execute(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			rec := sfapi.RecordFromError(sfapi.ErrorOperatorFailure(req.Config.Variant, shortCall(req.Config.Call), fmt.Errorf("panic: %v", r)))
			rec.Traceback = string(debug.Stack())
			resp = Response{Error: rec}
		}
	}()
	res, err := Run(ctx, req, os.Stdout)
	if err != nil {
		rec := sfapi.RecordFromError(err)
		if rec.Traceback == "" {
			rec.Traceback = fmt.Sprintf("%+v", err)
		}
		return Response{Error: rec}
	}
	return Response{Result: res}
}

func writeResponse(f *os.File, resp Response) {
	serial, err := json.Marshal(resp)
	if err != nil {
		rec := sfapi.RecordFromError(sfapi.ErrorUnpickleableResult(err))
		serial, _ = json.Marshal(Response{Error: rec})
	}
	f.Write(serial)
}
