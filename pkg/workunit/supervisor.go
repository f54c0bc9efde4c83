package workunit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/sfapi"
)

// Supervisor launches work-unit children and watches them.
type Supervisor struct {
	// Executable is the binary re-executed as the child; the running binary when empty.
	Executable string
	// Grace is how long a child may take to wind down after SIGINT before it is killed.
	Grace time.Duration
}

func NewSupervisor() *Supervisor {
	return &Supervisor{Grace: 5 * time.Second}
}

// Outcome is what the supervisor learned about one child.
type Outcome struct {
	Result interface{}
	Pid    int
	Start  time.Time
	End    time.Time
}

// Run executes req in a child process and waits for it, at most timeout when positive.
// Output of the child is appended to the execution log in the working directory,
// and its pid is written to the pid file there as soon as it starts.
//
// Cancelling ctx delivers SIGINT to the child's process group, which is how a workflow cancel
// reaches it. Whatever is left of the group once the child has exited is killed.
//
// Errors:
//
//    - sciflo-error-timeout -- when the deadline passes first; the child's process group is killed
//    - sciflo-error-cancelled -- when the child stopped because of SIGINT
//    - sciflo-error-forked-child-died -- when the child died without reporting a result
//    - sciflo-error-io -- when the working directory or child cannot be set up
//    - any code reported by the child itself, such as sciflo-error-operator-failure
func (s *Supervisor) Run(ctx context.Context, req Request, timeout time.Duration) (out Outcome, err error) {
	ctx, span := tracing.Start(ctx, "supervise work unit", trace.WithAttributes(
		attribute.String(tracing.AttrKeyScifloUnitId, req.UnitID),
		attribute.String(tracing.AttrKeyScifloVariant, string(req.Config.Variant)),
	))
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	exe := s.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return out, sfapi.ErrorIo("locating own executable", "", err)
		}
	}
	if err := os.MkdirAll(req.WorkingDir, 0755); err != nil {
		return out, sfapi.ErrorIo("creating working directory", req.WorkingDir, err)
	}
	logFile, err := os.OpenFile(req.ExecutionLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return out, sfapi.ErrorIo("opening execution log", req.ExecutionLogPath(), err)
	}
	defer logFile.Close()

	serial, err := json.Marshal(req)
	if err != nil {
		return out, sfapi.ErrorSerialization("encoding work unit request", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return out, sfapi.ErrorIo("creating result pipe", "", err)
	}
	defer resultR.Close()

	logWriter := log.InfoWriter(LOG_TAG_OUTPUT)
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), EnvChild+"=1")
	cmd.Dir = req.WorkingDir
	cmd.Stdin = bytes.NewReader(serial)
	cmd.Stdout = io.MultiWriter(logFile, logWriter)
	cmd.Stderr = io.MultiWriter(logFile, logWriter)
	cmd.ExtraFiles = []*os.File{resultW}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	out.Start = time.Now()
	if err := cmd.Start(); err != nil {
		resultW.Close()
		return out, sfapi.ErrorIo("starting work unit child", exe, err)
	}
	resultW.Close()
	out.Pid = cmd.Process.Pid
	if err := os.WriteFile(req.PidFilePath(), []byte(strconv.Itoa(out.Pid)), 0644); err != nil {
		log.Warn(LOG_TAG, "writing pid file %s: %s", req.PidFilePath(), err)
	}
	log.Debug(LOG_TAG, "unit %s running as pid %d", req.UnitID, out.Pid)

	respCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(resultR)
		respCh <- data
	}()
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-deadline:
		killGroup(out.Pid)
		<-waitCh
		out.End = time.Now()
		fmt.Fprintf(logFile, "SCIFLO-TIMEOUT: killed after %s\n", timeout)
		return out, sfapi.ErrorTimeout(req.UnitID, timeout)
	case <-ctx.Done():
		signalGroup(out.Pid, syscall.SIGINT)
		select {
		case waitErr = <-waitCh:
		case <-time.After(s.Grace):
			killGroup(out.Pid)
			waitErr = <-waitCh
		}
		// operator processes left in the group must not outlive the unit
		syscall.Kill(-out.Pid, syscall.SIGKILL)
	}
	out.End = time.Now()

	var data []byte
	select {
	case data = <-respCh:
	case <-time.After(time.Second):
	}
	out.Result, err = interpret(req, cmd.ProcessState, waitErr, data, ctx.Err() != nil)
	return out, err
}

// interpret turns what the child left behind into the unit's result or error.
func interpret(req Request, ps *os.ProcessState, waitErr error, data []byte, cancelled bool) (interface{}, error) {
	if len(bytes.TrimSpace(data)) > 0 {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, sfapi.ErrorUnpickleableResult(err)
		}
		switch {
		case resp.Cancelled:
			return nil, sfapi.ErrorCancelled(req.UnitID)
		case resp.Error != nil:
			rec := *resp.Error
			rec.UnitID = req.UnitID
			rec.ConfigID = req.Config.ConfigID
			rec.ProcessID = req.Config.ProcessID
			return nil, &rec
		}
		return resp.Result, nil
	}
	if ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			if ws.Signal() == syscall.SIGINT {
				return nil, sfapi.ErrorCancelled(req.UnitID)
			}
			return nil, sfapi.ErrorForkedChildDied(req.UnitID, "killed by signal "+ws.Signal().String())
		}
	}
	if cancelled {
		return nil, sfapi.ErrorCancelled(req.UnitID)
	}
	how := "exited without a result"
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		how = fmt.Sprintf("exited with status %d without a result", exitErr.ExitCode())
	}
	return nil, sfapi.ErrorForkedChildDied(req.UnitID, how)
}

func killGroup(pid int) {
	signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}
