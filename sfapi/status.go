package sfapi

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of one work unit attempt.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusReady      Status = "ready"
	StatusSent       Status = "sent"
	StatusStaging    Status = "staging"
	StatusWorking    Status = "working"
	StatusCalledBack Status = "called-back"
	StatusFinalizing Status = "finalizing"
	StatusDone       Status = "done"
	StatusException  Status = "exception"
	StatusCached     Status = "cached"
	StatusCancelled  Status = "cancelled"
	StatusNotReached Status = "not-reached"
)

// StatusRetry marks an attempt that was replaced by attempt n.
func StatusRetry(n int) Status {
	return Status(fmt.Sprintf("retry(%d)", n))
}

func (s Status) IsRetry() bool {
	return strings.HasPrefix(string(s), "retry(")
}

// IsTerminal reports whether the attempt will see no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusException, StatusCached, StatusCancelled, StatusNotReached:
		return true
	}
	return s.IsRetry()
}

// Succeeded reports whether the attempt produced a usable result.
func (s Status) Succeeded() bool {
	return s == StatusDone || s == StatusCached
}

var transitions = map[Status][]Status{
	StatusWaiting:    {StatusReady, StatusNotReached, StatusCancelled},
	StatusReady:      {StatusSent, StatusCached, StatusNotReached, StatusCancelled},
	StatusSent:       {StatusStaging, StatusWorking, StatusCached, StatusException, StatusCancelled},
	StatusStaging:    {StatusWorking, StatusException, StatusCancelled},
	StatusWorking:    {StatusCalledBack, StatusException, StatusCancelled},
	StatusCalledBack: {StatusFinalizing, StatusDone, StatusException, StatusCancelled},
	StatusFinalizing: {StatusDone, StatusException, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Retries may leave from any running state.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsRetry() {
		return s == StatusSent || s == StatusStaging || s == StatusWorking || s == StatusCalledBack
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkflowStatus is the overall state reported in the state file.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowDone      WorkflowStatus = "done"
	WorkflowException WorkflowStatus = "exception"
	WorkflowCancelled WorkflowStatus = "cancelled"
)
