package executor

import (
	"context"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

// Notifier is told once about every workflow that does not finish cleanly.
type Notifier interface {
	WorkflowAborted(ctx context.Context, result sfapi.WorkflowResult)
}

// LogNotifier reports aborted workflows in the log.
// Address, when set, is named in the message as the intended recipient.
type LogNotifier struct {
	Address string
}

func (n LogNotifier) WorkflowAborted(ctx context.Context, result sfapi.WorkflowResult) {
	log := logging.Ctx(ctx)
	to := n.Address
	if to == "" {
		to = "operator"
	}
	reason := "no exception recorded"
	if result.Exception != nil {
		reason = result.Exception.Error()
	}
	log.Info(LOG_TAG, "notifying %s: workflow %s (%s) ended %s: %s", to, result.WorkflowID, result.Name, result.Status, reason)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, result sfapi.WorkflowResult)

func (f NotifierFunc) WorkflowAborted(ctx context.Context, result sfapi.WorkflowResult) {
	f(ctx, result)
}
