// Package healthcheck runs a list of independent checks against the local
// installation and prints one status line per check.
package healthcheck

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

const (
	CodeRunOkay      = "sciflo-error-healthcheck-run-okay"
	CodeRunFailure   = "sciflo-error-healthcheck-run-fail"
	CodeRunAmbiguous = "sciflo-error-healthcheck-run-ambiguous"
)

// Status is the outcome of one check, decoded from its serum code.
type Status int

const (
	StatusNone Status = iota
	StatusOkay
	StatusFail
	StatusAmbiguous
	StatusUnknown
)

var statusMarks = map[Status]struct {
	mark  string
	color []color.Attribute
}{
	StatusNone:      {"∅", []color.Attribute{color.Reset}},
	StatusOkay:      {"✔", []color.Attribute{color.FgHiGreen, color.Bold}},
	StatusFail:      {"✘", []color.Attribute{color.FgHiRed, color.Bold}},
	StatusAmbiguous: {"?", []color.Attribute{color.FgHiYellow, color.Bold}},
	StatusUnknown:   {"!", []color.Attribute{color.FgHiMagenta, color.Bold}},
}

func (s Status) String() string {
	if m, ok := statusMarks[s]; ok {
		return m.mark
	}
	return statusMarks[StatusUnknown].mark
}

func (s Status) colored() string {
	m, ok := statusMarks[s]
	if !ok {
		m = statusMarks[StatusUnknown]
	}
	return color.New(m.color...).Sprint(m.mark)
}

type Runner interface {
	// Run returns a serum error whose code is the outcome and whose message is shown to the user.
	// Run never returns nil.
	//
	// Errors:
	//
	//    - sciflo-error-healthcheck-run-okay --
	//    - sciflo-error-healthcheck-run-fail --
	//    - sciflo-error-healthcheck-run-ambiguous --
	Run(context.Context) error
	// String is the header printed for the check.
	String() string
}

type HealthCheck struct {
	Runners []Runner
	Results []serum.ErrorInterfaceWithMessage
}

// Run executes all the runners, in order.
//
// Errors: none -- results are stored for Fprint
func (h *HealthCheck) Run(ctx context.Context) {
	log := logging.Ctx(ctx)
	h.Results = make([]serum.ErrorInterfaceWithMessage, 0, len(h.Runners))
	for i, runnable := range h.Runners {
		log.Debug("", "healthcheck runner %d: %s", i, runnable)
		err := runnable.Run(ctx)
		result, ok := err.(serum.ErrorInterfaceWithMessage)
		if !ok {
			result = serum.Errorf(CodeRunFailure, "runner has invalid interface: %v", err).(serum.ErrorInterfaceWithMessage)
		}
		h.Results = append(h.Results, result)
	}
}

// Failed reports whether any check ended in failure.
func (h *HealthCheck) Failed() bool {
	for _, r := range h.Results {
		if StatusOf(r) == StatusFail {
			return true
		}
	}
	return false
}

// Fprint emits one line per check result.
//
// Errors:
//
//    - sciflo-error-internal -- when the health check was not run before printing results
func (h *HealthCheck) Fprint(w io.Writer) error {
	if len(h.Runners) != len(h.Results) {
		return serum.Error(sfapi.ECodeInternal,
			serum.WithMessageLiteral("HealthCheck must run before printing results"),
		)
	}
	width := 0
	for _, runner := range h.Runners {
		if n := len(runner.String()); n > width {
			width = n
		}
	}
	for i, result := range h.Results {
		fmt.Fprintf(w, " %s  %-*s\t%s\n", StatusOf(result).colored(), width, h.Runners[i], result.Message())
	}
	return nil
}

// StatusOf converts serum codes to status enumeration values
func StatusOf(err error) Status {
	if err == nil {
		return StatusNone
	}
	if _, ok := err.(serum.ErrorInterface); !ok {
		return StatusNone
	}
	switch serum.Code(err) {
	case CodeRunFailure:
		return StatusFail
	case CodeRunOkay:
		return StatusOkay
	case CodeRunAmbiguous:
		return StatusAmbiguous
	default:
		return StatusUnknown
	}
}

func fail(cause error, msg string) error {
	return serum.Error(CodeRunFailure, serum.WithCause(cause), serum.WithMessageLiteral(msg+": "+cause.Error()))
}
