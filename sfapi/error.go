package sfapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/serum-errors/go-serum"
)

// ErrorKind is the tagged kind of a failure, independent of the Go type carrying it.
type ErrorKind string

const (
	KindSchemaInvalid        ErrorKind = "schema-invalid"
	KindReferenceUnresolved  ErrorKind = "reference-unresolvable"
	KindBindingUnparseable   ErrorKind = "binding-unparseable"
	KindInvalidArgument      ErrorKind = "invalid-argument"
	KindStageFailure         ErrorKind = "stage-failure"
	KindOperatorFailure      ErrorKind = "operator-failure"
	KindUnpickleableResult   ErrorKind = "unpickleable-result"
	KindTimeout              ErrorKind = "timeout"
	KindCancelled            ErrorKind = "cancelled"
	KindForkedChildDied      ErrorKind = "forked-child-died"
	KindPostExecFailure      ErrorKind = "post-exec-failure"
	KindCacheIo              ErrorKind = "cache-io"
	KindAsyncPollTimeout     ErrorKind = "async-poll-timeout"
	KindNotReached           ErrorKind = "not-reached"
	KindIo                   ErrorKind = "io"
	KindSerialization        ErrorKind = "serialization"
	KindConfig               ErrorKind = "config"
	KindInternal             ErrorKind = "internal"
	KindWorkflowFailed       ErrorKind = "workflow-failed"
	KindUnknown              ErrorKind = "unknown"
	codePrefix                         = "sciflo-error-"
)

// Code returns the serum error code for the kind.
func (k ErrorKind) Code() string {
	return codePrefix + string(k)
}

const (
	ECodeSchemaInvalid       = codePrefix + "schema-invalid"
	ECodeReferenceUnresolved = codePrefix + "reference-unresolvable"
	ECodeBindingUnparseable  = codePrefix + "binding-unparseable"
	ECodeInvalidArgument     = codePrefix + "invalid-argument"
	ECodeStageFailure        = codePrefix + "stage-failure"
	ECodeOperatorFailure     = codePrefix + "operator-failure"
	ECodeUnpickleableResult  = codePrefix + "unpickleable-result"
	ECodeTimeout             = codePrefix + "timeout"
	ECodeCancelled           = codePrefix + "cancelled"
	ECodeForkedChildDied     = codePrefix + "forked-child-died"
	ECodePostExecFailure     = codePrefix + "post-exec-failure"
	ECodeCacheIo             = codePrefix + "cache-io"
	ECodeAsyncPollTimeout    = codePrefix + "async-poll-timeout"
	ECodeNotReached          = codePrefix + "not-reached"
	ECodeIo                  = codePrefix + "io"
	ECodeSerialization       = codePrefix + "serialization"
	ECodeConfig              = codePrefix + "config"
	ECodeInternal            = codePrefix + "internal"
	ECodeWorkflowFailed      = codePrefix + "workflow-failed"
	ECodeUnknown             = codePrefix + "unknown"
)

// KindOf returns the kind encoded in a serum error code.
// Errors without a sciflo code are reported as KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		return rec.Kind
	}
	code := serum.Code(err)
	if !strings.HasPrefix(code, codePrefix) {
		return KindUnknown
	}
	return ErrorKind(strings.TrimPrefix(code, codePrefix))
}

// TerminalError emits an error on stdout as json, and halts immediately.
// This is only for init-time failures where no other reporting channel exists yet.
func TerminalError(err serum.ErrorInterface, exitCode int) {
	json.NewEncoder(os.Stdout).Encode(struct {
		Error serum.ErrorInterface `json:"error"`
	}{err})
	os.Exit(exitCode)
}

// ErrorSchemaInvalid is returned when a workflow document fails validation.
//
// Errors:
//
//    - sciflo-error-schema-invalid --
func ErrorSchemaInvalid(element string, reason string) error {
	return serum.Error(ECodeSchemaInvalid,
		serum.WithMessageTemplate("invalid workflow document at {{element|q}}: {{reason}}"),
		serum.WithDetail("element", element),
		serum.WithDetail("reason", reason),
	)
}

// ErrorReferenceUnresolvable is returned when an input or output reference cannot be bound.
//
// Errors:
//
//    - sciflo-error-reference-unresolvable --
func ErrorReferenceUnresolvable(element string, reference string, reason string) error {
	return serum.Error(ECodeReferenceUnresolved,
		serum.WithMessageTemplate("cannot resolve reference {{reference|q}} at {{element|q}}: {{reason}}"),
		serum.WithDetail("element", element),
		serum.WithDetail("reference", reference),
		serum.WithDetail("reason", reason),
	)
}

// ErrorBindingUnparseable is returned when an operator binding is malformed.
//
// Errors:
//
//    - sciflo-error-binding-unparseable --
func ErrorBindingUnparseable(processID string, binding string, reason string) error {
	return serum.Error(ECodeBindingUnparseable,
		serum.WithMessageTemplate("cannot parse binding {{binding|q}} of process {{process|q}}: {{reason}}"),
		serum.WithDetail("process", processID),
		serum.WithDetail("binding", binding),
		serum.WithDetail("reason", reason),
	)
}

// ErrorInvalidArgument is returned when the argument bundle does not fit the workflow.
//
// Errors:
//
//    - sciflo-error-invalid-argument --
func ErrorInvalidArgument(name string, reason string) error {
	return serum.Error(ECodeInvalidArgument,
		serum.WithMessageTemplate("invalid argument {{name|q}}: {{reason}}"),
		serum.WithDetail("name", name),
		serum.WithDetail("reason", reason),
	)
}

// ErrorStageFailure is returned when a stage file cannot be made local.
//
// Errors:
//
//    - sciflo-error-stage-failure --
func ErrorStageFailure(source string, cause error) error {
	result := serum.Errorf(ECodeStageFailure, "staging %q failed: %w", source, cause)
	addDetails(result, [][2]string{{"source", source}})
	return result
}

// ErrorOperatorFailure wraps a failure raised by the wrapped operator call.
//
// Errors:
//
//    - sciflo-error-operator-failure --
func ErrorOperatorFailure(variant Variant, call string, cause error) error {
	result := serum.Errorf(ECodeOperatorFailure, "%s operator %q failed: %w", variant, call, cause)
	addDetails(result, [][2]string{
		{"variant", string(variant)},
		{"call", call},
	})
	return result
}

// ErrorUnpickleableResult is returned when an operator result cannot be serialized
// back to the executor.
//
// Errors:
//
//    - sciflo-error-unpickleable-result --
func ErrorUnpickleableResult(cause error) error {
	return serum.Errorf(ECodeUnpickleableResult, "result cannot be serialized: %w", cause)
}

// ErrorTimeout is returned when a work-unit child exceeds its deadline.
//
// Errors:
//
//    - sciflo-error-timeout --
func ErrorTimeout(unitID string, timeout fmt.Stringer) error {
	return serum.Error(ECodeTimeout,
		serum.WithMessageTemplate("work unit {{unitID|q}} timed out after {{timeout}}"),
		serum.WithDetail("unitID", unitID),
		serum.WithDetail("timeout", timeout.String()),
	)
}

// ErrorCancelled is returned when a work unit observes cancellation.
//
// Errors:
//
//    - sciflo-error-cancelled --
func ErrorCancelled(unitID string) error {
	return serum.Error(ECodeCancelled,
		serum.WithMessageTemplate("work unit {{unitID|q}} was cancelled"),
		serum.WithDetail("unitID", unitID),
	)
}

// ErrorForkedChildDied is returned when a work-unit child vanishes without reporting a result.
//
// Errors:
//
//    - sciflo-error-forked-child-died --
func ErrorForkedChildDied(unitID string, how string) error {
	return serum.Error(ECodeForkedChildDied,
		serum.WithMessageTemplate("work unit {{unitID|q}} child died: {{how}}"),
		serum.WithDetail("unitID", unitID),
		serum.WithDetail("how", how),
	)
}

// ErrorPostExecFailure wraps a failure of one post-execution step.
//
// Errors:
//
//    - sciflo-error-post-exec-failure --
func ErrorPostExecFailure(stepIndex int, key string, cause error) error {
	result := serum.Errorf(ECodePostExecFailure, "post-execution step %d (%s) failed: %w", stepIndex, key, cause)
	addDetails(result, [][2]string{
		{"step", fmt.Sprintf("%d", stepIndex)},
		{"key", key},
	})
	return result
}

// ErrorCacheIo is returned by cache backends on storage failures.
//
// Errors:
//
//    - sciflo-error-cache-io --
func ErrorCacheIo(context string, cause error) error {
	result := serum.Errorf(ECodeCacheIo, "cache io error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}})
	return result
}

// ErrorAsyncPollTimeout is returned when an asynchronous remote call never produced a result.
//
// Errors:
//
//    - sciflo-error-async-poll-timeout --
func ErrorAsyncPollTimeout(pollURL string, attempts int) error {
	return serum.Error(ECodeAsyncPollTimeout,
		serum.WithMessageTemplate("no result at {{pollURL|q}} after {{attempts}} polls"),
		serum.WithDetail("pollURL", pollURL),
		serum.WithDetail("attempts", fmt.Sprintf("%d", attempts)),
	)
}

// ErrorIo wraps generic I/O errors from the Go stdlib
//
// Errors:
//
//    - sciflo-error-io --
func ErrorIo(context string, path string, cause error) error {
	result := serum.Errorf(ECodeIo, "io error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}, {"path", path}})
	return result
}

// ErrorSerialization is returned when a serialization or deserialization error occurs
//
// Errors:
//
//    - sciflo-error-serialization --
func ErrorSerialization(context string, cause error) error {
	result := serum.Errorf(ECodeSerialization, "serialization error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}})
	return result
}

// ErrorConfig is returned when the user configuration cannot be loaded.
//
// Errors:
//
//    - sciflo-error-config --
func ErrorConfig(path string, cause error) error {
	result := serum.Errorf(ECodeConfig, "configuration at %q is invalid: %w", path, cause)
	addDetails(result, [][2]string{{"path", path}})
	return result
}

// ErrorInternal is for miscellaneous errors that should be handled internally.
//
// Errors:
//
//    - sciflo-error-internal --
func ErrorInternal(msg string, cause error) error {
	return serum.Errorf(ECodeInternal, "%s: %w", msg, cause)
}

// ErrorWorkflowFailed summarizes a failed run for callers that want a plain error.
//
// Errors:
//
//    - sciflo-error-workflow-failed --
func ErrorWorkflowFailed(workflowID string, cause error) error {
	result := serum.Errorf(ECodeWorkflowFailed, "workflow %q failed: %w", workflowID, cause)
	addDetails(result, [][2]string{{"workflowID", workflowID}})
	return result
}

// addDetails is a helper method to get around the fact that serum.Errorf does not accept details.
func addDetails(err error, details [][2]string) {
	s := err.(*serum.ErrorValue)
	s.Data.Details = append(s.Data.Details, details...)
}

// ErrorRecord is the structured, serializable form of a failure.
// It is what results, state files and annotated documents carry.
type ErrorRecord struct {
	Kind      ErrorKind   `json:"kind"`
	Message   string      `json:"message"`
	UnitID    string      `json:"unit_id,omitempty"`
	ConfigID  string      `json:"config_id,omitempty"`
	ProcessID string      `json:"process_id,omitempty"`
	Traceback string      `json:"traceback,omitempty"`
	Details   [][2]string `json:"details,omitempty"`
}

func (r *ErrorRecord) Error() string {
	if r.ProcessID != "" {
		return fmt.Sprintf("%s: process %q: %s", r.Kind, r.ProcessID, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Code lets an ErrorRecord stand in for a serum error.
func (r *ErrorRecord) Code() string {
	return r.Kind.Code()
}

// RecordFromError converts any error to an ErrorRecord.
// An ErrorRecord found in the chain is copied rather than re-derived.
func RecordFromError(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	var existing *ErrorRecord
	if errors.As(err, &existing) {
		cp := *existing
		return &cp
	}
	rec := &ErrorRecord{
		Kind:    KindOf(err),
		Message: err.Error(),
	}
	if d := serum.Details(err); len(d) > 0 {
		rec.Details = d
	}
	return rec
}
