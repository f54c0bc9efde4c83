package sfapi

import (
	"time"
)

// WorkUnitInfo is the runtime record of one attempt at a WorkUnitConfig.
// It is what the child writes back, what the cache stores, and what workunit.json holds.
type WorkUnitInfo struct {
	UnitID             string        `json:"unit_id"`
	ConfigID           string        `json:"config_id"`
	ProcessID          string        `json:"process_id"`
	Hash               string        `json:"hash"`
	WorkingDir         string        `json:"working_dir"`
	Status             Status        `json:"status"`
	Attempt            int           `json:"attempt"`
	Pid                int           `json:"pid,omitempty"`
	StartTime          *time.Time    `json:"start_time,omitempty"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	Result             interface{}   `json:"result,omitempty"`
	UnpublicizedResult interface{}   `json:"unpublicized_result,omitempty"`
	PostExecResults    []interface{} `json:"post_exec_results,omitempty"`
	Exception          *ErrorRecord  `json:"exception,omitempty"`
	Traceback          string        `json:"traceback,omitempty"`
	ExecutionLogPath   string        `json:"execution_log_path"`
	PidFilePath        string        `json:"pid_file_path"`
	CancelFlag         bool          `json:"cancel_flag,omitempty"`
	CachedFrom         string        `json:"cached_from,omitempty"`
}

// OutputValue is one entry of the final result tuple.
type OutputValue struct {
	Tag        string       `json:"tag"`
	Type       string       `json:"type,omitempty"`
	Value      interface{}  `json:"value,omitempty"`
	URL        string       `json:"url,omitempty"`
	Error      *ErrorRecord `json:"error,omitempty"`
	NotReached bool         `json:"not_reached,omitempty"`
}

// WorkflowResult is what Execute hands back once the workflow settles.
type WorkflowResult struct {
	WorkflowID        string         `json:"workflow_id"`
	Name              string         `json:"name"`
	Status            WorkflowStatus `json:"status"`
	Outputs           []OutputValue  `json:"outputs"`
	Exception         *ErrorRecord   `json:"exception,omitempty"`
	StateFile         string         `json:"state_file"`
	AnnotatedDocument string         `json:"annotated_document,omitempty"`
}

// Values returns the output values, with errors in place of failed entries.
func (r WorkflowResult) Values() []interface{} {
	out := make([]interface{}, len(r.Outputs))
	for i, o := range r.Outputs {
		switch {
		case o.Error != nil:
			out[i] = o.Error
		case o.URL != "":
			out[i] = o.URL
		default:
			out[i] = o.Value
		}
	}
	return out
}

// UnitSummary is the state file's view of one unit.
type UnitSummary struct {
	UnitID    string       `json:"unit_id"`
	ProcessID string       `json:"process_id"`
	Status    Status       `json:"status"`
	Attempt   int          `json:"attempt"`
	Hash      string       `json:"hash,omitempty"`
	InfoPath  string       `json:"info_path,omitempty"`
	Exception *ErrorRecord `json:"exception,omitempty"`
}

// StateFile is the canonical observability artifact, one per workflow.
type StateFile struct {
	WorkflowID        string                 `json:"workflow_id"`
	Name              string                 `json:"name"`
	Args              interface{}            `json:"args,omitempty"`
	WorkDir           string                 `json:"work_dir"`
	OutputDir         string                 `json:"output_dir"`
	StartTime         time.Time              `json:"start_time"`
	EndTime           *time.Time             `json:"end_time,omitempty"`
	Pid               int                    `json:"pid"`
	Units             map[string]UnitSummary `json:"units"`
	UnitIDs           map[string]string      `json:"unit_ids"`
	Status            WorkflowStatus         `json:"status"`
	Result            []OutputValue          `json:"result,omitempty"`
	Exception         *ErrorRecord           `json:"exception,omitempty"`
	AnnotatedDocument string                 `json:"annotated_document,omitempty"`
	Graph             string                 `json:"graph,omitempty"`
}
