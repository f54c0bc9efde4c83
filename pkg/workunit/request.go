package workunit

import (
	"path/filepath"
	"time"

	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/sfapi"
)

// Files inside a unit's working directory.
const (
	ExecutionLogName = "wu_execution.log"
	PidFileName      = "workunit.pid"
	InfoFileName     = "workunit.json"
)

// CancelMarker is written to the execution log when a unit observes SIGINT.
const CancelMarker = "SCIFLO-CANCELLED: work unit received SIGINT"

// Request is everything a child needs to run one unit.
// It travels to the child as json on stdin.
type Request struct {
	UnitID     string               `json:"unit_id"`
	Config     sfapi.WorkUnitConfig `json:"config"`
	Args       []interface{}        `json:"args"`
	WorkingDir string               `json:"working_dir"`
	// OutputDir is the workflow-level directory that nested workflows and artifacts use.
	OutputDir string `json:"output_dir,omitempty"`

	PackagesDir      string              `json:"packages_dir,omitempty"`
	PollInterval     time.Duration       `json:"poll_interval,omitempty"`
	PollBudget       int                 `json:"poll_budget,omitempty"`
	QueueURL         string              `json:"queue_url,omitempty"`
	QueueConcurrency int                 `json:"queue_concurrency,omitempty"`
	JobContext       jobqueue.JobContext `json:"job_context,omitempty"`
	S3               publish.S3Config    `json:"s3,omitempty"`
	// Timeout bounds operations inside the child that wait on others, such as queue joins.
	Timeout time.Duration `json:"timeout,omitempty"`
	Verbose bool          `json:"verbose,omitempty"`
}

// Response is what a child reports on its result pipe.
type Response struct {
	Result    interface{}        `json:"result,omitempty"`
	Error     *sfapi.ErrorRecord `json:"error,omitempty"`
	Cancelled bool               `json:"cancelled,omitempty"`
}

func (r Request) ExecutionLogPath() string {
	return filepath.Join(r.WorkingDir, ExecutionLogName)
}

func (r Request) PidFilePath() string {
	return filepath.Join(r.WorkingDir, PidFileName)
}

// Named returns the argument values keyed by input tag.
// Positions without a name are keyed "argN".
func (r Request) Named() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Args))
	for i, v := range r.Args {
		name := ""
		if i < len(r.Config.ArgNames) {
			name = r.Config.ArgNames[i]
		}
		if name == "" {
			name = "arg" + itoa(i)
		}
		out[name] = v
	}
	return out
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}
