package executor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/pkg/workunit"
)

const (
	DefaultWorkers       = 4
	MaxWorkers           = 50
	DefaultWorkerTimeout = 24 * time.Hour
	DefaultMaxRetries    = 5
)

// Config carries everything an Executor needs that is not part of a workflow document.
type Config struct {
	// WorkDir holds one directory per workflow run.
	WorkDir string
	// Workers bounds how many units run at once. Values above MaxWorkers are clamped.
	Workers int
	// WorkerTimeout applies to units whose process declares no timeout.
	WorkerTimeout time.Duration
	// MaxRetries caps the retries a process may ask for.
	MaxRetries int

	PackagesDir string
	Owner       string

	Cache      cache.Cache
	Publisher  publish.Publisher
	Registry   *conversion.Registry
	Notifier   Notifier
	Supervisor *workunit.Supervisor

	PollInterval     time.Duration
	PollBudget       int
	QueueURL         string
	QueueConcurrency int
	JobContext       jobqueue.JobContext
	S3               publish.S3Config

	Verbose bool
}

func DefaultConfig() Config {
	return Config{
		WorkDir:       filepath.Join(os.TempDir(), "sciflo"),
		Workers:       DefaultWorkers,
		WorkerTimeout: DefaultWorkerTimeout,
		MaxRetries:    DefaultMaxRetries,
		PollInterval:  5 * time.Second,
		PollBudget:    720,
	}
}

// normalize fills unset fields with their defaults.
func (c Config) normalize() Config {
	if c.WorkDir == "" {
		c.WorkDir = DefaultConfig().WorkDir
	}
	if abs, err := filepath.Abs(c.WorkDir); err == nil {
		c.WorkDir = abs
	}
	switch {
	case c.Workers <= 0:
		c.Workers = DefaultWorkers
	case c.Workers > MaxWorkers:
		c.Workers = MaxWorkers
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Cache == nil {
		c.Cache = cache.NullCache{}
	}
	if c.Registry == nil {
		c.Registry = conversion.Default()
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{}
	}
	if c.Supervisor == nil {
		c.Supervisor = workunit.NewSupervisor()
	}
	return c
}
