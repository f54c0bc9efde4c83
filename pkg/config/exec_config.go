package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/jobqueue"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "config"

// Duration reads either a Go duration ("90s") or plain seconds from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type JobQueueConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// UserConfig is the per-user configuration file.
// Zero values mean "use the default".
type UserConfig struct {
	Workers             int              `yaml:"workers"`
	WorkerTimeout       Duration         `yaml:"worker_timeout"`
	MaxRetries          *int             `yaml:"max_retries"`
	WorkDir             string           `yaml:"work_dir"`
	PackagesDir         string           `yaml:"packages_dir"`
	NotifyAddress       string           `yaml:"notify_address"`
	PublishBaseURL      string           `yaml:"publish_base_url"`
	Cache               cache.Config     `yaml:"cache"`
	ConversionsOverride string           `yaml:"conversions_override"`
	JobQueue            JobQueueConfig   `yaml:"job_queue"`
	S3Publish           publish.S3Config `yaml:"s3_publish"`
	PollInterval        Duration         `yaml:"poll_interval"`
	PollBudget          int              `yaml:"poll_budget"`
	Owner               string           `yaml:"owner"`
}

// UserConfigPath is where the user configuration is read from.
func UserConfigPath(state State) string {
	if p, ok := state.Env[EnvScifloConfig]; ok && p != "" {
		return p
	}
	return filepath.Join(state.HomeDirectory, ".sciflo", "config.yaml")
}

// LoadUserConfig reads the user configuration and applies environment overrides.
// A missing file is not an error; the defaults are used.
//
// Errors:
//
//    - sciflo-error-config -- when the file or an override cannot be parsed
//    - sciflo-error-io -- when the file exists but cannot be read
func LoadUserConfig(state State) (UserConfig, error) {
	var uc UserConfig
	path := UserConfigPath(state)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return uc, sfapi.ErrorIo("reading user configuration", path, err)
	default:
		if err := yaml.Unmarshal(data, &uc); err != nil {
			return uc, sfapi.ErrorConfig(path, err)
		}
	}
	if err := uc.applyEnv(state); err != nil {
		return uc, err
	}
	uc.applyDefaults(state)
	return uc, nil
}

func (uc *UserConfig) applyEnv(state State) error {
	if v, ok := state.Env[EnvScifloWorkers]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return sfapi.ErrorConfig(EnvScifloWorkers, err)
		}
		uc.Workers = n
	}
	if v, ok := state.Env[EnvScifloWorkerTimeout]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return sfapi.ErrorConfig(EnvScifloWorkerTimeout, err)
		}
		uc.WorkerTimeout = Duration(d)
	}
	if v, ok := state.Env[EnvScifloWorkDir]; ok {
		uc.WorkDir = v
	}
	if v, ok := state.Env[EnvScifloPublishBaseURL]; ok {
		uc.PublishBaseURL = v
	}
	if v, ok := state.Env[EnvScifloCacheBackend]; ok {
		uc.Cache.Backend = v
	}
	if v, ok := state.Env[EnvScifloJobQueueURL]; ok {
		uc.JobQueue.URL = v
	}
	return nil
}

func (uc *UserConfig) applyDefaults(state State) {
	d := executor.DefaultConfig()
	switch {
	case uc.Workers <= 0:
		uc.Workers = d.Workers
	case uc.Workers > executor.MaxWorkers:
		uc.Workers = executor.MaxWorkers
	}
	if uc.WorkerTimeout <= 0 {
		uc.WorkerTimeout = Duration(d.WorkerTimeout)
	}
	if uc.MaxRetries == nil {
		n := d.MaxRetries
		uc.MaxRetries = &n
	}
	if uc.WorkDir == "" {
		uc.WorkDir = filepath.Join(state.TempDir, "sciflo")
	}
	if uc.Cache.Backend == "" {
		uc.Cache.Backend = cache.BackendFile
	}
	if uc.Cache.Dir == "" {
		uc.Cache.Dir = filepath.Join(state.HomeDirectory, ".sciflo", "cache")
	}
	if uc.PollInterval <= 0 {
		uc.PollInterval = Duration(d.PollInterval)
	}
	if uc.PollBudget <= 0 {
		uc.PollBudget = d.PollBudget
	}
	if uc.Owner == "" {
		uc.Owner = state.Env[EnvUser]
	}
}

// Debug reports whether debug logging was requested through the environment.
func Debug(state State) bool {
	_, ok := state.Env[EnvScifloDebug]
	return ok
}

// ExecConfig derives the executor configuration: it opens the cache,
// builds the publisher and loads the conversion registry.
// An S3 publisher that cannot reach its bucket falls back to the base URL publisher, with a warning.
//
// Errors:
//
//    - sciflo-error-config -- when the user configuration or the conversion overrides cannot be parsed
//    - sciflo-error-io -- when a configuration file exists but cannot be read
func ExecConfig(ctx context.Context, state State) (executor.Config, error) {
	log := logging.Ctx(ctx)
	uc, err := LoadUserConfig(state)
	if err != nil {
		return executor.Config{}, err
	}
	override := uc.ConversionsOverride
	if override != "" {
		override = state.Abs(override)
	}
	reg, err := conversion.LoadWithOverrides(override)
	if err != nil {
		return executor.Config{}, err
	}
	cfg := executor.DefaultConfig()
	cfg.WorkDir = state.Abs(uc.WorkDir)
	cfg.Workers = uc.Workers
	cfg.WorkerTimeout = time.Duration(uc.WorkerTimeout)
	cfg.MaxRetries = *uc.MaxRetries
	cfg.PackagesDir = uc.PackagesDir
	cfg.Owner = uc.Owner
	cfg.Registry = reg
	cfg.Cache = cache.Open(ctx, uc.Cache)
	cfg.Notifier = executor.LogNotifier{Address: uc.NotifyAddress}
	cfg.PollInterval = time.Duration(uc.PollInterval)
	cfg.PollBudget = uc.PollBudget
	cfg.QueueURL = uc.JobQueue.URL
	cfg.JobContext = jobqueue.JobContext{Username: uc.Owner, Tag: uc.JobQueue.Name}
	cfg.S3 = uc.S3Publish
	cfg.Verbose = Debug(state)

	if uc.S3Publish.Bucket != "" {
		pub, err := publish.NewS3Publisher(ctx, uc.S3Publish, cfg.WorkDir)
		if err == nil {
			cfg.Publisher = pub
			return cfg, nil
		}
		log.Warn(LOG_TAG, "s3 publication disabled: %s", err)
	}
	if uc.PublishBaseURL != "" {
		cfg.Publisher = publish.LocalPublisher{Root: cfg.WorkDir, BaseURL: uc.PublishBaseURL}
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
