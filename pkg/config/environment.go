package config

const (
	// EnvScifloConfig names the user configuration file, replacing ~/.sciflo/config.yaml.
	EnvScifloConfig = "SCIFLO_CONFIG"
	// EnvScifloWorkers overrides the size of the worker pool.
	EnvScifloWorkers = "SCIFLO_WORKERS"
	// EnvScifloWorkerTimeout overrides the timeout of units whose process declares none.
	// Go durations and plain seconds are accepted.
	EnvScifloWorkerTimeout = "SCIFLO_WORKER_TIMEOUT"
	// EnvScifloWorkDir overrides where workflow and unit directories are created.
	EnvScifloWorkDir = "SCIFLO_WORKDIR"
	// EnvScifloPublishBaseURL publishes results under this URL; the work directory is the root.
	EnvScifloPublishBaseURL = "SCIFLO_PUBLISH_BASE_URL"
	// EnvScifloCacheBackend selects the result cache: file, sqlite or none.
	EnvScifloCacheBackend = "SCIFLO_CACHE_BACKEND"
	// EnvScifloJobQueueURL is the AMQP address queue variants submit to.
	EnvScifloJobQueueURL = "SCIFLO_JOB_QUEUE_URL"
	// EnvScifloDebug turns on debug logging when set to anything.
	EnvScifloDebug = "SCIFLO_DEBUG"
	// EnvUser is the default owner recorded on resolved units.
	EnvUser = "USER"
)

// NOTE: keep this up to date or the config loader won't load them
var envKeys = []string{
	EnvScifloConfig,
	EnvScifloWorkers,
	EnvScifloWorkerTimeout,
	EnvScifloWorkDir,
	EnvScifloPublishBaseURL,
	EnvScifloCacheBackend,
	EnvScifloJobQueueURL,
	EnvScifloDebug,
	EnvUser,
}
