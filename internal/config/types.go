package config

import "time"

// Config is the root configuration of the runner daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Log     LogConfig     `json:"log"`
	Storage StorageConfig `json:"storage"`
	Runner  RunnerConfig  `json:"runner"`
	Output  OutputConfig  `json:"output,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
	// Console is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Console *bool   `json:"console,omitempty"`
	File    LogFile `json:"file,omitempty"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

func (l LogConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default "sqlite"
	Path        string `json:"path,omitempty"`   // default "./geppetto.db"
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

func (s StorageConfig) PathOrDefault() string {
	if s.Path == "" {
		return "./geppetto.db"
	}
	return s.Path
}

func (s StorageConfig) BusyTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
}

// RunnerConfig controls the scheduling and execution engine.
//
// Defaults (when fields are omitted/zero):
//   - max_queue_size: 10
//   - poll_interval: "1s"
//   - exec_timeout: "5m"
//   - work_dir: <os temp dir>/geppetto-projects
//   - interpreter: "python3"
//   - lookback_days: 1
type RunnerConfig struct {
	MaxQueueSize int    `json:"max_queue_size,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
	WorkDir      string `json:"work_dir,omitempty"`
	Interpreter  string `json:"interpreter,omitempty"`
	LookbackDays int    `json:"lookback_days,omitempty"`
}

func (r RunnerConfig) MaxQueueSizeOrDefault() int {
	if r.MaxQueueSize <= 0 {
		return 10
	}
	return r.MaxQueueSize
}

func (r RunnerConfig) PollIntervalOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("runner.poll_interval", r.PollInterval, time.Second)
}

func (r RunnerConfig) ExecTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("runner.exec_timeout", r.ExecTimeout, 5*time.Minute)
}

// OutputConfig is passed through to generated artifacts as command-line flags.
// The engine itself never uploads reports or fires callbacks.
type OutputConfig struct {
	CallbackURL string     `json:"callback_url,omitempty"`
	CDN         *CDNConfig `json:"cdn,omitempty"`
}

// CDNConfig is the report upload destination handed to the artifact.
type CDNConfig struct {
	URL       string `json:"url"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	// EnableSSL is a pointer so "omitted" defaults to true.
	EnableSSL *bool `json:"enable_ssl,omitempty"`
}

func (c CDNConfig) SSLEnabled() bool {
	if c.EnableSSL == nil {
		return true
	}
	return *c.EnableSSL
}
