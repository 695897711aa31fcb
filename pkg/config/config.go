// Package config assembles the runtime options of orgkeeper from defaults,
// an optional YAML file, command-line flags and environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Options struct {
	ConfigPath string `yaml:"-"`

	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	SessionPath  string `yaml:"session_path"`
	SyncInfoPath string `yaml:"sync_info_path"`
	LogPath      string `yaml:"log_path"`
	LogStderr    bool   `yaml:"log_stderr"`

	ServerURL      string        `yaml:"server_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	SyncInterval  time.Duration `yaml:"sync_interval"`
	PushWorkers   int           `yaml:"push_workers"`
	PullWorkers   int           `yaml:"pull_workers"`
	Incremental   bool          `yaml:"incremental"`
	PullLookback  time.Duration `yaml:"pull_lookback"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	DoneRetention time.Duration `yaml:"done_retention"`
	DegradedAfter int           `yaml:"degraded_after"`

	DevServerAddr string `yaml:"dev_server_addr"`

	// Secrets are read from the environment only.
	Passphrase string `yaml:"-"`
	OwnerID    string `yaml:"-"`
	Token      string `yaml:"-"`
}

// Default returns the built-in option values.
func Default() Options {
	return Options{
		ServerURL:      "http://localhost:8080",
		RequestTimeout: 15 * time.Second,
		SyncInterval:   time.Minute,
		PushWorkers:    4,
		PullWorkers:    4,
		Incremental:    false,
		PullLookback:   24 * time.Hour,
		MaxAttempts:    5,
		BackoffBase:    5 * time.Second,
		BackoffMax:     10 * time.Minute,
		BackoffFactor:  2,
		DoneRetention:  24 * time.Hour,
		DegradedAfter:  3,
		DevServerAddr:  "127.0.0.1:8080",
	}
}

// RegisterFlags binds the options to fs. The flag defaults are the current
// values of o.
func (o *Options) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to a YAML config file")
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "directory for the database, session and logs")
	fs.StringVar(&o.DBPath, "db", o.DBPath, "local database file")
	fs.StringVar(&o.SessionPath, "session", o.SessionPath, "encrypted session file")
	fs.StringVar(&o.SyncInfoPath, "sync-info", o.SyncInfoPath, "file with the last sync cycle results")
	fs.StringVar(&o.LogPath, "log", o.LogPath, "log file")
	fs.BoolVar(&o.LogStderr, "log-stderr", o.LogStderr, "mirror log output to stderr")
	fs.StringVar(&o.ServerURL, "server", o.ServerURL, "backend URL")
	fs.DurationVar(&o.RequestTimeout, "request-timeout", o.RequestTimeout, "timeout of one backend request")
	fs.DurationVar(&o.SyncInterval, "interval", o.SyncInterval, "period between background sync cycles")
	fs.IntVar(&o.PushWorkers, "push-workers", o.PushWorkers, "tables pushed concurrently")
	fs.IntVar(&o.PullWorkers, "pull-workers", o.PullWorkers, "tables pulled concurrently")
	fs.BoolVar(&o.Incremental, "incremental", o.Incremental, "pull only rows stamped since the last watermark minus the lookback")
	fs.DurationVar(&o.PullLookback, "pull-lookback", o.PullLookback, "how far behind the watermark an incremental pull starts")
	fs.IntVar(&o.MaxAttempts, "max-attempts", o.MaxAttempts, "push attempts before an entry is marked failed")
	fs.DurationVar(&o.BackoffBase, "backoff-base", o.BackoffBase, "delay after the first failed push")
	fs.DurationVar(&o.BackoffMax, "backoff-max", o.BackoffMax, "upper bound of the push retry delay")
	fs.Float64Var(&o.BackoffFactor, "backoff-factor", o.BackoffFactor, "growth factor of the push retry delay")
	fs.DurationVar(&o.DoneRetention, "done-retention", o.DoneRetention, "how long acknowledged queue entries are kept")
	fs.IntVar(&o.DegradedAfter, "degraded-after", o.DegradedAfter, "failed cycles in a row before status turns degraded")
	fs.StringVar(&o.DevServerAddr, "dev-addr", o.DevServerAddr, "listen address of the development backend")
}

// Load finishes the options after fs has been parsed: it loads .env, layers
// the YAML file under the flags that were set explicitly, applies the
// environment, fills derived paths and validates the result.
func (o *Options) Load(fs *pflag.FlagSet) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if path, ok := os.LookupEnv("ORGKEEPER_CONFIG"); ok && !fs.Changed("config") {
		o.ConfigPath = path
	}

	if o.ConfigPath != "" {
		changed := make(map[string]string)
		fs.Visit(func(f *pflag.Flag) {
			changed[f.Name] = f.Value.String()
		})

		configPath := o.ConfigPath
		*o = Default()
		if err := o.readFile(configPath); err != nil {
			return err
		}
		o.ConfigPath = configPath

		for name, value := range changed {
			if err := fs.Set(name, value); err != nil {
				return fmt.Errorf("reapply flag %s: %w", name, err)
			}
		}
	}

	if err := o.applyEnv(); err != nil {
		return err
	}
	if err := o.fillPaths(); err != nil {
		return err
	}
	return o.Validate()
}

func (o *Options) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, o); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides the values with the environment variables that are set.
func (o *Options) applyEnv() error {
	str := map[string]*string{
		"ORGKEEPER_DATA_DIR":   &o.DataDir,
		"ORGKEEPER_DB":         &o.DBPath,
		"ORGKEEPER_SESSION":    &o.SessionPath,
		"ORGKEEPER_SYNC_INFO":  &o.SyncInfoPath,
		"ORGKEEPER_LOG":        &o.LogPath,
		"SERVER_URL":           &o.ServerURL,
		"ORGKEEPER_DEV_ADDR":   &o.DevServerAddr,
		"ORGKEEPER_PASSPHRASE": &o.Passphrase,
		"ORGKEEPER_OWNER_ID":   &o.OwnerID,
		"ORGKEEPER_TOKEN":      &o.Token,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"ORGKEEPER_REQUEST_TIMEOUT": &o.RequestTimeout,
		"SYNC_INTERVAL":             &o.SyncInterval,
		"ORGKEEPER_BACKOFF_BASE":    &o.BackoffBase,
		"ORGKEEPER_BACKOFF_MAX":     &o.BackoffMax,
		"ORGKEEPER_DONE_RETENTION":  &o.DoneRetention,
		"ORGKEEPER_PULL_LOOKBACK":   &o.PullLookback,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"ORGKEEPER_PUSH_WORKERS":   &o.PushWorkers,
		"ORGKEEPER_PULL_WORKERS":   &o.PullWorkers,
		"ORGKEEPER_MAX_ATTEMPTS":   &o.MaxAttempts,
		"ORGKEEPER_DEGRADED_AFTER": &o.DegradedAfter,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("ORGKEEPER_BACKOFF_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ORGKEEPER_BACKOFF_FACTOR: %w", err)
		}
		o.BackoffFactor = f
	}

	bools := map[string]*bool{
		"ORGKEEPER_INCREMENTAL": &o.Incremental,
		"ORGKEEPER_LOG_STDERR":  &o.LogStderr,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}
	return nil
}

// fillPaths derives unset file locations from the data directory, creating
// it when needed.
func (o *Options) fillPaths() error {
	if o.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		o.DataDir = filepath.Join(home, "orgkeeper")
	}
	if _, err := os.Stat(o.DataDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
			return err
		}
	}

	defaults := []struct {
		dst  *string
		name string
	}{
		{&o.DBPath, "orgkeeper.db"},
		{&o.SessionPath, "session.json"},
		{&o.SyncInfoPath, "syncinfo.json"},
		{&o.LogPath, "orgkeeper.log"},
	}
	for _, d := range defaults {
		if *d.dst == "" {
			*d.dst = filepath.Join(o.DataDir, d.name)
		}
	}
	return nil
}

// Validate reports the first option with an unusable value.
func (o *Options) Validate() error {
	switch {
	case o.ServerURL == "":
		return errors.New("server URL is empty")
	case o.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case o.SyncInterval <= 0:
		return errors.New("sync interval must be positive")
	case o.PushWorkers < 1 || o.PullWorkers < 1:
		return errors.New("worker counts must be at least 1")
	case o.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase:
		return fmt.Errorf("invalid backoff bounds %s..%s", o.BackoffBase, o.BackoffMax)
	case o.BackoffFactor < 1:
		return errors.New("backoff factor must be at least 1")
	case o.PullLookback < 0:
		return errors.New("pull lookback must not be negative")
	case o.DoneRetention < 0:
		return errors.New("done retention must not be negative")
	case o.DegradedAfter < 1:
		return errors.New("degraded-after must be at least 1")
	}
	return nil
}

// NewConfig parses args into a fresh flag set and loads the options.
func NewConfig(args []string) (*Options, error) {
	o := Default()
	fs := pflag.NewFlagSet("orgkeeper", pflag.ContinueOnError)
	o.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := o.Load(fs); err != nil {
		return nil, err
	}
	return &o, nil
}
