// Package config loads the YAML configuration shared by the tablesync
// commands.
//
// The file is named by the --config flag or the TABLESYNC_CONFIG
// environment variable. Values missing from the file keep the defaults
// returned by Default. ${VAR} references in paths and DSNs are expanded
// from the environment.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/rekaland/tablesync/realtime"
	"github.com/rekaland/tablesync/storage"
)

// EnvVar names the environment variable consulted by Load.
const EnvVar = "TABLESYNC_CONFIG"

// Backend kinds.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendGit      = "git"
	// BackendRemote reads from a feed server over gRPC.
	BackendRemote = "remote"
)

type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	Server  ServerConfig  `yaml:"server"`

	// Logging is a loggo specification, e.g. "<root>=INFO;tablesync.realtime=DEBUG".
	Logging string `yaml:"logging"`
}

// BackendConfig selects and configures the store rows are read from.
type BackendConfig struct {
	Kind string `yaml:"kind"`

	// sqlite
	Path string `yaml:"path"`
	// postgres
	DSN string `yaml:"dsn"`
	// git
	RepoPath string `yaml:"repo_path"`
	Push     bool   `yaml:"push"`
	// s3
	S3 S3Config `yaml:"s3"`
	// remote
	Address string `yaml:"address"`

	// SyncInterval is how often polling backends look for changes.
	SyncInterval Duration `yaml:"sync_interval"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SyncConfig configures the aggregator and subscriptions.
type SyncConfig struct {
	Tables      []string `yaml:"tables"`
	StaggerUnit Duration `yaml:"stagger_unit"`
	Cooldown    Duration `yaml:"cooldown"`
	// FilterMode is "pass-through" or "suppress".
	FilterMode string `yaml:"filter_mode"`
}

type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
	MaxDelay Duration `yaml:"max_delay"`
	Factor   float64  `yaml:"factor"`
	Timeout  Duration `yaml:"timeout"`
}

type ServerConfig struct {
	// Listen is the gRPC listen address of the feed server.
	Listen string `yaml:"listen"`
	// Metrics is the HTTP listen address for /metrics; empty disables it.
	Metrics string `yaml:"metrics"`
}

// Default returns the configuration used as the base for loading.
func Default() *Config {
	p := realtime.DefaultRetryPolicy
	return &Config{
		Backend: BackendConfig{
			Kind:         BackendSQLite,
			Path:         "tablesync.db",
			Address:      "localhost:50051",
			SyncInterval: Duration(storage.DefaultSyncInterval),
		},
		Sync: SyncConfig{
			Tables:      append([]string(nil), realtime.DefaultTables...),
			StaggerUnit: Duration(realtime.DefaultStaggerUnit),
			Cooldown:    Duration(realtime.DefaultCooldown),
			FilterMode:  realtime.FilterPassThrough.String(),
		},
		Retry: RetryConfig{
			Attempts: p.Attempts,
			Delay:    Duration(p.Delay),
			MaxDelay: Duration(p.MaxDelay),
			Factor:   p.Factor,
			Timeout:  Duration(p.Timeout),
		},
		Server: ServerConfig{
			Listen: ":50051",
		},
		Logging: "<root>=INFO",
	}
}

// Load reads the file named by TABLESYNC_CONFIG. Without it the defaults
// are returned.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config %s", path)
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Backend.Path = os.ExpandEnv(c.Backend.Path)
	c.Backend.DSN = os.ExpandEnv(c.Backend.DSN)
	c.Backend.RepoPath = os.ExpandEnv(c.Backend.RepoPath)
	c.Backend.S3.AccessKey = os.ExpandEnv(c.Backend.S3.AccessKey)
	c.Backend.S3.SecretKey = os.ExpandEnv(c.Backend.S3.SecretKey)
}

func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return errors.Trace(err)
	}
	if len(c.Sync.Tables) == 0 {
		return errors.NotValidf("empty sync.tables")
	}
	if _, err := c.FilterMode(); err != nil {
		return errors.Annotate(err, "sync.filter_mode")
	}
	if c.Sync.StaggerUnit < 0 || c.Sync.Cooldown < 0 {
		return errors.NotValidf("negative sync interval")
	}
	return errors.Annotate(c.RetryPolicy().Validate(), "retry")
}

func (b BackendConfig) Validate() error {
	var missing string
	switch b.Kind {
	case BackendSQLite:
		if b.Path == "" {
			missing = "path"
		}
	case BackendPostgres:
		if b.DSN == "" {
			missing = "dsn"
		}
	case BackendGit:
		if b.RepoPath == "" {
			missing = "repo_path"
		}
	case BackendS3:
		if b.S3.Bucket == "" {
			missing = "s3.bucket"
		}
	case BackendRemote:
		if b.Address == "" {
			missing = "address"
		}
	default:
		return errors.NotValidf("backend kind %q", b.Kind)
	}
	if missing != "" {
		return errors.NotValidf("%s backend without %s", b.Kind, missing)
	}
	if b.SyncInterval <= 0 {
		return errors.NotValidf("backend.sync_interval %v", b.SyncInterval)
	}
	return nil
}

// RetryPolicy returns the subscription retry policy.
func (c *Config) RetryPolicy() realtime.RetryPolicy {
	return realtime.RetryPolicy{
		Attempts: c.Retry.Attempts,
		Delay:    time.Duration(c.Retry.Delay),
		MaxDelay: time.Duration(c.Retry.MaxDelay),
		Factor:   c.Retry.Factor,
		Timeout:  time.Duration(c.Retry.Timeout),
	}
}

func (c *Config) FilterMode() (realtime.FilterMode, error) {
	return realtime.ParseFilterMode(c.Sync.FilterMode)
}

// Duration is a time.Duration written as a string such as "500ms" in YAML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.NotValidf("duration %q at line %d", s, value.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
