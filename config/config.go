// Package config loads and validates process configuration. Values come
// from an optional YAML file overlaid with CMO_-prefixed environment
// variables (CMO_DATABASE_HOST, CMO_RUNTIME_WHOLERUNTIMEOUTMS, ...).
// Configuration is immutable after Load; secret-like fields are redacted
// before logging.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// Drivers recognized by the database, transport and blob sections.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMinio    = "minio"
)

// DatabaseConfig selects and parameterizes the checkpoint store backend.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	PoolSize int    `mapstructure:"poolsize"`

	// Path is the database file for the sqlite driver.
	Path string `mapstructure:"path"`
}

// TransportConfig selects and parameterizes the message transport.
type TransportConfig struct {
	Driver              string        `mapstructure:"driver"`
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Password            string        `mapstructure:"password"`
	DB                  int           `mapstructure:"db"`
	Stream              string        `mapstructure:"stream"`
	Group               string        `mapstructure:"group"`
	MaxDeliveryAttempts int           `mapstructure:"maxdeliveryattempts"`
	DedupeWindow        time.Duration `mapstructure:"dedupewindow"`
}

// BlobStoreConfig parameterizes the artifact/spill store.
type BlobStoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accesskey"`
	SecretKey string `mapstructure:"secretkey"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"usessl"`
	PathStyle bool   `mapstructure:"pathstyle"`
}

// ObservabilityConfig parameterizes tracing export.
type ObservabilityConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ServiceName      string  `mapstructure:"servicename"`
	ExporterEndpoint string  `mapstructure:"exporterendpoint"`
	SampleRate       float64 `mapstructure:"samplerate"`
}

// PolicyConfig parameterizes the OPA execution gates.
type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BundlePath string `mapstructure:"bundlepath"`
}

// LoggingConfig parameterizes the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RuntimeConfig parameterizes engine execution.
type RuntimeConfig struct {
	PerNodeTimeoutMs    int64 `mapstructure:"pernodetimeoutms"`
	WholeRunTimeoutMs   int64 `mapstructure:"wholeruntimeoutms"`
	CheckpointEveryN    int   `mapstructure:"checkpointeverynsteps"`
	MaxRetriesPerNode   int   `mapstructure:"maxretriespernode"`
	SpillThresholdBytes int   `mapstructure:"replaypayloadsizethresholdbytes"`
	ClockIncrementMs    int64 `mapstructure:"clockincrementms"`
	MaxPayloadBytes     int   `mapstructure:"maxpayloadbytes"`
}

// SigningConfig parameterizes envelope HMAC signing. An empty secret
// disables signing and verification.
type SigningConfig struct {
	Secret string `mapstructure:"secret"`
}

// Config is the full process configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Transport     TransportConfig     `mapstructure:"transport"`
	BlobStore     BlobStoreConfig     `mapstructure:"blobstore"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Runtime       RuntimeConfig       `mapstructure:"runtime"`
	Signing       SigningConfig       `mapstructure:"signing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cmo_elg")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.poolsize", 10)
	v.SetDefault("database.path", "cmo-elg.db")

	v.SetDefault("transport.driver", DriverMemory)
	v.SetDefault("transport.host", "localhost")
	v.SetDefault("transport.port", 6379)
	v.SetDefault("transport.stream", "elg.invocations")
	v.SetDefault("transport.group", "elg-workers")
	v.SetDefault("transport.maxdeliveryattempts", 3)
	v.SetDefault("transport.dedupewindow", 10*time.Minute)

	v.SetDefault("blobstore.driver", DriverMemory)
	v.SetDefault("blobstore.bucket", "elg-artifacts")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.servicename", "cmo-elg")
	v.SetDefault("observability.samplerate", 1.0)

	v.SetDefault("policy.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("runtime.pernodetimeoutms", 30_000)
	v.SetDefault("runtime.wholeruntimeoutms", 600_000)
	v.SetDefault("runtime.checkpointeverynsteps", 1)
	v.SetDefault("runtime.maxretriespernode", 3)
	v.SetDefault("runtime.replaypayloadsizethresholdbytes", 256*1024)
	v.SetDefault("runtime.clockincrementms", 1)
	v.SetDefault("runtime.maxpayloadbytes", 10*1024*1024)
}

// Load reads configuration from the environment, overlaid on the YAML file
// at path when path is non-empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeConfigInvalid, "read config file "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeConfigInvalid, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks internal consistency. Configuration that passes Validate
// can always construct its backends (reachability aside).
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return elgerr.New(elgerr.CodeConfigInvalid, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return elgerr.New(elgerr.CodeConfigInvalid, "database host, name and user are required for the postgres driver")
		}
		if c.Database.PoolSize < 1 {
			return elgerr.New(elgerr.CodeConfigInvalid, "database.poolsize must be at least 1")
		}
	default:
		return elgerr.Newf(elgerr.CodeConfigInvalid, "unknown database driver %q", c.Database.Driver)
	}

	switch c.Transport.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Transport.Host == "" || c.Transport.Port == 0 {
			return elgerr.New(elgerr.CodeConfigInvalid, "transport host and port are required for the redis driver")
		}
	default:
		return elgerr.Newf(elgerr.CodeConfigInvalid, "unknown transport driver %q", c.Transport.Driver)
	}
	if c.Transport.Stream == "" || c.Transport.Group == "" {
		return elgerr.New(elgerr.CodeConfigInvalid, "transport.stream and transport.group are required")
	}
	if c.Transport.MaxDeliveryAttempts < 1 {
		return elgerr.New(elgerr.CodeConfigInvalid, "transport.maxdeliveryattempts must be at least 1")
	}

	switch c.BlobStore.Driver {
	case DriverMemory:
	case DriverMinio:
		if c.BlobStore.Endpoint == "" || c.BlobStore.Bucket == "" {
			return elgerr.New(elgerr.CodeConfigInvalid, "blobstore endpoint and bucket are required for the minio driver")
		}
	default:
		return elgerr.Newf(elgerr.CodeConfigInvalid, "unknown blobstore driver %q", c.BlobStore.Driver)
	}

	if c.Policy.Enabled && c.Policy.BundlePath == "" {
		return elgerr.New(elgerr.CodeConfigInvalid, "policy.bundlepath is required when policy is enabled")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return elgerr.New(elgerr.CodeConfigInvalid, "observability.samplerate must be within [0, 1]")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return elgerr.Newf(elgerr.CodeConfigInvalid, "unknown log level %q", c.Logging.Level)
	}

	r := c.Runtime
	if r.PerNodeTimeoutMs < 0 || r.WholeRunTimeoutMs < 0 {
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime timeouts cannot be negative")
	}
	if r.CheckpointEveryN != 1 {
		// Every step is checkpointed; coarser intervals would break
		// resume-by-replay hash verification.
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime.checkpointeverynsteps must be 1")
	}
	if r.MaxRetriesPerNode < 0 {
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime.maxretriespernode cannot be negative")
	}
	if r.SpillThresholdBytes < 1 {
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime.replaypayloadsizethresholdbytes must be positive")
	}
	if r.ClockIncrementMs < 1 {
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime.clockincrementms must be at least 1")
	}
	if r.MaxPayloadBytes < 1 {
		return elgerr.New(elgerr.CodeConfigInvalid, "runtime.maxpayloadbytes must be positive")
	}
	return nil
}

const redacted = "[REDACTED]"

// Redacted returns a copy safe for logging: passwords, keys and signing
// secrets are masked, empty values stay empty.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}
	if out.Transport.Password != "" {
		out.Transport.Password = redacted
	}
	if out.BlobStore.AccessKey != "" {
		out.BlobStore.AccessKey = redacted
	}
	if out.BlobStore.SecretKey != "" {
		out.BlobStore.SecretKey = redacted
	}
	if out.Signing.Secret != "" {
		out.Signing.Secret = redacted
	}
	return out
}

// PerNodeTimeout returns the runtime per-node timeout as a duration.
func (c *Config) PerNodeTimeout() time.Duration {
	return time.Duration(c.Runtime.PerNodeTimeoutMs) * time.Millisecond
}

// WholeRunTimeout returns the runtime whole-run timeout as a duration.
func (c *Config) WholeRunTimeout() time.Duration {
	return time.Duration(c.Runtime.WholeRunTimeoutMs) * time.Millisecond
}

// ClockIncrement returns the virtual clock increment as a duration.
func (c *Config) ClockIncrement() time.Duration {
	return time.Duration(c.Runtime.ClockIncrementMs) * time.Millisecond
}
