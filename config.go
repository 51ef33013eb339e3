package db

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"gopkg.in/yaml.v3"
)

// Configuration constants for adapter operations
const (
	// Connect retry configuration
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // 50% jitter to avoid thundering herd

	// Timeouts
	DefaultConnectTimeout         = 10 * time.Second
	DefaultServerSelectionTimeout = 5 * time.Second
	DefaultOperationTimeout       = 30 * time.Second

	// Circuit breaker
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 30 * time.Second

	// Firestore limits
	MaxBatchWrites = 500

	// Status channel
	DefaultStatusPrefix = "ecdb"
	DefaultStatusTTL    = 5 * time.Minute
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	BackoffMultiple int           `yaml:"backoff_multiple"`
	JitterPercent   float64       `yaml:"jitter_percent"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// Backoff returns the wait before retry number attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= time.Duration(c.BackoffMultiple)
	}
	if c.JitterPercent > 0 {
		backoff += time.Duration(float64(backoff) * c.JitterPercent * rand.Float64())
	}
	return backoff
}

// orDefault returns the default config for a zero value and otherwise fills
// the backoff fields a partial YAML section leaves unset. Zero MaxRetries and
// JitterPercent are meaningful and kept.
func (c RetryConfig) orDefault() RetryConfig {
	if c == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.BackoffMultiple == 0 {
		c.BackoffMultiple = DefaultBackoffMultiple
	}
	return c
}

// MongoConfig configures the MongoDB adapter.
type MongoConfig struct {
	URI                    string        `yaml:"uri"`
	Database               string        `yaml:"database"`
	AppName                string        `yaml:"app_name"`
	MinPoolSize            uint64        `yaml:"min_pool_size"`
	MaxPoolSize            uint64        `yaml:"max_pool_size"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
	OperationTimeout       time.Duration `yaml:"operation_timeout"`
	Retry                  RetryConfig   `yaml:"retry"`
}

// Validate checks if the MongoConfig is valid
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": BackendMongo,
			"field":   "URI",
			"reason":  "connection string is required",
		})
	}
	if c.Database == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": BackendMongo,
			"field":   "Database",
			"reason":  "database name is required",
		})
	}
	if c.MaxPoolSize > 0 && c.MinPoolSize > c.MaxPoolSize {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": BackendMongo,
			"field":   "MinPoolSize",
			"value":   c.MinPoolSize,
			"reason":  "must not exceed MaxPoolSize",
		})
	}
	return c.Retry.orDefault().Validate()
}

func (c MongoConfig) withDefaults() MongoConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ServerSelectionTimeout == 0 {
		c.ServerSelectionTimeout = DefaultServerSelectionTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	c.Retry = c.Retry.orDefault()
	return c
}

// FirestoreConfig configures the Firestore adapter.
type FirestoreConfig struct {
	ProjectID        string        `yaml:"project_id"`
	DatabaseID       string        `yaml:"database_id"`      // empty means "(default)"
	CredentialsFile  string        `yaml:"credentials_file"` // uses ADC if empty
	EmulatorHost     string        `yaml:"emulator_host"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ProbeOnConnect   bool          `yaml:"probe_on_connect"`
	Retry            RetryConfig   `yaml:"retry"`
}

// Validate checks if the FirestoreConfig is valid
func (c FirestoreConfig) Validate() error {
	if c.ProjectID == "" && c.EmulatorHost == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": BackendFirestore,
			"field":   "ProjectID",
			"reason":  "project id is required outside the emulator",
		})
	}
	if c.CredentialsFile != "" && c.EmulatorHost != "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": BackendFirestore,
			"field":   "CredentialsFile",
			"reason":  "credentials are not used with the emulator",
		})
	}
	return c.Retry.orDefault().Validate()
}

func (c FirestoreConfig) withDefaults() FirestoreConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.DatabaseID == "" {
		c.DatabaseID = firestore.DefaultDatabaseID
	}
	c.Retry = c.Retry.orDefault()
	return c
}

// LoggingConfig selects the zap logger built by NewZapLoggerFromConfig.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StatusChannelConfig enables publishing status changes to Redis.
type StatusChannelConfig struct {
	Enabled bool          `yaml:"enabled"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// Config is the facade configuration. A nil backend section means the
// backend is absent.
type Config struct {
	Mongo         *MongoConfig        `yaml:"mongodb"`
	Firestore     *FirestoreConfig    `yaml:"firestore"`
	Logging       LoggingConfig       `yaml:"logging"`
	StatusChannel StatusChannelConfig `yaml:"status_channel"`
}

// Validate checks every configured backend section.
func (c Config) Validate() error {
	if c.Mongo != nil {
		if err := c.Mongo.Validate(); err != nil {
			return err
		}
	}
	if c.Firestore != nil {
		if err := c.Firestore.Validate(); err != nil {
			return err
		}
	}
	if c.StatusChannel.TTL < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "StatusChannel.TTL",
			"value":  c.StatusChannel.TTL,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// LoadConfig reads a YAML config file and applies environment overrides.
// An empty path yields a config built from the environment alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, WithContext(ErrInvalidConfig, map[string]interface{}{
				"path":  path,
				"cause": err.Error(),
			})
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides config fields from environment variables.
//
// Environment variables read:
//   - MONGODB_URI, MONGODB_DATABASE (creates the mongodb section if absent)
//   - FIRESTORE_PROJECT_ID, FIRESTORE_DATABASE_ID, FIRESTORE_EMULATOR_HOST
//     (create the firestore section if absent)
//   - GOOGLE_APPLICATION_CREDENTIALS (only applied to an existing firestore section)
//   - ECDB_LOG_LEVEL
func (c *Config) ApplyEnv() {
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		if c.Mongo == nil {
			c.Mongo = &MongoConfig{}
		}
		c.Mongo.URI = uri
	}
	if name := os.Getenv("MONGODB_DATABASE"); name != "" && c.Mongo != nil {
		c.Mongo.Database = name
	}

	project := os.Getenv("FIRESTORE_PROJECT_ID")
	emulator := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if (project != "" || emulator != "") && c.Firestore == nil {
		c.Firestore = &FirestoreConfig{}
	}
	if c.Firestore != nil {
		if project != "" {
			c.Firestore.ProjectID = project
		}
		if emulator != "" {
			c.Firestore.EmulatorHost = emulator
		}
		if dbID := os.Getenv("FIRESTORE_DATABASE_ID"); dbID != "" {
			c.Firestore.DatabaseID = dbID
		}
		if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && c.Firestore.EmulatorHost == "" {
			c.Firestore.CredentialsFile = creds
		}
	}

	if level := os.Getenv("ECDB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
