// Package config loads and validates gateway configuration.
package config

import "time"

// Config is the typed top-level configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Logging     LoggingConfig     `yaml:"logging"`
	VDB         VDBConfig         `yaml:"vdb"`
	Plugin      PluginConfig      `yaml:"plugin"`
	Storage     StorageConfig     `yaml:"storage"`
	Command     CommandConfig     `yaml:"command"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WSStaleTimeout is the idle time after which a debug WebSocket
	// connection is considered stale and closed.
	WSStaleTimeout time.Duration `yaml:"ws_stale_timeout"`

	// JWTSecret signs and validates WebChat debug tokens.
	JWTSecret string `yaml:"jwt_secret"`
}

// ConcurrencyConfig caps parallel pipeline execution.
type ConcurrencyConfig struct {
	// Pipeline is the maximum number of concurrently running pipelines.
	Pipeline int `yaml:"pipeline"`

	// QueueDepth is how many queries may wait at the semaphore before
	// the webhook dispatcher starts answering 429.
	QueueDepth int `yaml:"queue_depth"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VDBConfig selects vector database backends. Three shapes are
// supported, matching the raw config:
//
//	vdb.use: pgvector                       # single default backend
//	vdb.databases: [pgvector, sqlitevec]    # list by type
//	vdb.databases: {main: {type: pgvector}} # named instances
type VDBConfig struct {
	Use       string         `yaml:"use"`
	Databases any            `yaml:"databases"`
	PGVector  PGVectorConfig `yaml:"pgvector"`
	SQLiteVec SQLiteVecConfig `yaml:"sqlitevec"`
}

// PGVectorConfig configures the PostgreSQL/pgvector backend.
type PGVectorConfig struct {
	DSN       string `yaml:"dsn"`
	Dimension int    `yaml:"dimension"`
}

// SQLiteVecConfig configures the SQLite vector backend.
type SQLiteVecConfig struct {
	Path      string `yaml:"path"`
	Dimension int    `yaml:"dimension"`
}

// PluginConfig configures the connection to the plugin runtime.
type PluginConfig struct {
	Enable       bool   `yaml:"enable"`
	RuntimeWSURL string `yaml:"runtime_ws_url"`
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	// Path is the data directory for the SQLite store and blob files.
	Path string `yaml:"path"`
}

// CommandConfig configures in-chat command handling.
type CommandConfig struct {
	Prefix []string `yaml:"prefix"`
}

// Default returns a config with sane defaults applied.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           5300,
			WSStaleTimeout: 5 * time.Minute,
		},
		Concurrency: ConcurrencyConfig{
			Pipeline:   20,
			QueueDepth: 100,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Path: "data"},
		Command: CommandConfig{Prefix: []string{"!", "！"}},
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.API.Host == "" {
		c.API.Host = d.API.Host
	}
	if c.API.Port == 0 {
		c.API.Port = d.API.Port
	}
	if c.API.WSStaleTimeout == 0 {
		c.API.WSStaleTimeout = d.API.WSStaleTimeout
	}
	if c.Concurrency.Pipeline <= 0 {
		c.Concurrency.Pipeline = d.Concurrency.Pipeline
	}
	if c.Concurrency.QueueDepth <= 0 {
		c.Concurrency.QueueDepth = d.Concurrency.QueueDepth
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if len(c.Command.Prefix) == 0 {
		c.Command.Prefix = d.Command.Prefix
	}
}
