package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/security"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Create          bool          `yaml:"create"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AccessConfig holds access manager configuration
type AccessConfig struct {
	CacheTarget       int           `yaml:"cache_target"`
	CacheCeiling      int           `yaml:"cache_ceiling"`
	RowLocking        *bool         `yaml:"row_locking"`
	DeadlockTimeout   time.Duration `yaml:"deadlock_timeout"`
	LockWaitTimeout   time.Duration `yaml:"lock_wait_timeout"`
	Territory         string        `yaml:"territory"`
	PostCommitWorkers int           `yaml:"post_commit_workers"`
	PostCommitQueue   int           `yaml:"post_commit_queue"`
	ReadOnly          bool          `yaml:"read_only"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string  `yaml:"data_dir"`
	BackupDir    string  `yaml:"backup_dir"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// SecurityConfig holds authorization configuration for admin operations
type SecurityConfig struct {
	AuthorizationEnabled bool     `yaml:"authorization_enabled"`
	AllowedOperations    []string `yaml:"allowed_operations"`
	AdminPrincipals      []string `yaml:"admin_principals"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of the access service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Access   AccessConfig   `yaml:"access"`
	Storage  StorageConfig  `yaml:"storage"`
	Security SecurityConfig `yaml:"security"`
	// ExtraProperties are service properties passed through verbatim
	ExtraProperties map[string]string `yaml:"properties"`
	Metrics         MetricsConfig     `yaml:"metrics"`
	Logging         LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Access.CacheTarget == 0 {
		cfg.Access.CacheTarget = 200
	}
	if cfg.Access.CacheCeiling == 0 {
		cfg.Access.CacheCeiling = 300
	}
	if cfg.Access.RowLocking == nil {
		rowLocking := true
		cfg.Access.RowLocking = &rowLocking
	}
	if cfg.Access.DeadlockTimeout == 0 {
		cfg.Access.DeadlockTimeout = 20 * time.Second
	}
	if cfg.Access.LockWaitTimeout == 0 {
		cfg.Access.LockWaitTimeout = 60 * time.Second
	}
	if cfg.Access.Territory == "" {
		cfg.Access.Territory = "en"
	}
	if cfg.Access.PostCommitWorkers == 0 {
		cfg.Access.PostCommitWorkers = 2
	}
	if cfg.Access.PostCommitQueue == 0 {
		cfg.Access.PostCommitQueue = 256
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = cfg.Storage.DataDir + "/backup"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Access.CacheTarget < 1 {
		return fmt.Errorf("access.cache_target must be positive")
	}
	if c.Access.CacheCeiling < c.Access.CacheTarget {
		return fmt.Errorf("access.cache_ceiling must not be below access.cache_target")
	}
	if c.Access.DeadlockTimeout < 0 {
		return fmt.Errorf("access.deadlock_timeout must not be negative")
	}
	if c.Access.LockWaitTimeout < 0 {
		return fmt.Errorf("access.lock_wait_timeout must not be negative")
	}
	if c.Access.PostCommitWorkers < 1 {
		return fmt.Errorf("access.post_commit_workers must be positive")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	known := make(map[string]bool, len(security.Operations))
	for _, op := range security.Operations {
		known[string(op)] = true
	}
	for _, op := range c.Security.AllowedOperations {
		if !known[op] {
			return fmt.Errorf("security.allowed_operations: unknown operation %q", op)
		}
	}
	return nil
}

// Properties flattens the configuration into the service properties the
// access manager boots with. Entries of the properties section win.
func (c *Config) Properties() model.Properties {
	props := model.Properties{
		model.PropertyRowLocking:      strconv.FormatBool(c.Access.RowLocking == nil || *c.Access.RowLocking),
		model.PropertyDeadlockTimeout: wholeSeconds(c.Access.DeadlockTimeout),
		model.PropertyLockWaitTimeout: wholeSeconds(c.Access.LockWaitTimeout),
		model.PropertyReadOnly:        strconv.FormatBool(c.Access.ReadOnly),
		"territory":                   c.Access.Territory,
	}
	for k, v := range c.ExtraProperties {
		props[k] = v
	}
	return props
}

// wholeSeconds renders d in the whole seconds lock timeout properties take,
// rounding up so a sub-second timeout never becomes zero
func wholeSeconds(d time.Duration) string {
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}

// AuthorizerConfig returns the admin authorization settings
func (c *Config) AuthorizerConfig() security.Config {
	return security.Config{
		Enabled:           c.Security.AuthorizationEnabled,
		AllowedOperations: c.Security.AllowedOperations,
		AdminPrincipals:   c.Security.AdminPrincipals,
	}
}
