package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/zstore/zstore/internal/circuit"
	"github.com/zstore/zstore/internal/cursor"
	"github.com/zstore/zstore/internal/driver"
	"github.com/zstore/zstore/internal/metrics"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/health"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Devices    []DeviceConfig   `yaml:"devices"`
	Session    SessionConfig    `yaml:"session"`
	Cursor     CursorConfig     `yaml:"cursor"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Workload   WorkloadConfig   `yaml:"workload"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`

	// LogMaxSizeMB rotates log_file once it grows past this size. Zero disables rotation.
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb"`
	LogMaxBackups int   `yaml:"log_max_backups"`

	// Driver selects the transport. Only "emulator" ships with zstore.
	Driver string `yaml:"driver"`
}

// DeviceConfig names one replica and where to reach it
type DeviceConfig struct {
	Name   string        `yaml:"name"`
	Target driver.Target `yaml:",inline"`
	// Geometry is used when the emulated driver serves this device
	Geometry *GeometryConfig `yaml:"geometry,omitempty"`
}

// GeometryConfig overrides the emulated namespace layout
type GeometryConfig struct {
	BlockSize       uint32 `yaml:"block_size"`
	ZoneSize        uint64 `yaml:"zone_size"`
	ZoneCapacity    uint64 `yaml:"zone_capacity"`
	NumZones        uint64 `yaml:"num_zones"`
	FirstZoneLBA    uint64 `yaml:"first_zone_lba"`
	MaxQueueDepth   int    `yaml:"max_queue_depth"`
	MaxAppendBlocks uint64 `yaml:"max_append_blocks"`
}

// SessionConfig represents per-device session settings
type SessionConfig struct {
	QueueDepth       int           `yaml:"queue_depth"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// BufferBudget caps pinned buffer memory per device, e.g. "256MiB"
	BufferBudget string `yaml:"buffer_budget"`
}

// CursorConfig represents zone cursor persistence
type CursorConfig struct {
	Path string         `yaml:"path"`
	S3   CursorS3Config `yaml:"s3"`
}

// CursorS3Config mirrors the cursor to an object store
type CursorS3Config struct {
	Enabled bool            `yaml:"enabled"`
	Object  cursor.S3Config `yaml:",inline"`
	// Breaker stops calling the bucket after repeated failures
	Breaker circuit.Config  `yaml:"breaker"`
}

// MirrorConfig represents replica set settings
type MirrorConfig struct {
	// Replicas is how many of the configured devices form the set
	Replicas    int  `yaml:"replicas"`
	VerifyReads bool `yaml:"verify_reads"`
}

// WorkloadConfig drives the append/read-back run
type WorkloadConfig struct {
	Appends      int    `yaml:"appends"`
	Prefix       string `yaml:"prefix"`
	StartValue   int    `yaml:"start_value"`
	AppendBlocks int    `yaml:"append_blocks"`
	RollOver     bool   `yaml:"roll_over"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config       `yaml:"metrics"`
	// Health sets when failing commands degrade a device on /health
	Health  health.TrackerConfig `yaml:"health"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			Driver:    "emulator",
		},
		Devices: []DeviceConfig{
			{
				Name:   "m1",
				Target: driver.Target{Transport: "tcp", Address: "192.168.1.121", ServiceID: "4420", NamespaceID: 1},
			},
			{
				Name:   "m2",
				Target: driver.Target{Transport: "tcp", Address: "192.168.1.121", ServiceID: "5520", NamespaceID: 1},
			},
		},
		Session: SessionConfig{
			QueueDepth:       32,
			OperationTimeout: 5 * time.Second,
			BufferBudget:     "256MiB",
		},
		Cursor: CursorConfig{
			Path: "current_zone",
			S3: CursorS3Config{
				Breaker: circuit.Config{
					MaxFailures: 3,
					Timeout:     30 * time.Second,
					MaxRequests: 1,
				},
			},
		},
		Mirror: MirrorConfig{
			Replicas:    2,
			VerifyReads: true,
		},
		Workload: WorkloadConfig{
			Appends:      5,
			Prefix:       "test_zstore1",
			StartValue:   0,
			AppendBlocks: 1,
		},
		Monitoring: MonitoringConfig{
			Metrics: metrics.Config{
				Enabled:   false,
				Address:   ":9464",
				Path:      "/metrics",
				Namespace: "zstore",
				Labels: map[string]string{
					"service": "zstore",
				},
			},
			Health: health.DefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithContext("file", filename).WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithContext("file", filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from ZSTORE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("ZSTORE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("ZSTORE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("ZSTORE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Session settings
	if val := os.Getenv("ZSTORE_QUEUE_DEPTH"); val != "" {
		depth, err := strconv.Atoi(val)
		if err != nil {
			return envError("ZSTORE_QUEUE_DEPTH", val, err)
		}
		c.Session.QueueDepth = depth
	}
	if val := os.Getenv("ZSTORE_OPERATION_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("ZSTORE_OPERATION_TIMEOUT", val, err)
		}
		c.Session.OperationTimeout = d
	}
	if val := os.Getenv("ZSTORE_BUFFER_BUDGET"); val != "" {
		c.Session.BufferBudget = val
	}

	// Cursor and replica set
	if val := os.Getenv("ZSTORE_CURSOR_PATH"); val != "" {
		c.Cursor.Path = val
	}
	if val := os.Getenv("ZSTORE_CURSOR_BUCKET"); val != "" {
		c.Cursor.S3.Enabled = true
		c.Cursor.S3.Object.Bucket = val
	}
	if val := os.Getenv("ZSTORE_REPLICAS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("ZSTORE_REPLICAS", val, err)
		}
		c.Mirror.Replicas = n
	}

	// Workload
	if val := os.Getenv("ZSTORE_APPENDS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("ZSTORE_APPENDS", val, err)
		}
		c.Workload.Appends = n
	}

	// Monitoring
	if val := os.Getenv("ZSTORE_METRICS_ADDRESS"); val != "" {
		c.Monitoring.Metrics.Enabled = true
		c.Monitoring.Metrics.Address = val
	}

	return nil
}

func envError(name, value string, cause error) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, "invalid value %q for %s", value, name).
		WithComponent("config").WithCause(cause)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent("config").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent("config").WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config").WithCause(err)
	}

	return nil
}

// BufferBudgetBytes parses Session.BufferBudget. Empty means unlimited.
func (c *Configuration) BufferBudgetBytes() (int64, error) {
	if c.Session.BufferBudget == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Session.BufferBudget)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeConfigValidation, "invalid buffer_budget %q", c.Session.BufferBudget).
			WithComponent("config").WithCause(err)
	}
	return int64(n), nil
}

// ReplicaDevices returns the devices forming the replica set.
func (c *Configuration) ReplicaDevices() []DeviceConfig {
	n := c.Mirror.Replicas
	if n <= 0 || n > len(c.Devices) {
		n = len(c.Devices)
	}
	return c.Devices[:n]
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...).WithComponent("config")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogFormat != "text" && c.Global.LogFormat != "json" {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return invalid("log_max_size_mb and log_max_backups must not be negative")
	}
	if c.Global.Driver != "emulator" {
		return invalid("unsupported driver: %q", c.Global.Driver)
	}

	if len(c.Devices) == 0 {
		return invalid("at least one device must be configured")
	}
	if c.Mirror.Replicas < 1 {
		return invalid("mirror.replicas must be at least 1")
	}
	if c.Mirror.Replicas > len(c.Devices) {
		return invalid("mirror.replicas is %d but only %d devices are configured", c.Mirror.Replicas, len(c.Devices))
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Name == "" {
			return invalid("device %d has no name", i)
		}
		if d.Target.Address == "" {
			return invalid("device %s has no address", d.Name)
		}
		key := d.Target.String()
		if seen[key] {
			return invalid("device %s duplicates target %s", d.Name, key)
		}
		seen[key] = true
	}

	if c.Session.QueueDepth <= 0 {
		return invalid("session.queue_depth must be greater than 0")
	}
	if c.Session.OperationTimeout < 0 {
		return invalid("session.operation_timeout must not be negative")
	}
	if _, err := c.BufferBudgetBytes(); err != nil {
		return err
	}

	if c.Cursor.Path == "" && !c.Cursor.S3.Enabled {
		return invalid("cursor.path must be set when the S3 cursor is disabled")
	}
	if c.Cursor.S3.Enabled && (c.Cursor.S3.Object.Bucket == "" || c.Cursor.S3.Object.Key == "") {
		return invalid("cursor.s3 requires bucket and key")
	}

	if c.Workload.Appends < 0 {
		return invalid("workload.appends must not be negative")
	}
	if c.Workload.AppendBlocks <= 0 {
		return invalid("workload.append_blocks must be greater than 0")
	}
	if c.Monitoring.Metrics.Enabled && c.Monitoring.Metrics.Address == "" {
		return invalid("monitoring.metrics.address must be set when metrics are enabled")
	}

	return nil
}

// Apply overrides the non-zero fields of g on desc.
func (g *GeometryConfig) Apply(desc driver.Descriptor) driver.Descriptor {
	if g == nil {
		return desc
	}
	if g.BlockSize != 0 {
		desc.BlockSize = g.BlockSize
	}
	if g.ZoneSize != 0 {
		desc.ZoneSize = g.ZoneSize
	}
	if g.ZoneCapacity != 0 {
		desc.ZoneCapacity = g.ZoneCapacity
	}
	if g.NumZones != 0 {
		desc.NumZones = g.NumZones
	}
	if g.FirstZoneLBA != 0 {
		desc.FirstZoneLBA = g.FirstZoneLBA
	}
	if g.MaxQueueDepth != 0 {
		desc.MaxQueueDepth = g.MaxQueueDepth
	}
	if g.MaxAppendBlocks != 0 {
		desc.MaxAppendBlocks = g.MaxAppendBlocks
	}
	return desc
}
