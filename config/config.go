// Package config loads blockstore configuration from a YAML file and
// BLOCKSTORE_* environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/backends/gcs"
	"github.com/kochman/blockstore/device"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Backend BackendConfig `mapstructure:"backend"`
	Device  DeviceConfig  `mapstructure:"device"`
	NBD     NBDConfig     `mapstructure:"nbd"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	JSON  bool   `mapstructure:"json"`
}

// BackendConfig selects a backend by Type. Only the matching section is
// validated.
type BackendConfig struct {
	Type   string       `mapstructure:"type" validate:"required,oneof=gcs s3 file badger memory"`
	GCS    GCSConfig    `mapstructure:"gcs" validate:"-"`
	S3     S3Config     `mapstructure:"s3" validate:"-"`
	File   FileConfig   `mapstructure:"file" validate:"-"`
	Badger BadgerConfig `mapstructure:"badger" validate:"-"`
}

type GCSConfig struct {
	Bucket          string        `mapstructure:"bucket" validate:"required"`
	CredentialsFile string        `mapstructure:"credentials_file" validate:"omitempty,file"`
	Endpoint        string        `mapstructure:"endpoint" validate:"omitempty,url"`
	UpdateInterval  time.Duration `mapstructure:"update_interval"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" validate:"required"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir" validate:"required_without=InMemory"`
	InMemory bool   `mapstructure:"in_memory"`
}

// DeviceConfig describes the storage location. BlockSize and BlockCount are
// only used when provisioning.
type DeviceConfig struct {
	Location   string `mapstructure:"location" validate:"required"`
	PoolSize   int    `mapstructure:"pool_size" validate:"gte=0"`
	IgnoreLock bool   `mapstructure:"ignore_lock"`
	BlockSize  int    `mapstructure:"block_size" validate:"gte=0"`
	BlockCount int    `mapstructure:"block_count" validate:"gte=0"`
}

type NBDConfig struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
}

// MetricsConfig enables a Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// Load reads the file at path, if any, and applies environment overrides.
// Precedence, highest first: BLOCKSTORE_* variables, the file, defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BLOCKSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read config file %s", path)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}

	err = Validate(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key, which also lets AutomaticEnv find keys
// that are missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("backend.type", "file")
	v.SetDefault("backend.gcs.bucket", "")
	v.SetDefault("backend.gcs.credentials_file", "")
	v.SetDefault("backend.gcs.endpoint", "")
	v.SetDefault("backend.gcs.update_interval", gcs.DefaultUpdateInterval)
	v.SetDefault("backend.s3.bucket", "")
	v.SetDefault("backend.s3.region", "")
	v.SetDefault("backend.s3.endpoint", "")
	v.SetDefault("backend.s3.access_key_id", "")
	v.SetDefault("backend.s3.secret_access_key", "")
	v.SetDefault("backend.s3.force_path_style", false)
	v.SetDefault("backend.file.dir", "data")
	v.SetDefault("backend.badger.dir", "")
	v.SetDefault("backend.badger.in_memory", false)

	v.SetDefault("device.location", "blockstore")
	v.SetDefault("device.pool_size", device.DefaultPoolSize)
	v.SetDefault("device.ignore_lock", false)
	v.SetDefault("device.block_size", 4096)
	v.SetDefault("device.block_count", 0)

	v.SetDefault("nbd.listen", "127.0.0.1:10809")
	v.SetDefault("metrics.listen", "")
}

// Validate checks cfg and the section of the selected backend.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(cfg)
	if err != nil {
		return errors.Wrapf(blockstore.ErrInvalidConfig, "%v", err)
	}

	var section any
	switch cfg.Backend.Type {
	case "gcs":
		section = cfg.Backend.GCS
	case "s3":
		section = cfg.Backend.S3
	case "file":
		section = cfg.Backend.File
	case "badger":
		section = cfg.Backend.Badger
	}
	if section != nil {
		err = validate.Struct(section)
		if err != nil {
			return errors.Wrapf(blockstore.ErrInvalidConfig, "backend.%s: %v", cfg.Backend.Type, err)
		}
	}

	err = blockstore.ValidateLocation(cfg.Device.Location)
	if err != nil {
		return err
	}
	return nil
}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg LogConfig, name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(cfg.Level),
		JSONFormat: cfg.JSON,
		Output:     os.Stderr,
	})
}

// DeviceOptions turns cfg into device options.
func (cfg DeviceConfig) DeviceOptions(log hclog.Logger, obs device.Observer) device.Options {
	return device.Options{
		PoolSize:   cfg.PoolSize,
		IgnoreLock: cfg.IgnoreLock,
		Logger:     log,
		Observer:   obs,
	}
}
