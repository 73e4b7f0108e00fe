// Package config loads transitreg settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"transitreg/internal/blob"
	"transitreg/internal/core"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Prefix is prepended to every environment variable name.
const Prefix = "TRANSITREG_"

// ArchiveOptions selects where applied changesets are archived.
type ArchiveOptions struct {
	Driver            string `env:"DRIVER" envDefault:"none" validate:"oneof=none memory fs s3"`
	FSRoot            string `env:"FS_ROOT" envDefault:"archive" validate:"required_if=Driver fs"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket          string `env:"S3_BUCKET" validate:"required_if=Driver s3"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3Endpoint        string `env:"S3_ENDPOINT" validate:"omitempty,url"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3PathStyle       bool   `env:"S3_PATH_STYLE" envDefault:"false"`
}

// Config is the process configuration.
type Config struct {
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"sqlite" validate:"oneof=memory sqlite postgres"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"transitreg.db" validate:"required_if=StorageDriver sqlite"`
	PostgresDSN   string `env:"POSTGRES_DSN" validate:"required_if=StorageDriver postgres"`
	// RedisAddr enables the shared apply status cache. Empty keeps statuses in process.
	RedisAddr string `env:"REDIS_ADDR" validate:"omitempty,hostname_port"`

	ApplyWorkers   int           `env:"APPLY_WORKERS" envDefault:"4" validate:"min=1,max=256"`
	ApplyStatusTTL time.Duration `env:"APPLY_STATUS_TTL" envDefault:"10m" validate:"gt=0"`
	LockTimeout    time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s" validate:"gte=0"`
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	StopDistanceThreshold float64 `env:"STOP_DISTANCE_THRESHOLD_M" envDefault:"100" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error"`

	Archive ArchiveOptions `envPrefix:"ARCHIVE_"`
}

// LoadEnv loads the env files that exist, without overriding variables that
// are already set. It returns how many files were read.
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads env files, parses the environment and validates the result.
func Load(files ...string) (Config, error) {
	if _, err := LoadEnv(files); err != nil {
		return Config{}, fmt.Errorf("loading env files: %w", err)
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("invalid %s: %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
		return errors.Join(errs...)
	}
	return err
}

// Storage returns the persistent store settings.
func (c Config) Storage() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.StorageDriver),
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
		LockTimeout: c.LockTimeout,
	}
}

// Blob returns the archive store settings.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Archive.Driver),
		FSRoot: c.Archive.FSRoot,
		S3: blob.S3Config{
			Region:          c.Archive.S3Region,
			Bucket:          c.Archive.S3Bucket,
			Prefix:          c.Archive.S3Prefix,
			Endpoint:        c.Archive.S3Endpoint,
			AccessKeyID:     c.Archive.S3AccessKeyID,
			SecretAccessKey: c.Archive.S3SecretAccessKey,
			PathStyle:       c.Archive.S3PathStyle,
		},
	}
}

// Logger returns a logrus logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
