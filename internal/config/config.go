// Package config loads the speedtin configuration.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. Built-in defaults.
//  2. A YAML file: the explicit path, else $SPEEDTIN_CONFIG, else
//     ~/.speedtin/config.yaml when it exists.
//  3. SPEEDTIN_* environment variables, e.g. SPEEDTIN_PROJECT_ID or
//     SPEEDTIN_LOCK_INTERVAL=250ms.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable read.
	EnvPrefix = "SPEEDTIN_"
	// ConfigPathEnvVar names the configuration file.
	ConfigPathEnvVar = EnvPrefix + "CONFIG"
	// DefaultBaseURL is the public dashboard.
	DefaultBaseURL = "https://www.speedtin.com"
	// DefaultFileName is the configuration file name inside the data dir.
	DefaultFileName = "config.yaml"
)

// Config is the speedtin configuration.
type Config struct {
	// AuthorizationKey is sent as X-AuthToken. Only needed to commit.
	AuthorizationKey string `koanf:"authorization_key" yaml:"authorization_key,omitempty" jsonschema:"description=Key sent as X-AuthToken when committing"`
	// ProjectID selects the dashboard project and the local data subdirectory.
	ProjectID string `koanf:"project_id" yaml:"project_id" validate:"required" jsonschema:"description=Dashboard project identifier"`
	// BaseURL is the dashboard root, without trailing slash.
	BaseURL string `koanf:"base_url" yaml:"base_url" validate:"required,url,endsnotwith=/" jsonschema:"description=Dashboard root URL without trailing slash"`
	// DataDir holds one directory of buckets per project.
	DataDir string `koanf:"data_dir" yaml:"data_dir" validate:"required" jsonschema:"description=Directory holding the buffered data"`
	// LockAttempts and LockInterval control how long to wait for a bucket.
	LockAttempts int           `koanf:"lock_attempts" yaml:"lock_attempts" validate:"gte=0" jsonschema:"minimum=0"`
	LockInterval time.Duration `koanf:"lock_interval" yaml:"lock_interval" validate:"gte=0" jsonschema:"description=Sleep between two lock attempts"`
	// Timeout bounds each HTTP request.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" validate:"gte=0" jsonschema:"description=HTTP request timeout"`
	// RequestsPerSecond paces HTTP requests; 0 means unlimited.
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second" validate:"gte=0" jsonschema:"minimum=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:      DefaultBaseURL,
		DataDir:      defaultDataDir(),
		LockAttempts: 20,
		LockInterval: 500 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".speedtin"
	}
	return filepath.Join(home, ".speedtin")
}

// DefaultPath returns the configuration file used when none is specified.
func DefaultPath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), DefaultFileName)
}

// Load builds the configuration. path may be empty; see the package
// documentation. It does not validate the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if p, err := findConfigFile(path); err != nil {
		return nil, err
	} else if p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", p, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the file to load, or "" when the default one does
// not exist. An explicitly requested file must exist.
func findConfigFile(path string) (string, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	p := filepath.Join(defaultDataDir(), DefaultFileName)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", nil
}

// envTransformFunc maps SPEEDTIN_LOCK_INTERVAL to lock_interval. Empty
// variables are ignored.
func envTransformFunc(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
}

// Validate checks the configuration needed to buffer data.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ProjectID != filepath.Base(c.ProjectID) || c.ProjectID == "." || c.ProjectID == ".." {
		return fmt.Errorf("invalid configuration: project id %q cannot be used as a directory name", c.ProjectID)
	}
	return nil
}

// RequireAuth checks the configuration needed to commit.
func (c *Config) RequireAuth() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AuthorizationKey == "" {
		return errors.New("the authorization key is not set; set " + EnvPrefix + "AUTHORIZATION_KEY or authorization_key in the config file")
	}
	return nil
}

// ProjectDir is the directory holding the project's buckets.
func (c *Config) ProjectDir() string {
	return filepath.Join(c.DataDir, c.ProjectID)
}

// Save writes the configuration as YAML with mode 0600.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
