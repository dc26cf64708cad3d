// Package config loads qldb settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/services"
)

// DefaultAPIURL is the hosted API used when none is configured
const DefaultAPIURL = "https://api.github.com"

// Config holds all qldb settings
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Databases DatabasesConfig `yaml:"databases"`
	GitHub    GitHubConfig    `yaml:"github"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Retry     RetryConfig     `yaml:"retry"`
}

// EngineConfig locates the engine executable
type EngineConfig struct {
	// Path is an explicit executable
	Path string `yaml:"path"`
	// Home is a distribution directory (CODEQL_PATH)
	Home string `yaml:"home"`
	// Binary is an executable name or path (CODEQL_BINARY)
	Binary string `yaml:"binary"`
	// InstallDir receives engines installed by `qldb version --install`
	InstallDir      string   `yaml:"install_dir"`
	SearchPaths     []string `yaml:"search_paths"`
	AdditionalPacks []string `yaml:"additional_packs"`
	RegistriesAuth  string   `yaml:"registries_auth"`
	Threads         int      `yaml:"threads"`
	RAM             int      `yaml:"ram"`
}

// DatabasesConfig holds on-disk locations
type DatabasesConfig struct {
	Root        string   `yaml:"root"`
	SearchPaths []string `yaml:"search_paths"`
	ResultsRoot string   `yaml:"results_root"`
	// SerializeSameKey serializes concurrent obtains of one database
	SerializeSameKey bool `yaml:"serialize_same_key"`
}

// GitHubConfig configures the remote API
type GitHubConfig struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
	// Keyring is an armored public keyring; when set, artifact signatures
	// are verified
	Keyring          string `yaml:"keyring"`
	RequireSignature bool   `yaml:"require_signature"`
}

// TimeoutsConfig holds per-operation timeouts
type TimeoutsConfig struct {
	Probe    time.Duration `yaml:"probe"`
	Create   time.Duration `yaml:"create"`
	Analyze  time.Duration `yaml:"analyze"`
	Download time.Duration `yaml:"download"`
}

// RetryConfig bounds remote retries
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultPath returns $XDG_CONFIG_HOME/qldb/config.yml
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qldb", "config.yml")
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		//nolint:gosec // G304: config path is provided by the user
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file settings with the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Engine.Home, "CODEQL_PATH")
	set(&c.Engine.Binary, "CODEQL_BINARY")
	set(&c.Engine.RegistriesAuth, "CODEQL_REGISTRIES_AUTH")
	set(&c.Databases.Root, "CODEQL_DATABASES")
	set(&c.Databases.ResultsRoot, "CODEQL_RESULTS")
	set(&c.GitHub.Token, "GITHUB_TOKEN")
	set(&c.GitHub.APIURL, "GITHUB_API_URL")
}

// setDefaults fills unset fields
func (c *Config) setDefaults() error {
	if c.Databases.Root == "" || c.Databases.ResultsRoot == "" || c.Engine.InstallDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		if c.Databases.Root == "" {
			c.Databases.Root = filepath.Join(home, ".codeql", "databases")
		}
		if c.Databases.ResultsRoot == "" {
			c.Databases.ResultsRoot = filepath.Join(home, ".codeql", "results")
		}
		if c.Engine.InstallDir == "" {
			c.Engine.InstallDir = filepath.Join(home, ".codeql", "cli")
		}
	}
	c.Engine.InstallDir = expandHome(c.Engine.InstallDir)
	c.Databases.Root = expandHome(c.Databases.Root)
	c.Databases.ResultsRoot = expandHome(c.Databases.ResultsRoot)
	c.GitHub.Keyring = expandHome(c.GitHub.Keyring)

	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultAPIURL
	}
	c.GitHub.APIURL = strings.TrimRight(c.GitHub.APIURL, "/")

	if c.Timeouts.Probe == 0 {
		c.Timeouts.Probe = entities.DefaultProbeTimeout
	}
	if c.Timeouts.Create == 0 {
		c.Timeouts.Create = entities.DefaultCreateTimeout
	}
	if c.Timeouts.Analyze == 0 {
		c.Timeouts.Analyze = entities.DefaultAnalyzeTimeout
	}
	if c.Timeouts.Download == 0 {
		c.Timeouts.Download = entities.DefaultDownloadTimeout
	}

	if c.Retry == (RetryConfig{}) {
		d := services.DefaultRetryPolicy()
		c.Retry = RetryConfig{MaxRetries: d.MaxRetries, InitialBackoff: d.InitialBackoff, MaxBackoff: d.MaxBackoff}
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must not be negative: %d", c.Engine.Threads)
	}
	if c.Engine.RAM < 0 {
		return fmt.Errorf("engine.ram must not be negative: %d", c.Engine.RAM)
	}
	for name, d := range map[string]time.Duration{
		"probe":    c.Timeouts.Probe,
		"create":   c.Timeouts.Create,
		"analyze":  c.Timeouts.Analyze,
		"download": c.Timeouts.Download,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative: %v", name, d)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative: %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return errors.New("retry backoff must not be negative")
	}
	if !strings.HasPrefix(c.GitHub.APIURL, "http://") && !strings.HasPrefix(c.GitHub.APIURL, "https://") {
		return fmt.Errorf("github.api_url must be an http(s) URL: %q", c.GitHub.APIURL)
	}
	if c.GitHub.RequireSignature && c.GitHub.Keyring == "" {
		return errors.New("github.require_signature needs github.keyring")
	}
	return nil
}

// SearchPaths returns the configured database search paths, the databases
// root first
func (c *Config) SearchPaths() []string {
	paths := []string{c.Databases.Root}
	for _, p := range c.Databases.SearchPaths {
		p = expandHome(p)
		if p != c.Databases.Root {
			paths = append(paths, p)
		}
	}
	return paths
}

// EngineSettings converts the engine section for the engine client
func (c *Config) EngineSettings() services.EngineConfig {
	return services.EngineConfig{
		Path:            c.Engine.Path,
		Home:            c.Engine.Home,
		Binary:          c.Engine.Binary,
		InstallDir:      c.Engine.InstallDir,
		SearchPaths:     c.Engine.SearchPaths,
		AdditionalPacks: c.Engine.AdditionalPacks,
		RegistriesAuth:  c.Engine.RegistriesAuth,
		ResultsRoot:     c.Databases.ResultsRoot,
		ProbeTimeout:    c.Timeouts.Probe,
	}
}

// RemoteSettings converts the remote sections for the remote fetcher
func (c *Config) RemoteSettings() services.RemoteConfig {
	return services.RemoteConfig{
		Retry:            c.RetryPolicy(),
		DownloadTimeout:  c.Timeouts.Download,
		RequireSignature: c.GitHub.RequireSignature,
	}
}

// RetryPolicy returns the retry section as a policy
func (c *Config) RetryPolicy() services.RetryPolicy {
	return services.RetryPolicy{
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
