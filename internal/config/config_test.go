package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and XDG_CONFIG_HOME at temp dirs and clears the
// overriding variables
func isolate(t *testing.T) (home, configHome string) {
	t.Helper()
	home = t.TempDir()
	configHome = t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", configHome)
	for _, key := range []string{"CODEQL_PATH", "CODEQL_BINARY", "CODEQL_DATABASES", "CODEQL_RESULTS", "GITHUB_TOKEN", "GITHUB_API_URL", "CODEQL_REGISTRIES_AUTH"} {
		t.Setenv(key, "")
	}
	return home, configHome
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	home, _ := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".codeql", "databases"), cfg.Databases.Root)
	assert.Equal(t, filepath.Join(home, ".codeql", "results"), cfg.Databases.ResultsRoot)
	assert.Equal(t, filepath.Join(home, ".codeql", "cli"), cfg.Engine.InstallDir)
	assert.Equal(t, cfg.Engine.InstallDir, cfg.EngineSettings().InstallDir)
	assert.Equal(t, DefaultAPIURL, cfg.GitHub.APIURL)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Probe)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Create)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Analyze)
	assert.Equal(t, 15*time.Minute, cfg.Timeouts.Download)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, []string{cfg.Databases.Root}, cfg.SearchPaths())
}

func TestLoad_File(t *testing.T) {
	home, configHome := isolate(t)
	writeConfig(t, filepath.Join(configHome, "qldb", "config.yml"), `
engine:
  binary: /opt/codeql/codeql
  search_paths: [/opt/packs]
  threads: 4
databases:
  root: ~/dbs
  search_paths: [/srv/dbs, ~/dbs]
github:
  api_url: https://ghe.example.com/api/v3/
timeouts:
  create: 1h
retry:
  max_retries: 5
  initial_backoff: 2s
  max_backoff: 10s
`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/opt/codeql/codeql", cfg.Engine.Binary)
	assert.Equal(t, 4, cfg.Engine.Threads)
	assert.Equal(t, filepath.Join(home, "dbs"), cfg.Databases.Root)
	assert.Equal(t, []string{filepath.Join(home, "dbs"), "/srv/dbs"}, cfg.SearchPaths())
	assert.Equal(t, "https://ghe.example.com/api/v3", cfg.GitHub.APIURL)
	assert.Equal(t, time.Hour, cfg.Timeouts.Create)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Probe)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxRetries)
	assert.Equal(t, 2*time.Second, policy.InitialBackoff)

	engine := cfg.EngineSettings()
	assert.Equal(t, []string{"/opt/packs"}, engine.SearchPaths)
	assert.Equal(t, cfg.Databases.ResultsRoot, engine.ResultsRoot)
	assert.Equal(t, time.Hour, cfg.Timeouts.Create)
	assert.Equal(t, 15*time.Minute, cfg.RemoteSettings().DownloadTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "qldb.yml")
	writeConfig(t, path, "databases:\n  root: /from/file\ngithub:\n  token: file-token\n")

	t.Setenv("CODEQL_PATH", "/opt/codeql-home")
	t.Setenv("CODEQL_BINARY", "codeql-nightly")
	t.Setenv("CODEQL_DATABASES", "/from/env")
	t.Setenv("CODEQL_RESULTS", "/results")
	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("GITHUB_API_URL", "http://localhost:8080")
	t.Setenv("CODEQL_REGISTRIES_AUTH", "ghcr.io=secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/codeql-home", cfg.Engine.Home)
	assert.Equal(t, "codeql-nightly", cfg.Engine.Binary)
	assert.Equal(t, "/from/env", cfg.Databases.Root)
	assert.Equal(t, "/results", cfg.Databases.ResultsRoot)
	assert.Equal(t, "env-token", cfg.GitHub.Token)
	assert.Equal(t, "http://localhost:8080", cfg.GitHub.APIURL)
	assert.Equal(t, "ghcr.io=secret", cfg.EngineSettings().RegistriesAuth)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "malformed yaml", content: "engine: [", errMsg: "failed to parse config file"},
		{name: "negative threads", content: "engine:\n  threads: -1\n", errMsg: "engine.threads"},
		{name: "negative ram", content: "engine:\n  ram: -5\n", errMsg: "engine.ram"},
		{name: "negative timeout", content: "timeouts:\n  analyze: -1m\n", errMsg: "timeouts.analyze"},
		{name: "negative retries", content: "retry:\n  max_retries: -1\n", errMsg: "retry.max_retries"},
		{name: "api url scheme", content: "github:\n  api_url: ftp://example.com\n", errMsg: "github.api_url"},
		{name: "signature without keyring", content: "github:\n  require_signature: true\n", errMsg: "github.keyring"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := filepath.Join(t.TempDir(), "config.yml")
			writeConfig(t, path, tt.content)

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestExpandHome(t *testing.T) {
	home, _ := isolate(t)

	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs/~/x", expandHome("/abs/~/x"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}
