package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, runner *fakeRunner, config EngineConfig) *EngineClient {
	t.Helper()
	if config.Path == "" {
		config.Path = "/opt/codeql/codeql"
	}
	return NewEngineClient(runner, newTestStore(), config, nil)
}

func TestEngineClient_Probe(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo, entities.LanguagePython)}
	engine := newTestEngine(t, runner, EngineConfig{SearchPaths: []string{"/packs/a", "/packs/b"}})

	handle, err := engine.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/opt/codeql/codeql", handle.Path)
	assert.Equal(t, "2.19.3", handle.VersionString())
	assert.Equal(t, []entities.Language{entities.LanguageGo, entities.LanguagePython}, handle.Languages.Slice())

	again, err := engine.Probe(context.Background())
	require.NoError(t, err)
	assert.Same(t, handle, again)
	assert.Equal(t, []string{"version", "resolve languages"}, runner.subcommands(), "probe runs once")

	calls := runner.Calls()
	assert.Equal(t, []string{"version", "--format", "terse"}, calls[0].Args)
	assert.Equal(t, []string{"resolve", "languages", "--format", "json", "--search-path", "/packs/a" + string(os.PathListSeparator) + "/packs/b"}, calls[1].Args)
	assert.Equal(t, entities.DefaultProbeTimeout, calls[0].Timeout)
}

func TestEngineClient_Probe_CachesSpawnError(t *testing.T) {
	runner := &fakeRunner{handler: func(entities.ProcessSpec) (*entities.ProcessResult, error) {
		return nil, errdefs.Newf(errdefs.KindSpawn, "run process", "no such file")
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Probe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrSpawn)
	_, err = engine.Probe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrSpawn)
	assert.Len(t, runner.Calls(), 1)
}

func TestEngineClient_Probe_TimeoutNotCached(t *testing.T) {
	working := engineHandler(t, entities.LanguageGo)
	attempts := 0
	runner := &fakeRunner{}
	runner.handler = func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errdefs.Newf(errdefs.KindTimeout, "run process", "killed")
		}
		return working(spec)
	}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Probe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrTimeout)

	handle, err := engine.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, handle.Supports(entities.LanguageGo))
}

func TestEngineClient_Probe_UnparsableVersion(t *testing.T) {
	runner := &fakeRunner{handler: func(entities.ProcessSpec) (*entities.ProcessResult, error) {
		return &entities.ProcessResult{Stdout: "CodeQL command-line toolchain\n"}, nil
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	handle, err := engine.Probe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
	require.NotNil(t, handle)
	assert.Equal(t, 0, handle.Languages.Len())
	assert.Equal(t, "CodeQL command-line toolchain", handle.RawVersion)
	assert.Equal(t, []string{"version"}, runner.subcommands())
}

func TestEngineClient_Probe_VersionExitCode(t *testing.T) {
	runner := &fakeRunner{handler: func(entities.ProcessSpec) (*entities.ProcessResult, error) {
		return &entities.ProcessResult{ExitCode: 2, Stderr: "A fatal error occurred"}, nil
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	handle, err := engine.Probe(context.Background())
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
	assert.Contains(t, err.Error(), "A fatal error occurred")
}

func TestEngineClient_Locate(t *testing.T) {
	home := t.TempDir()
	binary := filepath.Join(home, executableName())
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o700))
	t.Setenv("PATH", t.TempDir())

	tests := []struct {
		name    string
		config  EngineConfig
		want    string
		wantErr bool
	}{
		{"explicit path wins", EngineConfig{Path: "/explicit/codeql", Home: home}, "/explicit/codeql", false},
		{"distribution directory", EngineConfig{Home: home}, binary, false},
		{"binary variable", EngineConfig{Home: t.TempDir(), Binary: binary}, binary, false},
		{"installed distribution", EngineConfig{InstallDir: home}, binary, false},
		{"distribution before installed", EngineConfig{Home: home, InstallDir: t.TempDir()}, binary, false},
		{"nothing found", EngineConfig{Home: t.TempDir(), InstallDir: t.TempDir()}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngineClient(&fakeRunner{}, newTestStore(), tt.config, nil)
			got, err := engine.locate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrSpawn)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngineClient_Reset(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	installDir := t.TempDir()
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	engine := NewEngineClient(runner, newTestStore(), EngineConfig{InstallDir: installDir}, nil)

	_, err := engine.Probe(context.Background())
	require.ErrorIs(t, err, errdefs.ErrSpawn)

	binary := filepath.Join(installDir, executableName())
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o700))
	_, err = engine.Probe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrSpawn, "failure stays cached")

	engine.Reset()
	handle, err := engine.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, binary, handle.Path)
}

func TestEngineClient_Probe_EngineAbsent(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	runner := &fakeRunner{}
	engine := NewEngineClient(runner, newTestStore(), EngineConfig{}, nil)

	handle, err := engine.Probe(context.Background())
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, errdefs.ErrSpawn)
	assert.Empty(t, runner.Calls())

	langs, err := engine.Languages(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrSpawn)
	assert.Equal(t, 0, langs.Len())
}

func TestEngineClient_Create(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	engine := newTestEngine(t, runner, EngineConfig{RegistriesAuth: "ghcr.io=token"})

	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "acme", "widgets", "go")
	require.NoError(t, os.MkdirAll(out, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(out, "stale"), []byte("x"), 0o600))

	db, err := engine.Create(context.Background(), entities.LanguageGo, src, out, entities.CreateOptions{
		Overwrite:    true,
		BuildCommand: "make all",
		Threads:      4,
		RAM:          2048,
	})
	require.NoError(t, err)
	assert.Equal(t, "widgets", db.Name)
	assert.Equal(t, entities.LanguageGo, db.Language)
	assert.Equal(t, out, db.Path)
	assert.NoFileExists(t, filepath.Join(out, "stale"))

	calls := runner.Calls()
	require.Len(t, calls, 3)
	create := calls[2]
	assert.Equal(t, []string{
		"database", "create", "-l", "go", "-s", src, "--overwrite",
		"--command", "make all", "--threads", "4", "--ram", "2048", out,
	}, create.Args)
	assert.Equal(t, entities.DefaultCreateTimeout, create.Timeout)
	assert.Contains(t, create.Env, "CODEQL_REGISTRIES_AUTH=ghcr.io=token")
}

func TestEngineClient_Create_UnsupportedLanguage(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageRust, t.TempDir(), filepath.Join(t.TempDir(), "out"), entities.CreateOptions{})
	assert.ErrorIs(t, err, errdefs.ErrUnsupportedLanguage)
	assert.NotContains(t, runner.subcommands(), "database create")
}

func TestEngineClient_Create_InvalidOptions(t *testing.T) {
	engine := newTestEngine(t, &fakeRunner{}, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageGo, t.TempDir(), t.TempDir(), entities.CreateOptions{Threads: -1})
	assert.ErrorIs(t, err, errdefs.ErrParse)
}

func TestEngineClient_Create_MissingSource(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageGo, filepath.Join(t.TempDir(), "missing"), t.TempDir(), entities.CreateOptions{})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestEngineClient_Create_NonZeroExit(t *testing.T) {
	probe := engineHandler(t, entities.LanguageGo)
	runner := &fakeRunner{handler: func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		if subcommandOf(spec.Args) == "database create" {
			return &entities.ProcessResult{ExitCode: 32, Stderr: "No source code was seen during the build."}, nil
		}
		return probe(spec)
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageGo, t.TempDir(), filepath.Join(t.TempDir(), "out"), entities.CreateOptions{})
	require.ErrorIs(t, err, errdefs.ErrCreation)

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 32, e.ExitCode)
	assert.Equal(t, "No source code was seen during the build.", e.Stderr)
}

func TestEngineClient_Create_TimeoutRetriedOnce(t *testing.T) {
	probe := engineHandler(t, entities.LanguageGo)
	runner := &fakeRunner{handler: func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		if subcommandOf(spec.Args) == "database create" {
			out := spec.Args[len(spec.Args)-1]
			require.NoError(t, os.MkdirAll(filepath.Join(out, "partial"), 0o750))
			return nil, errdefs.Newf(errdefs.KindTimeout, "run process", "killed")
		}
		return probe(spec)
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageGo, t.TempDir(), filepath.Join(t.TempDir(), "out"), entities.CreateOptions{})
	assert.ErrorIs(t, err, errdefs.ErrCreation)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.Equal(t, errdefs.KindCreation, errdefs.KindOf(err))
	assert.Equal(t, []string{"version", "resolve languages", "database create", "database create"}, runner.subcommands())
}

func TestEngineClient_Create_TimeoutThenSuccess(t *testing.T) {
	working := engineHandler(t, entities.LanguageGo)
	creates := 0
	runner := &fakeRunner{handler: func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		if subcommandOf(spec.Args) == "database create" {
			creates++
			if creates == 1 {
				return nil, errdefs.Newf(errdefs.KindTimeout, "run process", "killed")
			}
		}
		return working(spec)
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	db, err := engine.Create(context.Background(), entities.LanguageGo, t.TempDir(), filepath.Join(t.TempDir(), "widgets"), entities.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "widgets", db.Name)
	assert.Equal(t, 2, creates)
}

func TestEngineClient_Create_InvalidOutput(t *testing.T) {
	probe := engineHandler(t, entities.LanguageGo)
	runner := &fakeRunner{handler: func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		if subcommandOf(spec.Args) == "database create" {
			return &entities.ProcessResult{}, nil
		}
		return probe(spec)
	}}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Create(context.Background(), entities.LanguageGo, t.TempDir(), filepath.Join(t.TempDir(), "out"), entities.CreateOptions{})
	assert.ErrorIs(t, err, errdefs.ErrCreation)
	assert.ErrorIs(t, err, errdefs.ErrInvalidDatabase)
}

func TestEngineClient_Analyze(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	results := t.TempDir()
	engine := newTestEngine(t, runner, EngineConfig{
		ResultsRoot:     results,
		AdditionalPacks: []string{"/packs/extra"},
	})

	dbDir := filepath.Join(t.TempDir(), "widgets", "go")
	writeDatabase(t, dbDir, entities.LanguageGo)
	db, err := newTestStore().Load(dbDir)
	require.NoError(t, err)

	res, err := engine.Analyze(context.Background(), db, entities.AnalyzeOptions{Category: "/language:go"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(results, "go-widgets.sarif"), res.Path)
	assert.Equal(t, entities.FormatSARIF, res.Format)
	assert.FileExists(t, res.Path)

	calls := runner.Calls()
	analyze := calls[len(calls)-1]
	assert.Equal(t, []string{
		"database", "analyze", "--output", res.Path, "--format", "sarif-latest",
		"--additional-packs", "/packs/extra", "--sarif-category", "/language:go",
		dbDir, "codeql/go-queries",
	}, analyze.Args)
}

func TestEngineClient_Analyze_CSVWithSuite(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguagePython)}
	engine := newTestEngine(t, runner, EngineConfig{})

	dbDir := filepath.Join(t.TempDir(), "widgets", "python")
	writeDatabase(t, dbDir, entities.LanguagePython)
	db, err := newTestStore().Load(dbDir)
	require.NoError(t, err)

	output := filepath.Join(t.TempDir(), "out", "results.csv")
	res, err := engine.Analyze(context.Background(), db, entities.AnalyzeOptions{
		Queries: "security-extended",
		Output:  output,
		Format:  "csv",
		Threads: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, output, res.Path)
	assert.Equal(t, entities.FormatCSV, res.Format)

	calls := runner.Calls()
	args := calls[len(calls)-1].Args
	assert.Equal(t, "codeql/python-queries:codeql-suites/python-security-extended.qls", args[len(args)-1])
	assert.Equal(t, "2", argValue(args, "--threads"))
}

func TestEngineClient_Analyze_InvalidDatabase(t *testing.T) {
	runner := &fakeRunner{handler: engineHandler(t, entities.LanguageGo)}
	engine := newTestEngine(t, runner, EngineConfig{})

	_, err := engine.Analyze(context.Background(), &entities.Database{Name: "ghost", Language: entities.LanguageGo, Path: t.TempDir()}, entities.AnalyzeOptions{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidDatabase)

	_, err = engine.Analyze(context.Background(), nil, entities.AnalyzeOptions{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidDatabase)
	assert.Empty(t, runner.Calls())
}

func TestEngineClient_Analyze_Failures(t *testing.T) {
	tests := []struct {
		name   string
		result *entities.ProcessResult
		err    error
		calls  int
	}{
		{"non-zero exit", &entities.ProcessResult{ExitCode: 2, Stderr: "query compilation failed"}, nil, 1},
		{"no results file", &entities.ProcessResult{}, nil, 1},
		{"timeout", nil, errdefs.Newf(errdefs.KindTimeout, "run process", "killed"), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := engineHandler(t, entities.LanguageGo)
			analyses := 0
			runner := &fakeRunner{handler: func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
				if subcommandOf(spec.Args) == "database analyze" {
					analyses++
					return tt.result, tt.err
				}
				return probe(spec)
			}}
			engine := newTestEngine(t, runner, EngineConfig{ResultsRoot: t.TempDir()})

			dbDir := filepath.Join(t.TempDir(), "widgets", "go")
			writeDatabase(t, dbDir, entities.LanguageGo)
			db, err := newTestStore().Load(dbDir)
			require.NoError(t, err)

			_, err = engine.Analyze(context.Background(), db, entities.AnalyzeOptions{})
			assert.ErrorIs(t, err, errdefs.ErrAnalysis)
			assert.Equal(t, tt.calls, analyses)
		})
	}
}
