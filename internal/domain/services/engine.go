package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
)

// engineExecutable is the engine's executable name on $PATH
const engineExecutable = "codeql"

// EngineConfig locates and parameterises the engine
type EngineConfig struct {
	// Path is an explicit executable and skips discovery
	Path string
	// Home is a distribution directory holding the executable (CODEQL_PATH)
	Home string
	// Binary is the executable named by CODEQL_BINARY
	Binary string
	// InstallDir holds a distribution installed by qldb; it is tried last
	InstallDir string

	SearchPaths     []string
	AdditionalPacks []string
	// RegistriesAuth is exported to the engine as CODEQL_REGISTRIES_AUTH
	RegistriesAuth string
	// ResultsRoot receives analysis output when no output path is given
	ResultsRoot  string
	ProbeTimeout time.Duration
}

// EngineClient drives the engine executable. The probed handle is resolved
// once and shared read-only by all later calls.
type EngineClient struct {
	runner gateways.ProcessRunner
	store  *DatabaseStore
	config EngineConfig
	logger interfaces.Logger

	mu       sync.Mutex
	probed   bool
	handle   *entities.EngineHandle
	probeErr error
}

// NewEngineClient creates an engine client. Nothing is executed until the
// first call that needs the engine.
func NewEngineClient(runner gateways.ProcessRunner, store *DatabaseStore, config EngineConfig, logger interfaces.Logger) *EngineClient {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = entities.DefaultProbeTimeout
	}
	if config.ResultsRoot == "" {
		config.ResultsRoot = filepath.Join(os.TempDir(), "qldb-results")
	}
	return &EngineClient{
		runner: runner,
		store:  store,
		config: config,
		logger: interfaces.OrNoOp(logger),
	}
}

// Probe resolves the engine handle. Spawn and protocol failures are cached
// like successes; timeouts and cancellations are not, so a later call may
// probe again.
func (c *EngineClient) Probe(ctx context.Context) (*entities.EngineHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.probed {
		return c.handle, c.probeErr
	}

	handle, err := c.probe(ctx)
	if isInterrupted(err) {
		return nil, err
	}

	c.probed = true
	c.handle = handle
	c.probeErr = err
	if err != nil {
		c.logger.Debug("Engine probe failed", interfaces.F("error", err))
	} else {
		c.logger.Debug("Engine ready",
			interfaces.F("path", handle.Path),
			interfaces.F("version", handle.VersionString()),
			interfaces.F("languages", handle.Languages.Slice()))
	}
	return handle, err
}

// Reset drops the cached probe result so the next call locates the engine
// again
func (c *EngineClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probed = false
	c.handle = nil
	c.probeErr = nil
}

func (c *EngineClient) probe(ctx context.Context) (*entities.EngineHandle, error) {
	path, err := c.locate()
	if err != nil {
		return nil, err
	}

	res, err := c.runner.Run(ctx, c.spec(path, c.config.ProbeTimeout, "version", "--format", "terse"))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, engineFailure(errdefs.KindProtocol, "engine version", path, res)
	}

	version, raw, err := ParseEngineVersion(res.Stdout)
	handle := &entities.EngineHandle{
		Path:       path,
		Version:    version,
		RawVersion: raw,
		Languages:  entities.NewLanguageSet(),
	}
	if err != nil {
		return handle, err
	}

	args := append([]string{"resolve", "languages", "--format", "json"}, c.searchPathArgs()...)
	res, err = c.runner.Run(ctx, c.spec(path, c.config.ProbeTimeout, args...))
	if err != nil {
		if isInterrupted(err) {
			return nil, err
		}
		return handle, err
	}
	if !res.Success() {
		return handle, engineFailure(errdefs.KindProtocol, "resolve languages", path, res)
	}

	langs, err := ParseEngineLanguages(res.Stdout)
	if err != nil {
		return handle, err
	}
	handle.Languages = langs
	return handle, nil
}

// locate finds the executable: explicit path, then CODEQL_PATH, then
// CODEQL_BINARY, then $PATH.
func (c *EngineClient) locate() (string, error) {
	if c.config.Path != "" {
		return c.config.Path, nil
	}

	var tried []string
	if c.config.Home != "" {
		candidate := filepath.Join(c.config.Home, executableName())
		if isFile(candidate) {
			return candidate, nil
		}
		tried = append(tried, candidate)
	}
	if c.config.Binary != "" {
		if isFile(c.config.Binary) {
			return c.config.Binary, nil
		}
		tried = append(tried, c.config.Binary)
	}
	if p, err := exec.LookPath(engineExecutable); err == nil {
		return p, nil
	}
	tried = append(tried, "$PATH")
	if c.config.InstallDir != "" {
		candidate := filepath.Join(c.config.InstallDir, executableName())
		if isFile(candidate) {
			return candidate, nil
		}
		tried = append(tried, candidate)
	}

	return "", errdefs.Newf(errdefs.KindSpawn, "locate engine", "%s executable not found (tried %s)",
		engineExecutable, strings.Join(tried, ", "))
}

// Languages returns the languages the engine can extract
func (c *EngineClient) Languages(ctx context.Context) (entities.LanguageSet, error) {
	handle, err := c.Probe(ctx)
	if handle == nil {
		return entities.NewLanguageSet(), err
	}
	return handle.Languages, err
}

// Create builds a database for lang from sourcePath into outputPath. A
// timed-out run is retried once from a clean output directory.
func (c *EngineClient) Create(ctx context.Context, lang entities.Language, sourcePath, outputPath string, opts entities.CreateOptions) (*entities.Database, error) {
	const op = "database create"

	if err := opts.Validate(); err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err)
	}

	handle, err := c.Probe(ctx)
	if handle == nil {
		return nil, err
	}
	if !handle.Supports(lang) {
		return nil, errdefs.Newf(errdefs.KindUnsupportedLanguage, op, "engine %s cannot extract %s", handle.VersionString(), lang)
	}

	src, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err).WithPath(sourcePath)
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return nil, errdefs.Newf(errdefs.KindNotFound, op, "source directory does not exist").WithPath(src)
	}
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err).WithPath(outputPath)
	}

	if opts.Overwrite {
		if err := os.RemoveAll(out); err != nil {
			return nil, errdefs.New(errdefs.KindCreation, op, fmt.Errorf("failed to remove existing output: %w", err)).WithPath(out)
		}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindCreation, op, fmt.Errorf("failed to create parent directory: %w", err)).WithPath(out)
	}

	args := []string{"database", "create", "-l", string(lang), "-s", src}
	if opts.Overwrite {
		args = append(args, "--overwrite")
	}
	if opts.BuildCommand != "" {
		args = append(args, "--command", opts.BuildCommand)
	}
	args = append(args, resourceArgs(opts.Threads, opts.RAM)...)
	args = append(args, c.searchPathArgs()...)
	args = append(args, out)

	c.logger.Info("Creating database",
		interfaces.F("language", lang),
		interfaces.F("source", src),
		interfaces.F("output", out))

	res, err := c.runRetryingTimeout(ctx, op, c.spec(handle.Path, opts.Timeout, args...), func() {
		_ = os.RemoveAll(out)
	})
	if err != nil {
		if errors.Is(err, errdefs.ErrTimeout) {
			return nil, errdefs.New(errdefs.KindCreation, op, err).WithPath(out)
		}
		return nil, err
	}
	if !res.Success() {
		return nil, engineFailure(errdefs.KindCreation, op, out, res)
	}

	db, err := c.store.Load(out)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCreation, op, err).WithPath(out)
	}

	c.logger.Info("Database created",
		interfaces.F("name", db.Name),
		interfaces.F("language", lang),
		interfaces.F("duration", res.Duration))
	return db, nil
}

// Analyze runs queries against db and writes the results file
func (c *EngineClient) Analyze(ctx context.Context, db *entities.Database, opts entities.AnalyzeOptions) (*entities.AnalysisResult, error) {
	const op = "database analyze"

	if err := opts.Validate(); err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err)
	}
	if db == nil || !db.IsLocal() {
		return nil, errdefs.Newf(errdefs.KindInvalidDatabase, op, "database is not on disk")
	}
	if err := c.store.Validate(db.Path); err != nil {
		return nil, err
	}

	handle, err := c.Probe(ctx)
	if handle == nil {
		return nil, err
	}

	output := opts.Output
	if output == "" {
		output = filepath.Join(c.config.ResultsRoot, fmt.Sprintf("%s-%s%s", db.Language, db.Name, opts.Format.Extension()))
	}
	output, err = filepath.Abs(output)
	if err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err).WithPath(opts.Output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindAnalysis, op, fmt.Errorf("failed to create results directory: %w", err)).WithPath(output)
	}

	args := []string{"database", "analyze", "--output", output, "--format", string(opts.Format)}
	args = append(args, resourceArgs(opts.Threads, opts.RAM)...)
	args = append(args, c.searchPathArgs()...)
	if len(c.config.AdditionalPacks) > 0 {
		args = append(args, "--additional-packs", strings.Join(c.config.AdditionalPacks, string(os.PathListSeparator)))
	}
	if opts.Category != "" {
		args = append(args, "--sarif-category", opts.Category)
	}
	queries := ResolveQueries(db.Language, opts.Queries)
	args = append(args, db.Path, queries)

	c.logger.Info("Analyzing database",
		interfaces.F("database", db.Key()),
		interfaces.F("queries", queries),
		interfaces.F("output", output))

	start := time.Now()
	res, err := c.runRetryingTimeout(ctx, op, c.spec(handle.Path, opts.Timeout, args...), nil)
	if err != nil {
		if errors.Is(err, errdefs.ErrTimeout) {
			return nil, errdefs.New(errdefs.KindAnalysis, op, err).WithPath(db.Path)
		}
		return nil, err
	}
	if !res.Success() {
		return nil, engineFailure(errdefs.KindAnalysis, op, db.Path, res)
	}
	if !fileExists(output) {
		return nil, errdefs.Newf(errdefs.KindAnalysis, op, "engine produced no results file").WithPath(output)
	}

	return &entities.AnalysisResult{
		Path:     output,
		Format:   opts.Format,
		Duration: time.Since(start),
	}, nil
}

// runRetryingTimeout runs spec and, if it timed out, runs it once more after
// calling reset.
func (c *EngineClient) runRetryingTimeout(ctx context.Context, op string, spec entities.ProcessSpec, reset func()) (*entities.ProcessResult, error) {
	res, err := c.runner.Run(ctx, spec)
	if err == nil || !errors.Is(err, errdefs.ErrTimeout) || ctx.Err() != nil {
		return res, err
	}

	c.logger.Warn("Engine timed out, retrying once",
		interfaces.F("operation", op),
		interfaces.F("timeout", spec.Timeout))
	if reset != nil {
		reset()
	}
	return c.runner.Run(ctx, spec)
}

func (c *EngineClient) spec(path string, timeout time.Duration, args ...string) entities.ProcessSpec {
	spec := entities.ProcessSpec{
		Path:    path,
		Args:    args,
		Timeout: timeout,
	}
	if c.config.RegistriesAuth != "" {
		spec.Env = []string{"CODEQL_REGISTRIES_AUTH=" + c.config.RegistriesAuth}
	}
	return spec
}

func (c *EngineClient) searchPathArgs() []string {
	if len(c.config.SearchPaths) == 0 {
		return nil
	}
	return []string{"--search-path", strings.Join(c.config.SearchPaths, string(os.PathListSeparator))}
}

func resourceArgs(threads, ram int) []string {
	var args []string
	if threads > 0 {
		args = append(args, "--threads", strconv.Itoa(threads))
	}
	if ram > 0 {
		args = append(args, "--ram", strconv.Itoa(ram))
	}
	return args
}

// engineFailure classifies a non-zero exit
func engineFailure(kind errdefs.Kind, op, path string, res *entities.ProcessResult) error {
	e := errdefs.Newf(kind, op, "engine reported failure").WithPath(path).WithStderr(res.Stderr)
	e.ExitCode = res.ExitCode
	return e
}

func isInterrupted(err error) bool {
	return errors.Is(err, errdefs.ErrTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func executableName() string {
	if runtime.GOOS == "windows" {
		return engineExecutable + ".exe"
	}
	return engineExecutable
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
