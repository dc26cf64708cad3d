// Package orchestrators coordinates the database lifecycle across the on-disk
// store, the local engine and the remote API.
package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
	"github.com/ochairo/qldb/internal/domain/services"
)

// Obtain strategies, in precedence order
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
	StrategyCreate = "create"
)

// DatabaseStore discovers databases on disk
type DatabaseStore interface {
	Scan(ctx context.Context, root string) (*entities.DatabaseCollection, error)
	Load(path string) (*entities.Database, error)
	RecordSource(path string, m *entities.SourceManifest) error
}

// Engine drives the local engine executable
type Engine interface {
	Probe(ctx context.Context) (*entities.EngineHandle, error)
	Languages(ctx context.Context) (entities.LanguageSet, error)
	Create(ctx context.Context, lang entities.Language, sourcePath, outputPath string, opts entities.CreateOptions) (*entities.Database, error)
	Analyze(ctx context.Context, db *entities.Database, opts entities.AnalyzeOptions) (*entities.AnalysisResult, error)
	// Reset forgets the probed engine
	Reset()
}

// RemoteFetcher lists and downloads published databases
type RemoteFetcher interface {
	List(ctx context.Context, ref entities.RepositoryRef) *services.DescriptorIterator
	DownloadLanguage(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, dest string) (*entities.Database, error)
}

// ReleaseChecker reports whether a newer engine has been released
type ReleaseChecker interface {
	Check(ctx context.Context, handle *entities.EngineHandle) (*services.UpdateCheck, error)
}

// EngineInstaller installs released engine distributions
type EngineInstaller interface {
	Install(ctx context.Context, version, dir string) (*services.Installation, error)
}

// ManagerConfig holds configuration for the lifecycle manager
type ManagerConfig struct {
	// DatabasesRoot is searched when no search paths are given and receives
	// downloaded and created databases
	DatabasesRoot string
	// SerializeSameKey makes concurrent Obtain calls for the same repository
	// and language wait for each other
	SerializeSameKey bool
	// EngineInstallDir receives installed engines
	EngineInstallDir string
}

// ObtainOptions selects the strategies Obtain may use
type ObtainOptions struct {
	SearchPaths  []string
	AllowRemote  bool
	PreferRemote bool
	AllowCreate  bool
	// SourcePath is the checkout to create from
	SourcePath string
	// OutputPath defaults to <DownloadRoot>/<owner>/<name>/<language>
	OutputPath string
	// DownloadRoot defaults to ManagerConfig.DatabasesRoot
	DownloadRoot string
	Create       entities.CreateOptions
}

// ObtainResult describes how a database was obtained
type ObtainResult struct {
	Ref      entities.RepositoryRef
	Language entities.Language
	Database *entities.Database
	Strategy string
	Attempts []errdefs.Attempt
	Duration time.Duration
	Error    error
}

// Summary returns a human-readable summary of the obtain workflow
func (r *ObtainResult) Summary() string {
	var b strings.Builder
	if r.Database != nil {
		fmt.Fprintf(&b, "Obtained %s (%s) via %s in %v\n", r.Ref, r.Language, r.Strategy, r.Duration.Round(time.Millisecond))
		fmt.Fprintf(&b, "  Path: %s\n", r.Database.Path)
	} else {
		fmt.Fprintf(&b, "No database for %s (%s) after %v\n", r.Ref, r.Language, r.Duration.Round(time.Millisecond))
	}
	for _, a := range r.Attempts {
		fmt.Fprintf(&b, "  %s: %v\n", a.Strategy, a.Err)
	}
	return b.String()
}

// LifecycleManager coordinates discovery, download and creation of databases
type LifecycleManager struct {
	store     DatabaseStore
	engine    Engine
	remote    RemoteFetcher
	bundler   gateways.ArchiveBundler
	releases  ReleaseChecker
	installer EngineInstaller
	metrics   *Metrics
	logger    interfaces.Logger
	config    ManagerConfig
	locks     *keyLocks
}

// NewLifecycleManager creates a lifecycle manager. remote, bundler, releases
// and metrics may be nil.
func NewLifecycleManager(
	store DatabaseStore,
	engine Engine,
	remote RemoteFetcher,
	bundler gateways.ArchiveBundler,
	releases ReleaseChecker,
	metrics *Metrics,
	logger interfaces.Logger,
	config ManagerConfig,
) *LifecycleManager {
	m := &LifecycleManager{
		store:    store,
		engine:   engine,
		remote:   remote,
		bundler:  bundler,
		releases: releases,
		metrics:  metrics,
		logger:   interfaces.OrNoOp(logger),
		config:   config,
	}
	if config.SerializeSameKey {
		m.locks = &keyLocks{locks: make(map[string]*keyLock)}
	}
	return m
}

// Obtain returns a database for (ref, language), trying the local store,
// then the remote API, then local creation
func (m *LifecycleManager) Obtain(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, opts ObtainOptions) (*entities.Database, error) {
	result, err := m.ObtainWithResult(ctx, ref, lang, opts)
	if err != nil {
		return nil, err
	}
	return result.Database, nil
}

// ObtainWithResult is Obtain, also reporting which strategies ran
func (m *LifecycleManager) ObtainWithResult(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, opts ObtainOptions) (*ObtainResult, error) {
	startTime := time.Now()
	defer m.metrics.observe("obtain", startTime)

	result := &ObtainResult{Ref: ref, Language: lang}
	finish := func(strategy string, db *entities.Database) (*ObtainResult, error) {
		result.Strategy = strategy
		result.Database = db
		result.Duration = time.Since(startTime)
		m.logger.Info("Database obtained",
			interfaces.F("repository", ref.String()),
			interfaces.F("language", lang),
			interfaces.F("strategy", strategy),
			interfaces.F("path", db.Path))
		return result, nil
	}
	fail := func(strategy string, err error) {
		result.Attempts = append(result.Attempts, errdefs.Attempt{Strategy: strategy, Err: err})
		m.metrics.recordObtain(strategy, err)
		m.logger.Debug("Obtain strategy failed",
			interfaces.F("strategy", strategy),
			interfaces.F("error", err))
	}

	if m.locks != nil {
		unlock := m.locks.lock(ref.FullName() + "|" + string(lang))
		defer unlock()
	}

	// Step 1: Local store
	db, err := m.findLocal(ctx, opts.SearchPaths, ref.Name(), lang)
	if err == nil {
		m.metrics.recordObtain(StrategyLocal, nil)
		return finish(StrategyLocal, db)
	}
	if isCanceled(ctx, err) {
		return m.abort(result, startTime, err)
	}
	fail(StrategyLocal, err)

	downloadRoot := opts.DownloadRoot
	if downloadRoot == "" {
		downloadRoot = m.config.DatabasesRoot
	}

	// Engine availability is probed at most once per call
	var engineErr error
	engineProbed := false
	probe := func() error {
		if !engineProbed {
			engineProbed = true
			_, engineErr = m.engine.Probe(ctx)
		}
		return engineErr
	}

	// Step 2: Remote download
	if opts.AllowRemote && m.remote != nil {
		useRemote := opts.PreferRemote
		if !useRemote {
			if perr := probe(); perr != nil {
				if isCanceled(ctx, perr) {
					return m.abort(result, startTime, perr)
				}
				useRemote = true
			}
		}
		if useRemote {
			dest := services.DefaultPath(downloadRoot, ref, lang)
			db, err := m.remote.DownloadLanguage(ctx, ref, lang, dest)
			if err == nil {
				m.metrics.recordObtain(StrategyRemote, nil)
				return finish(StrategyRemote, db)
			}
			if isCanceled(ctx, err) {
				return m.abort(result, startTime, err)
			}
			fail(StrategyRemote, err)
		}
	}

	// Step 3: Local creation
	if opts.AllowCreate {
		db, err := m.createFor(ctx, ref, lang, opts, downloadRoot, probe)
		if err == nil {
			m.metrics.recordObtain(StrategyCreate, nil)
			return finish(StrategyCreate, db)
		}
		if isCanceled(ctx, err) {
			return m.abort(result, startTime, err)
		}
		fail(StrategyCreate, err)
	}

	result.Duration = time.Since(startTime)
	result.Error = &errdefs.UnavailableError{
		Subject:  fmt.Sprintf("%s (%s)", ref, lang),
		Attempts: result.Attempts,
	}
	return result, result.Error
}

func (m *LifecycleManager) createFor(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, opts ObtainOptions, downloadRoot string, probe func() error) (*entities.Database, error) {
	if err := probe(); err != nil {
		return nil, err
	}
	if opts.SourcePath == "" {
		return nil, errdefs.Newf(errdefs.KindParse, "database create", "no source path given")
	}

	out := opts.OutputPath
	if out == "" {
		out = services.DefaultPath(downloadRoot, ref, lang)
	}

	db, err := m.engine.Create(ctx, lang, opts.SourcePath, out, opts.Create)
	if err != nil {
		return nil, err
	}
	m.recordSource(db, ref)
	return db, nil
}

// recordSource ties a created database to the repository it was built from
func (m *LifecycleManager) recordSource(db *entities.Database, ref entities.RepositoryRef) {
	manifest := &entities.SourceManifest{Repository: ref}
	if err := m.store.RecordSource(db.Path, manifest); err != nil {
		m.logger.Warn("Failed to record database source",
			interfaces.F("path", db.Path),
			interfaces.F("error", err))
		return
	}
	db.Source = &ref
	db.Name = ref.Name()
}

func (m *LifecycleManager) abort(result *ObtainResult, startTime time.Time, err error) (*ObtainResult, error) {
	result.Duration = time.Since(startTime)
	result.Error = err
	return result, err
}

// findLocal looks for (name, lang) in each search path, in order
func (m *LifecycleManager) findLocal(ctx context.Context, searchPaths []string, name string, lang entities.Language) (*entities.Database, error) {
	roots := m.roots(searchPaths)
	for _, root := range roots {
		c, err := m.store.Scan(ctx, root)
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, err
			}
			m.logger.Debug("Skipping search path", interfaces.F("root", root), interfaces.F("error", err))
			continue
		}
		if db, ok := c.Get(name, lang); ok {
			return db, nil
		}
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "find database", "no %s database named %q in %s", lang, name, strings.Join(roots, ", "))
}

func (m *LifecycleManager) roots(paths []string) []string {
	if len(paths) > 0 {
		return paths
	}
	if m.config.DatabasesRoot != "" {
		return []string{m.config.DatabasesRoot}
	}
	return nil
}

// Enumerate scans every root, defaulting to the databases root. Inaccessible
// roots are skipped unless none could be scanned.
func (m *LifecycleManager) Enumerate(ctx context.Context, roots ...string) (*entities.DatabaseCollection, error) {
	defer m.metrics.observe("enumerate", time.Now())

	roots = m.roots(roots)
	if len(roots) == 0 {
		return nil, errdefs.Newf(errdefs.KindNotFound, "enumerate", "no search path configured")
	}

	all := entities.NewDatabaseCollection()
	var firstErr error
	scanned := 0
	for _, root := range roots {
		c, err := m.store.Scan(ctx, root)
		if err != nil {
			if isCanceled(ctx, err) {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("Skipping search path", interfaces.F("root", root), interfaces.F("error", err))
			continue
		}
		scanned++
		all.Merge(c)
	}
	if scanned == 0 {
		return nil, firstErr
	}
	return all, nil
}

// Create builds a database with the local engine. When ref is non-nil the
// database is recorded as built from it.
func (m *LifecycleManager) Create(ctx context.Context, ref *entities.RepositoryRef, lang entities.Language, sourcePath, outputPath string, opts entities.CreateOptions) (*entities.Database, error) {
	defer m.metrics.observe("create", time.Now())

	if outputPath == "" {
		if ref == nil {
			return nil, errdefs.Newf(errdefs.KindParse, "database create", "an output path or repository is required")
		}
		outputPath = services.DefaultPath(m.config.DatabasesRoot, *ref, lang)
	}

	db, err := m.engine.Create(ctx, lang, sourcePath, outputPath, opts)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		m.recordSource(db, *ref)
	}
	return db, nil
}

// Analyze runs queries against db
func (m *LifecycleManager) Analyze(ctx context.Context, db *entities.Database, opts entities.AnalyzeOptions) (*entities.AnalysisResult, error) {
	defer m.metrics.observe("analyze", time.Now())
	return m.engine.Analyze(ctx, db, opts)
}

// AnalyzePath loads the database at path and analyzes it
func (m *LifecycleManager) AnalyzePath(ctx context.Context, path string, opts entities.AnalyzeOptions) (*entities.AnalysisResult, error) {
	db, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}
	return m.Analyze(ctx, db, opts)
}

// Download fetches the newest published database for (ref, lang). dest
// defaults to <DatabasesRoot>/<owner>/<name>/<language>.
func (m *LifecycleManager) Download(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, dest string) (*entities.Database, error) {
	defer m.metrics.observe("download", time.Now())

	if m.remote == nil {
		return nil, errdefs.Newf(errdefs.KindNetwork, "download database", "remote access is not configured")
	}
	if dest == "" {
		dest = services.DefaultPath(m.config.DatabasesRoot, ref, lang)
	}
	return m.remote.DownloadLanguage(ctx, ref, lang, dest)
}

// ListRemote returns the databases published for ref
func (m *LifecycleManager) ListRemote(ctx context.Context, ref entities.RepositoryRef) ([]entities.Descriptor, error) {
	if m.remote == nil {
		return nil, errdefs.Newf(errdefs.KindNetwork, "list databases", "remote access is not configured")
	}
	return m.remote.List(ctx, ref).Collect()
}

// Languages returns the languages the local engine supports
func (m *LifecycleManager) Languages(ctx context.Context) (entities.LanguageSet, error) {
	return m.engine.Languages(ctx)
}

// Engine returns the probed engine handle
func (m *LifecycleManager) Engine(ctx context.Context) (*entities.EngineHandle, error) {
	return m.engine.Probe(ctx)
}

// CheckEngineUpdate compares the local engine with the latest release
func (m *LifecycleManager) CheckEngineUpdate(ctx context.Context) (*services.UpdateCheck, error) {
	if m.releases == nil {
		return nil, errdefs.Newf(errdefs.KindNetwork, "check engine release", "remote access is not configured")
	}
	handle, err := m.engine.Probe(ctx)
	if handle == nil && isCanceled(ctx, err) {
		return nil, err
	}
	return m.releases.Check(ctx, handle)
}

// WithInstaller enables InstallEngine
func (m *LifecycleManager) WithInstaller(installer EngineInstaller) *LifecycleManager {
	m.installer = installer
	return m
}

// InstallEngine installs the engine release tagged version into the
// configured install directory. Unless force is set, a working engine is
// kept and reported with installed false.
func (m *LifecycleManager) InstallEngine(ctx context.Context, version string, force bool) (handle *entities.EngineHandle, installed bool, err error) {
	const op = "install engine"
	defer m.metrics.observe("install_engine", time.Now())

	if m.installer == nil {
		return nil, false, errdefs.Newf(errdefs.KindNetwork, op, "remote access is not configured")
	}
	if m.config.EngineInstallDir == "" {
		return nil, false, errdefs.Newf(errdefs.KindSpawn, op, "no engine install directory configured")
	}
	if !force {
		current, perr := m.engine.Probe(ctx)
		if perr == nil {
			m.logger.Debug("Engine already installed", interfaces.F("path", current.Path))
			return current, false, nil
		}
		if isCanceled(ctx, perr) {
			return nil, false, perr
		}
	}

	inst, err := m.installer.Install(ctx, version, m.config.EngineInstallDir)
	if err != nil {
		return nil, false, err
	}

	m.engine.Reset()
	handle, err = m.engine.Probe(ctx)
	if err != nil {
		return nil, true, err
	}
	if handle.Path != inst.Binary {
		m.logger.Warn("Another engine takes precedence over the installed one",
			interfaces.F("installed", inst.Binary),
			interfaces.F("active", handle.Path))
	}
	return handle, true, nil
}

// Bundle packs the database at path into a tar.gz at output. Engine logs
// and in-progress downloads are left out.
func (m *LifecycleManager) Bundle(ctx context.Context, path, output string) (*entities.Database, error) {
	defer m.metrics.observe("bundle", time.Now())

	if m.bundler == nil {
		return nil, errdefs.Newf(errdefs.KindUnknown, "bundle database", "bundling is not configured")
	}
	db, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if output == "" {
		output = fmt.Sprintf("%s-%s.tar.gz", db.Name, db.Language)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, "bundle database", err).WithPath(output)
	}
	if err := m.bundler.Bundle(db.Path, output, db.Name, "log", "working"); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, "bundle database", err).WithPath(output)
	}

	m.logger.Info("Database bundled", interfaces.F("database", db.Key()), interfaces.F("output", output))
	return db, nil
}

// isCanceled reports whether err ended the call because ctx itself is done.
// A sub-operation that hit its own deadline leaves ctx live and counts as a
// failed step.
func isCanceled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// keyLocks hands out one mutex per key, dropping it when unused
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu      sync.Mutex
	holders int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.holders++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
