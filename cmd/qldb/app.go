package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/ochairo/qldb/internal/config"
	adapters "github.com/ochairo/qldb/internal/domain-adapters/gateways"
	orchestrators "github.com/ochairo/qldb/internal/domain-orchestrators"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
	"github.com/ochairo/qldb/internal/domain/services"
	"github.com/ochairo/qldb/internal/external-adapters/yaml"
	"github.com/ochairo/qldb/internal/ui"
)

// globalFlags are registered on every command's flag set
type globalFlags struct {
	configPath  string
	debug       bool
	noColor     bool
	metricsAddr string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "Path to the config file")
	fs.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
}

// newFlagSet creates a flag set with the global flags and a usage text
func newFlagSet(name, usage string, g *globalFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SortFlags = false
	g.register(fs)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args, reporting usage errors as ParseError
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errdefs.New(errdefs.KindParse, fs.Name(), err)
	}
	return nil
}

// usageError reports a missing or malformed argument
func usageError(cmd, format string, args ...any) error {
	return errdefs.Newf(errdefs.KindParse, cmd, format, args...)
}

// configError marks failures to load settings
type configError struct{ err error }

func (e *configError) Error() string { return "configuration: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// app holds the wired services for one command invocation
type app struct {
	cfg     *config.Config
	logger  interfaces.Logger
	store   *services.DatabaseStore
	manager *orchestrators.LifecycleManager
	metrics *http.Server
}

func newApp(g *globalFlags) (*app, error) {
	ui.InitColors(g.noColor)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, &configError{err: err}
	}

	logger := interfaces.NewSlogLogger(os.Stderr, g.debug)
	metrics := orchestrators.DefaultMetrics()

	runner := metrics.InstrumentRunner(adapters.NewProcessRunner(logger))
	store := services.NewDatabaseStore(yaml.NewMetadataRepository(), logger)
	engine := services.NewEngineClient(runner, store, cfg.EngineSettings(), logger)

	github := adapters.NewHTTPGitHubGateway(cfg.GitHub.APIURL, cfg.GitHub.Token, logger)
	var signatures gateways.SignatureVerifier
	if cfg.GitHub.Keyring != "" {
		v, err := adapters.NewSignatureVerifier(cfg.GitHub.Keyring)
		if err != nil {
			return nil, &configError{err: fmt.Errorf("failed to load keyring %s: %w", cfg.GitHub.Keyring, err)}
		}
		signatures = v
	}
	extractor := adapters.NewArchiveExtractor(logger)
	checksums := adapters.NewChecksumVerifier()
	remote := services.NewRemoteFetcher(
		github,
		store,
		extractor,
		checksums,
		signatures,
		cfg.RemoteSettings(),
		logger,
	)
	releases := services.NewReleaseChecker(github, cfg.RetryPolicy(), logger)
	installer := services.NewEngineInstaller(releases, github, extractor, checksums, cfg.RetryPolicy(), logger)

	manager := orchestrators.NewLifecycleManager(
		store,
		engine,
		remote,
		adapters.NewArchiveBundler(logger),
		releases,
		metrics,
		logger,
		orchestrators.ManagerConfig{
			DatabasesRoot:    cfg.Databases.Root,
			SerializeSameKey: cfg.Databases.SerializeSameKey,
			EngineInstallDir: cfg.Engine.InstallDir,
		},
	).WithInstaller(installer)

	a := &app{cfg: cfg, logger: logger, store: store, manager: manager}
	if g.metricsAddr != "" {
		a.serveMetrics(g.metricsAddr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.Info("Serving metrics", interfaces.F("addr", addr), interfaces.F("path", "/metrics"))
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server failed", interfaces.F("error", err))
		}
	}()
}

// close stops the metrics server, if any
func (a *app) close() {
	if a.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.metrics.Shutdown(ctx)
}
