package main

import (
	"context"
	"fmt"
	"os"
	"time"

	orchestrators "github.com/ochairo/qldb/internal/domain-orchestrators"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/ui"
)

func runAnalyze(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("analyze", `Usage: qldb analyze [options] <database-dir | owner/name[@ref]>

Run queries against a database. A repository is resolved against the local
databases and needs --language.

Examples:
  qldb analyze ~/.codeql/databases/acme/widgets/python
  qldb analyze -l python --queries python-security-extended.qls acme/widgets
  qldb analyze --format csv -o results.csv ./widgets-db
`, &g)
	language := fs.StringP("language", "l", "", "Database language, when a repository is given")
	queries := fs.StringP("queries", "q", "", "Query pack, suite or query file (default: the language's standard pack)")
	output := fs.StringP("output", "o", "", "Results file (default: <results root>/<language>-<name>.<ext>)")
	format := fs.String("format", "sarif", "Results format: sarif or csv")
	category := fs.String("category", "", "SARIF run category")
	threads := fs.Int("threads", 0, "Engine threads (0: engine default)")
	ram := fs.Int("ram", 0, "Engine memory limit in MB (0: engine default)")
	timeout := fs.Duration("timeout", 0, "Analysis timeout (default from config)")

	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("analyze", "expected one database or repository")
	}
	target := fs.Arg(0)

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	opts := entities.AnalyzeOptions{
		Queries:  *queries,
		Output:   *output,
		Format:   entities.AnalysisFormat(*format),
		Threads:  orDefault(*threads, a.cfg.Engine.Threads),
		RAM:      orDefault(*ram, a.cfg.Engine.RAM),
		Category: *category,
		Timeout:  *timeout,
	}
	if opts.Timeout == 0 {
		opts.Timeout = a.cfg.Timeouts.Analyze
	}

	db, err := a.resolveTarget(ctx, target, *language)
	if err != nil {
		return err
	}

	ui.Infof("Analyzing %s", db.Key())
	start := time.Now()
	result, err := a.manager.Analyze(ctx, db, opts)
	if err != nil {
		return err
	}
	ui.Successf("Analysis finished in %v", time.Since(start).Round(time.Second))
	printPath(result.Path)
	return nil
}

// resolveTarget loads a database directory, or looks a repository up among
// the local databases
func (a *app) resolveTarget(ctx context.Context, target, language string) (*entities.Database, error) {
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return a.store.Load(target)
	}

	ref, err := entities.ParseRepositoryRef(target)
	if err != nil {
		return nil, err
	}
	if language == "" {
		return nil, usageError("analyze", "--language is required for repository %s", ref)
	}
	lang, err := entities.ParseLanguage(language)
	if err != nil {
		return nil, err
	}
	return a.manager.Obtain(ctx, ref, lang, orchestrators.ObtainOptions{SearchPaths: a.cfg.SearchPaths()})
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// printPath writes a result path to stdout for scripting
func printPath(path string) {
	fmt.Fprintln(stdout, path)
}
