package main

import (
	"context"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/ui"
)

func runCreate(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("create", `Usage: qldb create --language <lang> --source <dir> [options] [owner/name[@ref]]

Create a database from a source checkout. When a repository is given the
database is stored under the databases root and remembers where it came from.

Examples:
  qldb create -l python -s ./widgets acme/widgets
  qldb create -l go -s . -o /tmp/widgets-db --overwrite
  qldb create -l java -s . --command "mvn -q package" acme/app@main
`, &g)
	language := fs.StringP("language", "l", "", "Language to extract (required)")
	source := fs.StringP("source", "s", "", "Source checkout (required)")
	output := fs.StringP("output", "o", "", "Database directory (default: <databases root>/<owner>/<name>/<language>)")
	overwrite := fs.Bool("overwrite", false, "Replace an existing database")
	buildCommand := fs.String("command", "", "Build command for compiled languages")
	threads := fs.Int("threads", 0, "Engine threads (0: engine default)")
	ram := fs.Int("ram", 0, "Engine memory limit in MB (0: engine default)")
	timeout := fs.Duration("timeout", 0, "Creation timeout (default from config)")

	if err := parse(fs, args); err != nil {
		return err
	}
	if *language == "" || *source == "" {
		return usageError("create", "--language and --source are required")
	}
	if fs.NArg() > 1 {
		return usageError("create", "expected at most one repository, got %d", fs.NArg())
	}
	lang, err := entities.ParseLanguage(*language)
	if err != nil {
		return err
	}

	var ref *entities.RepositoryRef
	if fs.NArg() == 1 {
		r, err := entities.ParseRepositoryRef(fs.Arg(0))
		if err != nil {
			return err
		}
		ref = &r
	}
	if ref == nil && *output == "" {
		return usageError("create", "--output is required without a repository")
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	opts := a.createOptions(*overwrite, *buildCommand, *threads, *ram, *timeout)
	ui.Infof("Creating %s database from %s", lang.Pretty(), *source)
	start := time.Now()
	db, err := a.manager.Create(ctx, ref, lang, *source, *output, opts)
	if err != nil {
		return err
	}
	ui.Successf("Created %s in %v", db.Key(), time.Since(start).Round(time.Second))
	printPath(db.Path)
	return nil
}

// createOptions fills unset engine limits from the config
func (a *app) createOptions(overwrite bool, buildCommand string, threads, ram int, timeout time.Duration) entities.CreateOptions {
	if threads == 0 {
		threads = a.cfg.Engine.Threads
	}
	if ram == 0 {
		ram = a.cfg.Engine.RAM
	}
	if timeout == 0 {
		timeout = a.cfg.Timeouts.Create
	}
	return entities.CreateOptions{
		Overwrite:    overwrite,
		BuildCommand: buildCommand,
		Threads:      threads,
		RAM:          ram,
		Timeout:      timeout,
	}
}
