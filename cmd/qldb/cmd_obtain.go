package main

import (
	"context"
	"encoding/json"

	orchestrators "github.com/ochairo/qldb/internal/domain-orchestrators"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/ui"
)

// obtainJSON is the --json form of an obtain result
type obtainJSON struct {
	Repository string            `json:"repository"`
	Language   string            `json:"language"`
	Strategy   string            `json:"strategy,omitempty"`
	Database   *databaseJSON     `json:"database,omitempty"`
	Attempts   map[string]string `json:"attempts,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

func runObtain(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("obtain", `Usage: qldb obtain --language <lang> [options] <owner/name[@ref]>

Return a database for a repository: a local one if present, otherwise a
published one (when --remote is given and the engine is unusable, or with
--prefer-remote), otherwise one created from --source (with --create).

Examples:
  qldb obtain -l python acme/widgets
  qldb obtain -l python --remote --create -s ./widgets acme/widgets
  qldb obtain -l go --prefer-remote --json acme/widgets@main
`, &g)
	language := fs.StringP("language", "l", "", "Language (required)")
	searchPaths := fs.StringSlice("search-path", nil, "Directory to look for local databases (repeatable; default: configured roots)")
	allowRemote := fs.Bool("remote", false, "Allow downloading a published database")
	preferRemote := fs.Bool("prefer-remote", false, "Try a published database before local creation even when the engine works")
	allowCreate := fs.Bool("create", false, "Allow creating the database locally")
	source := fs.StringP("source", "s", "", "Source checkout for --create")
	output := fs.StringP("output", "o", "", "Database directory for --create")
	buildCommand := fs.String("command", "", "Build command for compiled languages")
	threads := fs.Int("threads", 0, "Engine threads (0: engine default)")
	ram := fs.Int("ram", 0, "Engine memory limit in MB (0: engine default)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("obtain", "expected one repository")
	}
	if *language == "" {
		return usageError("obtain", "--language is required")
	}
	ref, err := entities.ParseRepositoryRef(fs.Arg(0))
	if err != nil {
		return err
	}
	lang, err := entities.ParseLanguage(*language)
	if err != nil {
		return err
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	paths := *searchPaths
	if len(paths) == 0 {
		paths = a.cfg.SearchPaths()
	}
	opts := orchestrators.ObtainOptions{
		SearchPaths:  paths,
		AllowRemote:  *allowRemote || *preferRemote,
		PreferRemote: *preferRemote,
		AllowCreate:  *allowCreate,
		SourcePath:   *source,
		OutputPath:   *output,
		Create:       a.createOptions(false, *buildCommand, *threads, *ram, 0),
	}

	result, err := a.manager.ObtainWithResult(ctx, ref, lang, opts)
	if *jsonOutput && result != nil {
		if encErr := writeObtainJSON(result); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	a.logger.Debug(result.Summary())
	ui.Successf("Obtained %s via %s", result.Database.Key(), result.Strategy)
	printPath(result.Database.Path)
	return nil
}

func writeObtainJSON(result *orchestrators.ObtainResult) error {
	out := obtainJSON{
		Repository: result.Ref.String(),
		Language:   string(result.Language),
		Strategy:   result.Strategy,
		DurationMS: result.Duration.Milliseconds(),
	}
	if result.Database != nil {
		db := toJSON(result.Database)
		out.Database = &db
	}
	if len(result.Attempts) > 0 {
		out.Attempts = make(map[string]string, len(result.Attempts))
		for _, at := range result.Attempts {
			out.Attempts[at.Strategy] = at.Err.Error()
		}
	}
	if result.Error != nil {
		out.Error = result.Error.Error()
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
