package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/ui"
)

// databaseJSON is the --json form of a database
type databaseJSON struct {
	Name        string    `json:"name"`
	Language    string    `json:"language"`
	Path        string    `json:"path"`
	Repository  string    `json:"repository,omitempty"`
	CLIVersion  string    `json:"cli_version"`
	LinesOfCode int       `json:"lines_of_code"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
}

func toJSON(db *entities.Database) databaseJSON {
	out := databaseJSON{
		Name:        db.Name,
		Language:    string(db.Language),
		Path:        db.Path,
		CLIVersion:  db.CLIVersion(),
		LinesOfCode: db.LinesOfCode(),
		CreatedAt:   db.CreatedAt,
		SizeBytes:   db.SizeBytes,
	}
	if db.Source != nil {
		out.Repository = db.Source.String()
	}
	return out
}

func runList(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("list", `Usage: qldb list [options] [path...]

List the databases found under each path (default: the databases root and
configured search paths).

Examples:
  qldb list
  qldb list --json ~/src/dbs
  qldb list --size
`, &g)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	language := fs.StringP("language", "l", "", "Only list databases of this language")
	withSize := fs.Bool("size", false, "Compute the on-disk size of each database")

	if err := parse(fs, args); err != nil {
		return err
	}

	var lang entities.Language
	if *language != "" {
		l, err := entities.ParseLanguage(*language)
		if err != nil {
			return err
		}
		lang = l
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	roots := fs.Args()
	if len(roots) == 0 {
		roots = a.cfg.SearchPaths()
	}
	collection, err := a.manager.Enumerate(ctx, roots...)
	if err != nil {
		return err
	}

	var dbs []*entities.Database
	for _, db := range collection.All() {
		if lang != "" && db.Language != lang {
			continue
		}
		if *withSize {
			if err := a.store.Measure(db); err != nil {
				a.logger.Warn("Failed to measure database", interfaces.F("path", db.Path), interfaces.F("error", err))
			}
		}
		dbs = append(dbs, db)
	}

	if *jsonOutput {
		out := make([]databaseJSON, 0, len(dbs))
		for _, db := range dbs {
			out = append(out, toJSON(db))
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(dbs) == 0 {
		ui.Info("No databases found")
		return nil
	}

	ui.Header(fmt.Sprintf("Databases (%d)", len(dbs)))
	for _, db := range dbs {
		fmt.Fprintf(stdout, "  %-30s %-12s %s\n", ui.Label(db.Name), db.Language.Pretty(), ui.DimText(db.Path))
		details := fmt.Sprintf("engine %s, %d lines", db.CLIVersion(), db.LinesOfCode())
		if db.SizeBytes != nil {
			details += ", " + ui.FormatSize(*db.SizeBytes)
		}
		if db.Source != nil {
			details += ", from " + db.Source.String()
		}
		fmt.Fprintf(stdout, "  %-30s %s\n", "", ui.DimText(details))
	}
	return nil
}
