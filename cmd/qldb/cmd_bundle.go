package main

import (
	"context"

	"github.com/ochairo/qldb/internal/ui"
)

func runBundle(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("bundle", `Usage: qldb bundle [options] <database-dir>

Pack a database into a tar.gz archive that 'qldb download' style extraction
can unpack. Engine logs and scratch files are left out.

Examples:
  qldb bundle ~/.codeql/databases/acme/widgets/python
  qldb bundle -o dist/widgets-python.tar.gz ./widgets-db
`, &g)
	output := fs.StringP("output", "o", "", "Archive path (default: ./<name>-<language>.tar.gz)")

	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("bundle", "expected one database directory")
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	db, err := a.manager.Bundle(ctx, fs.Arg(0), *output)
	if err != nil {
		return err
	}
	path := *output
	if path == "" {
		path = db.Name + "-" + string(db.Language) + ".tar.gz"
	}
	ui.Successf("Bundled %s", db.Key())
	printPath(path)
	return nil
}
