package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ochairo/qldb/internal/ui"
)

func runLanguages(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("languages", `Usage: qldb languages [options]

List the languages the local engine can extract.
`, &g)
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	if err := parse(fs, args); err != nil {
		return err
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	langs, err := a.manager.Languages(ctx)
	if err != nil {
		return err
	}

	if *jsonOutput {
		names := make([]string, 0, langs.Len())
		for _, l := range langs.Slice() {
			names = append(names, string(l))
		}
		return json.NewEncoder(stdout).Encode(names)
	}

	ui.Header(fmt.Sprintf("Supported languages (%d)", langs.Len()))
	for _, l := range langs.Slice() {
		fmt.Fprintf(stdout, "  %-12s %s\n", ui.Label(string(l)), l.Pretty())
	}
	return nil
}
