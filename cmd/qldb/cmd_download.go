package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/ui"
)

func runDownload(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("download", `Usage: qldb download [options] <owner/name[@ref]>

Download the newest database published for a repository. A branch or commit
after '@' restricts the candidates.

Examples:
  qldb download --list acme/widgets
  qldb download -l python acme/widgets
  qldb download -l go -o ./widgets-db acme/widgets@0123456789abcdef0123456789abcdef01234567
`, &g)
	language := fs.StringP("language", "l", "", "Language to download (required unless --list)")
	output := fs.StringP("output", "o", "", "Destination (default: <databases root>/<owner>/<name>/<language>)")
	list := fs.Bool("list", false, "List published databases instead of downloading")
	jsonOutput := fs.Bool("json", false, "With --list, output as JSON")

	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("download", "expected one repository")
	}
	ref, err := entities.ParseRepositoryRef(fs.Arg(0))
	if err != nil {
		return err
	}
	if !*list && *language == "" {
		return usageError("download", "--language is required")
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	if *list {
		descriptors, err := a.manager.ListRemote(ctx, ref)
		if err != nil {
			return err
		}
		if *jsonOutput {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(descriptors)
		}
		if len(descriptors) == 0 {
			ui.Info("No databases published for " + ref.String())
			return nil
		}
		ui.Header(fmt.Sprintf("Published databases for %s (%d)", ref.FullName(), len(descriptors)))
		for _, d := range descriptors {
			fmt.Fprintf(stdout, "  %-12s %-10s %s  %s\n",
				ui.Label(d.Language), ui.FormatSize(d.Size), d.CreatedAt.Format("2006-01-02 15:04"), ui.DimText(d.CommitOID))
		}
		return nil
	}

	lang, err := entities.ParseLanguage(*language)
	if err != nil {
		return err
	}
	ui.Infof("Downloading %s database for %s", lang.Pretty(), ref)
	db, err := a.manager.Download(ctx, ref, lang, *output)
	if err != nil {
		return err
	}
	ui.Successf("Downloaded %s", db.Key())
	printPath(db.Path)
	return nil
}
