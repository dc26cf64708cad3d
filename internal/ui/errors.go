package ui

import (
	"strings"

	"github.com/fatih/color"

	"github.com/ochairo/qldb/internal/domain/errdefs"
)

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorFix   = color.New(color.FgGreen)
)

// fixes suggests a next step per error kind
var fixes = map[errdefs.Kind]string{
	errdefs.KindSpawn:               "Install the engine or set CODEQL_PATH / CODEQL_BINARY",
	errdefs.KindProtocol:            "Check that the configured executable is the analysis engine",
	errdefs.KindUnsupportedLanguage: "Run 'qldb languages' to see what the engine can extract",
	errdefs.KindTimeout:             "Raise the timeout in the config file",
	errdefs.KindNetwork:             "Check GITHUB_TOKEN and network access, then retry",
	errdefs.KindIntegrity:           "The download was rejected; retry or report the published artifact",
	errdefs.KindInvalidDatabase:     "Recreate the database with 'qldb create --overwrite'",
	errdefs.KindNotFound:            "Check the repository name, or allow --remote / --create",
	errdefs.KindUnavailable:         "Allow more strategies with --remote or --create --source",
	errdefs.KindParse:               "Run the command with --help for usage",
}

// FormatError renders err for the terminal with a suggested fix.
func FormatError(err error) string {
	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(err.Error())
	out.WriteString("\n")

	if fix, ok := fixes[errdefs.KindOf(err)]; ok {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(fix)
		out.WriteString("\n")
	}
	return out.String()
}
