package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/external-adapters/yaml"
	"github.com/stretchr/testify/require"
)

// writeDatabase lays out a minimal valid database for lang under dir.
func writeDatabase(t *testing.T, dir string, lang entities.Language) {
	t.Helper()
	writeDatabaseMetadata(t, dir, fmt.Sprintf("primaryLanguage: %s\nbaselineLinesOfCode: 120\ncreationMetadata:\n  cliVersion: 2.19.3\n  creationTime: 2025-01-02T03:04:05Z\nfinalised: true\n", lang))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, entities.ResultsDirPrefix+string(lang), "default"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entities.ResultsDirPrefix+string(lang), "default", "cache"), []byte("0123456789"), 0o600))
}

func writeDatabaseMetadata(t *testing.T, dir, doc string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entities.MetadataFileName), []byte(doc), 0o600))
}

func newTestStore() *DatabaseStore {
	return NewDatabaseStore(yaml.NewMetadataRepository(), nil)
}

// fakeRunner records invocations and answers from a handler.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []entities.ProcessSpec
	handler func(spec entities.ProcessSpec) (*entities.ProcessResult, error)
}

func (f *fakeRunner) Run(_ context.Context, spec entities.ProcessSpec) (*entities.ProcessResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()
	if f.handler == nil {
		return &entities.ProcessResult{}, nil
	}
	return f.handler(spec)
}

func (f *fakeRunner) Calls() []entities.ProcessSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entities.ProcessSpec, len(f.calls))
	copy(out, f.calls)
	return out
}

// subcommands returns the leading non-flag words of each call.
func (f *fakeRunner) subcommands() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, subcommandOf(c.Args))
	}
	return out
}

func subcommandOf(args []string) string {
	var words []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		words = append(words, a)
	}
	return strings.Join(words, " ")
}

// engineHandler simulates a working engine supporting langs. Database
// creation lays out a valid database at the output path.
func engineHandler(t *testing.T, langs ...entities.Language) func(entities.ProcessSpec) (*entities.ProcessResult, error) {
	return func(spec entities.ProcessSpec) (*entities.ProcessResult, error) {
		switch subcommandOf(spec.Args) {
		case "version":
			return &entities.ProcessResult{Stdout: "2.19.3\n"}, nil
		case "resolve languages":
			names := make([]string, len(langs))
			for i, l := range langs {
				names[i] = fmt.Sprintf("%q: []", l)
			}
			return &entities.ProcessResult{Stdout: "{" + strings.Join(names, ",") + "}"}, nil
		case "database create":
			out := spec.Args[len(spec.Args)-1]
			lang := argValue(spec.Args, "-l")
			writeDatabase(t, out, entities.Language(lang))
			return &entities.ProcessResult{}, nil
		case "database analyze":
			out := argValue(spec.Args, "--output")
			require.NoError(t, os.WriteFile(out, []byte(`{"runs": []}`), 0o600))
			return &entities.ProcessResult{}, nil
		default:
			return nil, errdefs.Newf(errdefs.KindSpawn, "fake", "unexpected args %v", spec.Args)
		}
	}
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
