package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
)

// versionPattern matches the first dotted version in `version` output, either
// the bare terse form ("2.19.3") or the verbose banner ("... release 2.19.3.").
var versionPattern = regexp.MustCompile(`\bv?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?)`)

// ParseEngineVersion extracts the semantic version from engine output. The
// raw trimmed output is returned even when parsing fails.
func ParseEngineVersion(output string) (*semver.Version, string, error) {
	raw := strings.TrimSpace(output)
	m := versionPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, raw, errdefs.Newf(errdefs.KindProtocol, "parse engine version", "no version in output %q", truncate(raw, 120))
	}
	v, err := semver.NewVersion(strings.TrimSuffix(m[1], "."))
	if err != nil {
		return nil, raw, errdefs.New(errdefs.KindProtocol, "parse engine version", err)
	}
	return v, raw, nil
}

// ParseEngineLanguages reads `resolve languages` output: a JSON object keyed
// by extractor name, a JSON array, or a comma/whitespace separated list.
// Extractors that are not database languages (html, xml, yaml, ...) are
// dropped.
func ParseEngineLanguages(output string) (entities.LanguageSet, error) {
	tokens, err := languageTokens(strings.TrimSpace(output))
	if err != nil {
		return entities.LanguageSet{}, err
	}
	if len(tokens) == 0 {
		return entities.LanguageSet{}, errdefs.Newf(errdefs.KindProtocol, "parse engine languages", "no languages in output")
	}

	langs := make([]entities.Language, 0, len(tokens))
	for _, tok := range tokens {
		if l, err := entities.ParseLanguage(tok); err == nil {
			langs = append(langs, l)
		}
	}
	return entities.NewLanguageSet(langs...), nil
}

func languageTokens(out string) ([]string, error) {
	switch {
	case strings.HasPrefix(out, "{"):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(out), &obj); err != nil {
			return nil, errdefs.New(errdefs.KindProtocol, "parse engine languages", err)
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	case strings.HasPrefix(out, "["):
		var arr []string
		if err := json.Unmarshal([]byte(out), &arr); err != nil {
			return nil, errdefs.New(errdefs.KindProtocol, "parse engine languages", err)
		}
		return arr, nil
	default:
		return strings.FieldsFunc(out, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
		}), nil
	}
}

// suiteShortcuts are expanded to the language pack's suite file
var suiteShortcuts = map[string]bool{
	"default":              true,
	"code-scanning":        true,
	"security-extended":    true,
	"security-and-quality": true,
}

// ResolveQueries turns an analyze query argument into what the engine
// expects. Empty selects the language's standard pack; a suite shortcut
// selects that suite inside the pack; anything else passes through.
func ResolveQueries(lang entities.Language, queries string) string {
	queries = strings.TrimSpace(queries)
	pack := fmt.Sprintf("codeql/%s-queries", lang)
	switch {
	case queries == "":
		return pack
	case suiteShortcuts[queries]:
		return fmt.Sprintf("%s:codeql-suites/%s-%s.qls", pack, lang, queries)
	default:
		return queries
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
