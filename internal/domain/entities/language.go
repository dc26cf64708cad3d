package entities

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ochairo/qldb/internal/domain/errdefs"
)

// Language is a language the scanning engine can extract
type Language string

// Supported languages
const (
	LanguageActions    Language = "actions"
	LanguageCpp        Language = "cpp"
	LanguageCSharp     Language = "csharp"
	LanguageGo         Language = "go"
	LanguageJava       Language = "java"
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageRuby       Language = "ruby"
	LanguageRust       Language = "rust"
	LanguageSwift      Language = "swift"
)

var languagePretty = map[Language]string{
	LanguageActions:    "GitHub Actions",
	LanguageCpp:        "C/C++",
	LanguageCSharp:     "C#",
	LanguageGo:         "Go",
	LanguageJava:       "Java/Kotlin",
	LanguageJavaScript: "JavaScript/TypeScript",
	LanguagePython:     "Python",
	LanguageRuby:       "Ruby",
	LanguageRust:       "Rust",
	LanguageSwift:      "Swift",
}

var languageAliases = map[string]Language{
	"c":                     LanguageCpp,
	"c-cpp":                 LanguageCpp,
	"c++":                   LanguageCpp,
	"kotlin":                LanguageJava,
	"java-kotlin":           LanguageJava,
	"typescript":            LanguageJavaScript,
	"javascript-typescript": LanguageJavaScript,
	"c#":                    LanguageCSharp,
}

// ParseLanguage normalizes a language name or alias.
func ParseLanguage(s string) (Language, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if l, ok := languageAliases[name]; ok {
		return l, nil
	}
	l := Language(name)
	if _, ok := languagePretty[l]; ok {
		return l, nil
	}
	return "", errdefs.New(errdefs.KindParse, "parse language", fmt.Errorf("unknown language %q", s))
}

// AllLanguages returns every known language in lexical order.
func AllLanguages() []Language {
	out := make([]Language, 0, len(languagePretty))
	for l := range languagePretty {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether l is a known language.
func (l Language) Valid() bool {
	_, ok := languagePretty[l]
	return ok
}

// Pretty returns the display name.
func (l Language) Pretty() string {
	if p, ok := languagePretty[l]; ok {
		return p
	}
	return string(l)
}

func (l Language) String() string { return string(l) }

// LanguageSet is an immutable set of languages.
type LanguageSet struct {
	m map[Language]struct{}
}

// NewLanguageSet builds a set from langs.
func NewLanguageSet(langs ...Language) LanguageSet {
	m := make(map[Language]struct{}, len(langs))
	for _, l := range langs {
		m[l] = struct{}{}
	}
	return LanguageSet{m: m}
}

// Contains reports whether l is in the set.
func (s LanguageSet) Contains(l Language) bool {
	_, ok := s.m[l]
	return ok
}

// Len returns the number of languages.
func (s LanguageSet) Len() int { return len(s.m) }

// Slice returns the languages in lexical order.
func (s LanguageSet) Slice() []Language {
	out := make([]Language, 0, len(s.m))
	for l := range s.m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
