package entities

import (
	"testing"

	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		input string
		want  Language
	}{
		{"go", LanguageGo},
		{" Python ", LanguagePython},
		{"c", LanguageCpp},
		{"c-cpp", LanguageCpp},
		{"kotlin", LanguageJava},
		{"java-kotlin", LanguageJava},
		{"typescript", LanguageJavaScript},
		{"javascript-typescript", LanguageJavaScript},
		{"actions", LanguageActions},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLanguage(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLanguage("cobol")
	assert.ErrorIs(t, err, errdefs.ErrParse)
}

func TestLanguage_Pretty(t *testing.T) {
	assert.Equal(t, "C/C++", LanguageCpp.Pretty())
	assert.Equal(t, "Go", LanguageGo.Pretty())
	assert.True(t, LanguageSwift.Valid())
	assert.False(t, Language("cobol").Valid())
}

func TestAllLanguages(t *testing.T) {
	all := AllLanguages()
	assert.Len(t, all, 10)
	assert.Equal(t, LanguageActions, all[0])
	assert.Equal(t, LanguageSwift, all[len(all)-1])
}

func TestLanguageSet(t *testing.T) {
	set := NewLanguageSet(LanguagePython, LanguageGo, LanguagePython)
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains(LanguageGo))
	assert.False(t, set.Contains(LanguageRust))
	assert.Equal(t, []Language{LanguageGo, LanguagePython}, set.Slice())

	var empty LanguageSet
	assert.False(t, empty.Contains(LanguageGo))
	assert.NotNil(t, empty.Slice())
}
