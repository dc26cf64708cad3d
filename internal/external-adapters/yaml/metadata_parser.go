// Package yaml provides YAML codecs for database metadata and source manifests.
package yaml

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"gopkg.in/yaml.v3"
)

// yamlMetadata represents the raw codeql-database.yml structure
type yamlMetadata struct {
	SourceLocationPrefix string                `yaml:"sourceLocationPrefix"`
	PrimaryLanguage      string                `yaml:"primaryLanguage"`
	BaselineLinesOfCode  int                   `yaml:"baselineLinesOfCode"`
	UnicodeNewlines      bool                  `yaml:"unicodeNewlines"`
	ColumnKind           string                `yaml:"columnKind"`
	CreationMetadata     *yamlCreationMetadata `yaml:"creationMetadata"`
	BuildMode            string                `yaml:"buildMode"`
	Finalised            *bool                 `yaml:"finalised"`
}

type yamlCreationMetadata struct {
	SHA          string `yaml:"sha"`
	CLIVersion   string `yaml:"cliVersion"`
	CreationTime string `yaml:"creationTime"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// MetadataParser parses engine metadata files
type MetadataParser struct{}

// NewMetadataParser creates a new metadata parser
func NewMetadataParser() *MetadataParser {
	return &MetadataParser{}
}

// ParseFile parses a metadata file into a DatabaseMetadata entity
func (p *MetadataParser) ParseFile(filePath string) (*entities.DatabaseMetadata, error) {
	//nolint:gosec // G304: filePath is a database directory discovered by the store
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	return p.Parse(data)
}

// Parse parses YAML bytes into a DatabaseMetadata entity
func (p *MetadataParser) Parse(data []byte) (*entities.DatabaseMetadata, error) {
	var raw yamlMetadata
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if raw.PrimaryLanguage == "" {
		return nil, fmt.Errorf("metadata must have a primaryLanguage")
	}

	md := &entities.DatabaseMetadata{
		SourceLocationPrefix: raw.SourceLocationPrefix,
		PrimaryLanguage:      raw.PrimaryLanguage,
		BaselineLinesOfCode:  raw.BaselineLinesOfCode,
		UnicodeNewlines:      raw.UnicodeNewlines,
		ColumnKind:           raw.ColumnKind,
		BuildMode:            raw.BuildMode,
		Finalised:            raw.Finalised,
	}

	if raw.CreationMetadata != nil {
		creation, err := convertCreation(raw.CreationMetadata)
		if err != nil {
			return nil, err
		}
		md.Creation = creation
	}

	return md, nil
}

func convertCreation(yc *yamlCreationMetadata) (*entities.CreationMetadata, error) {
	c := &entities.CreationMetadata{
		SHA:        yc.SHA,
		CLIVersion: yc.CLIVersion,
	}
	if yc.CreationTime == "" {
		return c, nil
	}
	t, err := parseTime(yc.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("invalid creationTime: %w", err)
	}
	c.CreationTime = t
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
