package entities

import (
	"fmt"
	"path/filepath"
	"time"
)

// Layout of an engine database directory.
const (
	// MetadataFileName is the metadata file at the root of every database
	MetadataFileName = "codeql-database.yml"
	// ResultsDirPrefix prefixes the per-language dataset directory (db-python, ...)
	ResultsDirPrefix = "db-"
	// SourceManifestFileName records where a downloaded database came from
	SourceManifestFileName = ".qldb-source.yml"
)

// DatabaseMetadata is the engine-written metadata file
type DatabaseMetadata struct {
	SourceLocationPrefix string
	PrimaryLanguage      string
	BaselineLinesOfCode  int
	UnicodeNewlines      bool
	ColumnKind           string
	BuildMode            string
	// Finalised is nil when the engine did not record the flag
	Finalised *bool
	Creation  *CreationMetadata
}

// CreationMetadata describes the engine run that produced a database
type CreationMetadata struct {
	SHA          string
	CLIVersion   string
	CreationTime time.Time
}

// IsFinalised reports whether creation completed. Missing flags count as
// finalised; older engines never wrote one.
func (m *DatabaseMetadata) IsFinalised() bool {
	return m.Finalised == nil || *m.Finalised
}

// Database is a scanning artifact, on disk or remote
type Database struct {
	Name     string
	Language Language
	// Path is the absolute database directory; empty for remote databases
	Path string
	// Source is the repository the database was built from, if known
	Source    *RepositoryRef
	CreatedAt time.Time
	// SizeBytes is filled lazily by the store
	SizeBytes *int64
	Metadata  *DatabaseMetadata
}

// Key identifies a database within a collection
type Key struct {
	Name     string
	Language Language
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Name, k.Language)
}

// Key returns the collection key of the database
func (d *Database) Key() Key {
	return Key{Name: d.Name, Language: d.Language}
}

// IsLocal reports whether the database lives on disk
func (d *Database) IsLocal() bool {
	return d.Path != ""
}

// MetadataPath returns the path of the metadata file
func (d *Database) MetadataPath() string {
	return filepath.Join(d.Path, MetadataFileName)
}

// CLIVersion returns the engine version that created the database, or "0.0.0"
func (d *Database) CLIVersion() string {
	if d.Metadata != nil && d.Metadata.Creation != nil && d.Metadata.Creation.CLIVersion != "" {
		return d.Metadata.Creation.CLIVersion
	}
	return "0.0.0"
}

// LinesOfCode returns the baseline lines of code recorded by the engine
func (d *Database) LinesOfCode() int {
	if d.Metadata == nil {
		return 0
	}
	return d.Metadata.BaselineLinesOfCode
}

func (d *Database) String() string {
	if v := d.CLIVersion(); v != "0.0.0" {
		return fmt.Sprintf("Database(%s, %s, %s)", d.Name, d.Language, v)
	}
	return fmt.Sprintf("Database(%s, %s)", d.Name, d.Language)
}
