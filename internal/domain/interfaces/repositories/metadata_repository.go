// Package repositories defines interfaces for data access layers.
package repositories

import (
	"github.com/ochairo/qldb/internal/domain/entities"
)

// MetadataRepository reads and writes the files that describe a database
// directory
type MetadataRepository interface {
	// ReadMetadata parses the engine metadata file in dir
	ReadMetadata(dir string) (*entities.DatabaseMetadata, error)

	// ReadSourceManifest parses the source manifest in dir; a missing file
	// returns (nil, nil)
	ReadSourceManifest(dir string) (*entities.SourceManifest, error)

	// WriteSourceManifest records where the database in dir came from
	WriteSourceManifest(dir string, m *entities.SourceManifest) error
}
