package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"gopkg.in/yaml.v3"
)

// yamlSourceManifest represents the raw .qldb-source.yml structure
type yamlSourceManifest struct {
	Repository   string `yaml:"repository"`
	DescriptorID int64  `yaml:"descriptor_id,omitempty"`
	SHA256       string `yaml:"sha256,omitempty"`
	DownloadedAt string `yaml:"downloaded_at,omitempty"`
}

// MarshalSourceManifest encodes m as YAML
func MarshalSourceManifest(m *entities.SourceManifest) ([]byte, error) {
	raw := yamlSourceManifest{
		Repository:   m.Repository.String(),
		DescriptorID: m.DescriptorID,
		SHA256:       m.SHA256,
	}
	if !m.DownloadedAt.IsZero() {
		raw.DownloadedAt = m.DownloadedAt.UTC().Format(time.RFC3339)
	}
	data, err := yaml.Marshal(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source manifest: %w", err)
	}
	return data, nil
}

// UnmarshalSourceManifest decodes a source manifest
func UnmarshalSourceManifest(data []byte) (*entities.SourceManifest, error) {
	var raw yamlSourceManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ref, err := entities.ParseRepositoryRef(raw.Repository)
	if err != nil {
		return nil, err
	}

	m := &entities.SourceManifest{
		Repository:   ref,
		DescriptorID: raw.DescriptorID,
		SHA256:       raw.SHA256,
	}
	if raw.DownloadedAt != "" {
		t, err := parseTime(raw.DownloadedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid downloaded_at: %w", err)
		}
		m.DownloadedAt = t
	}
	return m, nil
}

// MetadataRepository implements repositories.MetadataRepository on YAML files
type MetadataRepository struct {
	parser *MetadataParser
}

// NewMetadataRepository creates a new YAML-based metadata repository
func NewMetadataRepository() *MetadataRepository {
	return &MetadataRepository{parser: NewMetadataParser()}
}

// ReadMetadata parses the engine metadata file in dir
func (r *MetadataRepository) ReadMetadata(dir string) (*entities.DatabaseMetadata, error) {
	return r.parser.ParseFile(filepath.Join(dir, entities.MetadataFileName))
}

// ReadSourceManifest parses the source manifest in dir
func (r *MetadataRepository) ReadSourceManifest(dir string) (*entities.SourceManifest, error) {
	//nolint:gosec // G304: dir is a database directory discovered by the store
	data, err := os.ReadFile(filepath.Join(dir, entities.SourceManifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source manifest: %w", err)
	}
	return UnmarshalSourceManifest(data)
}

// WriteSourceManifest records where the database in dir came from
func (r *MetadataRepository) WriteSourceManifest(dir string, m *entities.SourceManifest) error {
	data, err := MarshalSourceManifest(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, entities.SourceManifestFileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write source manifest: %w", err)
	}
	return nil
}
