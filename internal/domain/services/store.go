package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/repositories"
)

const (
	// maxScanDepth is how far below a root databases are searched for
	// (<root>/<owner>/<name>/<language>)
	maxScanDepth = 3
	// stagingPrefix marks in-progress downloads, which scans ignore
	stagingPrefix = ".qldb-"
)

// DatabaseStore discovers and validates databases on disk
type DatabaseStore struct {
	metadata repositories.MetadataRepository
	logger   interfaces.Logger
}

// NewDatabaseStore creates a store reading metadata through repo
func NewDatabaseStore(repo repositories.MetadataRepository, logger interfaces.Logger) *DatabaseStore {
	return &DatabaseStore{
		metadata: repo,
		logger:   interfaces.OrNoOp(logger),
	}
}

// DefaultPath returns <root>/<owner>/<name>/<language>
func DefaultPath(root string, ref entities.RepositoryRef, lang entities.Language) string {
	return filepath.Join(root, ref.Owner(), ref.Name(), string(lang))
}

// Scan walks root in lexical order and returns every valid database found.
// Invalid candidates are skipped; only an inaccessible root is an error.
func (s *DatabaseStore) Scan(ctx context.Context, root string) (*entities.DatabaseCollection, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNotFound, "scan", err).WithPath(root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNotFound, "scan", err).WithPath(abs)
	}
	if !info.IsDir() {
		return nil, errdefs.Newf(errdefs.KindNotFound, "scan", "not a directory").WithPath(abs)
	}

	collection := entities.NewDatabaseCollection()
	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == abs {
				return err
			}
			s.logger.Debug("Skipping unreadable path", interfaces.F("path", path), interfaces.F("error", err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.IsDir() {
			return nil
		}
		if path != abs && strings.HasPrefix(d.Name(), stagingPrefix) {
			return filepath.SkipDir
		}

		if fileExists(filepath.Join(path, entities.MetadataFileName)) {
			db, err := s.Load(path)
			if err != nil {
				s.logger.Debug("Skipping invalid database", interfaces.F("path", path), interfaces.F("error", err))
			} else {
				collection.Add(db)
			}
			return filepath.SkipDir
		}

		if depth(abs, path) >= maxScanDepth {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("scan %s: %w", abs, walkErr)
		}
		return nil, errdefs.New(errdefs.KindNotFound, "scan", walkErr).WithPath(abs)
	}

	s.logger.Debug("Scanned databases", interfaces.F("root", abs), interfaces.F("count", collection.Len()))
	return collection, nil
}

// Locate is an exact (name, language) lookup
func (s *DatabaseStore) Locate(c *entities.DatabaseCollection, name string, lang entities.Language) (*entities.Database, bool) {
	if c == nil {
		return nil, false
	}
	return c.Get(name, lang)
}

// Validate checks that path holds a complete database
func (s *DatabaseStore) Validate(path string) error {
	_, err := s.Load(path)
	return err
}

// Load reads and validates the database at path. A database is valid when
// it has a metadata file naming a known language, at least one db-<lang>
// directory, and creation was not left unfinished.
func (s *DatabaseStore) Load(path string) (*entities.Database, error) {
	const op = "load database"

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidDatabase, op, err).WithPath(path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidDatabase, op, err).WithPath(abs)
	}
	if !info.IsDir() {
		return nil, errdefs.Newf(errdefs.KindInvalidDatabase, op, "not a directory").WithPath(abs)
	}
	if !fileExists(filepath.Join(abs, entities.MetadataFileName)) {
		return nil, errdefs.Newf(errdefs.KindInvalidDatabase, op, "missing %s", entities.MetadataFileName).WithPath(abs)
	}
	if !hasResultsDir(abs) {
		return nil, errdefs.Newf(errdefs.KindInvalidDatabase, op, "missing %s<language> directory", entities.ResultsDirPrefix).WithPath(abs)
	}

	md, err := s.metadata.ReadMetadata(abs)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidDatabase, op, err).WithPath(abs)
	}
	lang, err := entities.ParseLanguage(md.PrimaryLanguage)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidDatabase, op, err).WithPath(abs)
	}
	if !md.IsFinalised() {
		return nil, errdefs.Newf(errdefs.KindInvalidDatabase, op, "database is not finalised").WithPath(abs)
	}

	db := &entities.Database{
		Language:  lang,
		Path:      abs,
		Metadata:  md,
		CreatedAt: info.ModTime().UTC(),
	}
	if md.Creation != nil && !md.Creation.CreationTime.IsZero() {
		db.CreatedAt = md.Creation.CreationTime
	}

	manifest, err := s.metadata.ReadSourceManifest(abs)
	if err != nil {
		s.logger.Debug("Ignoring unreadable source manifest", interfaces.F("path", abs), interfaces.F("error", err))
	}
	if manifest != nil {
		ref := manifest.Repository
		db.Source = &ref
		db.Name = ref.Name()
	} else {
		db.Name = deriveName(abs, lang)
	}

	return db, nil
}

// RecordSource writes the source manifest of the database at path
func (s *DatabaseStore) RecordSource(path string, m *entities.SourceManifest) error {
	if err := s.metadata.WriteSourceManifest(path, m); err != nil {
		return errdefs.New(errdefs.KindUnknown, "record source", err).WithPath(path)
	}
	return nil
}

// Measure fills db.SizeBytes with the total size of its files
func (s *DatabaseStore) Measure(db *entities.Database) error {
	if !db.IsLocal() {
		return errdefs.Newf(errdefs.KindInvalidDatabase, "measure", "database %s is not on disk", db.Key())
	}
	var total int64
	err := filepath.WalkDir(db.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return errdefs.New(errdefs.KindInvalidDatabase, "measure", err).WithPath(db.Path)
	}
	db.SizeBytes = &total
	return nil
}

// deriveName names a database from its directory. Databases stored as
// .../<name>/<language> take the parent's name.
func deriveName(path string, lang entities.Language) string {
	base := filepath.Base(path)
	if l, err := entities.ParseLanguage(base); err == nil && l == lang {
		parent := filepath.Base(filepath.Dir(path))
		if parent != string(filepath.Separator) && parent != "." {
			return parent
		}
	}
	return base
}

func hasResultsDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), entities.ResultsDirPrefix) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
