package gateways

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/ochairo/qldb/internal/domain/interfaces"
)

// ArchiveBundler packs a database directory into a tar.gz that
// ArchiveExtractor (and the remote download path) can unpack again
type ArchiveBundler struct {
	logger interfaces.Logger
}

// NewArchiveBundler creates a new bundler
func NewArchiveBundler(logger interfaces.Logger) *ArchiveBundler {
	return &ArchiveBundler{logger: interfaces.OrNoOp(logger)}
}

// Bundle writes sourceDir to tarballPath with every entry under prefix.
// Directories named in skip (relative to sourceDir) are left out.
func (b *ArchiveBundler) Bundle(sourceDir, tarballPath, prefix string, skip ...string) (err error) {
	if err := os.MkdirAll(filepath.Dir(tarballPath), 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	//nolint:gosec // G304: tarballPath is the requested bundle output
	file, err := os.Create(tarballPath)
	if err != nil {
		return fmt.Errorf("failed to create tarball file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close tarball: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(tarballPath)
		}
	}()

	gzipWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzipWriter)

	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[filepath.Clean(s)] = true
	}

	walkErr := filepath.Walk(sourceDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}
		if info.IsDir() && skipped[relPath] {
			return filepath.SkipDir
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			b.logger.Debug("Skipping non-regular file", interfaces.F("path", p))
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = path.Join(prefix, filepath.ToSlash(relPath))
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if info.IsDir() {
			return nil
		}
		return copyInto(tarWriter, p)
	})
	if walkErr != nil {
		return walkErr
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func copyInto(w io.Writer, p string) error {
	//nolint:gosec // G304: path from filepath.Walk over the database directory
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}
