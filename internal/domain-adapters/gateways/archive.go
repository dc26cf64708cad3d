package gateways

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ochairo/qldb/internal/domain/interfaces"
)

// maxEntrySize bounds a single extracted file (decompression bombs)
const maxEntrySize int64 = 8 << 30

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// ArchiveExtractor unpacks zip and tar.gz artifacts
type ArchiveExtractor struct {
	logger   interfaces.Logger
	maxEntry int64
}

// NewArchiveExtractor creates a new archive extractor
func NewArchiveExtractor(logger interfaces.Logger) *ArchiveExtractor {
	return &ArchiveExtractor{logger: interfaces.OrNoOp(logger), maxEntry: maxEntrySize}
}

// Extract unpacks archivePath into destDir. The format is detected from the
// file's leading bytes.
func (e *ArchiveExtractor) Extract(archivePath, destDir string) error {
	//nolint:gosec // G304: archivePath is a staging file we created
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	_ = f.Close()
	head = head[:n]

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return e.extractZip(archivePath, destDir)
	case bytes.HasPrefix(head, gzipMagic):
		return e.extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unrecognized archive format")
	}
}

// safeJoin resolves name under root and rejects entries escaping it.
func safeJoin(root, name string) (string, error) {
	//nolint:gosec // G305: traversal checked below
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path in archive: %s", name)
	}
	return target, nil
}

func (e *ArchiveExtractor) extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	//nolint:errcheck // Defer close on read-only archive
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", zf.Name, err)
			}
			err = e.writeFile(target, rc, mode.Perm())
			_ = rc.Close()
			if err != nil {
				return err
			}
		default:
			e.logger.Debug("Skipping archive entry", interfaces.F("name", zf.Name), interfaces.F("mode", mode.String()))
		}
	}
	return nil
}

func (e *ArchiveExtractor) extractTarGz(archivePath, destDir string) error {
	//nolint:gosec // G304: archivePath is a staging file we created
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open tar.gz: %w", err)
	}
	//nolint:errcheck // Defer close on read-only file
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	//nolint:errcheck // Defer close on gzip reader
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			//nolint:gosec // G115: tar header mode fits in FileMode
			if err := e.writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		default:
			e.logger.Debug("Skipping archive entry", interfaces.F("name", header.Name), interfaces.F("type", string(header.Typeflag)))
		}
	}
}

// writeFile copies r to target. An entry larger than the limit is an error
// and leaves no partial file behind.
func (e *ArchiveExtractor) writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if perm == 0 {
		perm = 0o600
	}
	//nolint:gosec // G304: target validated by safeJoin
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(r, e.maxEntry+1))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if n > e.maxEntry {
		_ = os.Remove(target)
		return fmt.Errorf("archive entry %s exceeds %d bytes", filepath.Base(target), e.maxEntry)
	}
	return nil
}
