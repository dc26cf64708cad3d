package gateways

// ArchiveExtractor unpacks a downloaded artifact into a directory
type ArchiveExtractor interface {
	Extract(archivePath, destDir string) error
}

// ArchiveBundler packs a directory into a tar.gz artifact. Every entry is
// placed under prefix; directories named in skip are left out.
type ArchiveBundler interface {
	Bundle(sourceDir, tarballPath, prefix string, skip ...string) error
}
