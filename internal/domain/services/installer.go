package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
)

// distributionDir is the top-level directory of the engine release archive
const distributionDir = "codeql"

// EngineInstaller downloads released engine distributions into a managed
// directory
type EngineInstaller struct {
	releases  *ReleaseChecker
	github    gateways.GitHubGateway
	extractor gateways.ArchiveExtractor
	checksums gateways.ChecksumVerifier
	retry     RetryPolicy
	logger    interfaces.Logger
	goos      string
}

// NewEngineInstaller creates an engine installer for the running platform
func NewEngineInstaller(
	releases *ReleaseChecker,
	github gateways.GitHubGateway,
	extractor gateways.ArchiveExtractor,
	checksums gateways.ChecksumVerifier,
	retry RetryPolicy,
	logger interfaces.Logger,
) *EngineInstaller {
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	return &EngineInstaller{
		releases:  releases,
		github:    github,
		extractor: extractor,
		checksums: checksums,
		retry:     retry,
		logger:    interfaces.OrNoOp(logger),
		goos:      runtime.GOOS,
	}
}

// Installation describes an installed engine distribution
type Installation struct {
	Version string
	Dir     string
	Binary  string
}

// assetName returns the release asset holding the distribution for goos
func assetName(goos string) (string, error) {
	switch goos {
	case "linux":
		return "codeql-linux64.zip", nil
	case "darwin":
		return "codeql-osx64.zip", nil
	case "windows":
		return "codeql-win64.zip", nil
	default:
		return "", fmt.Errorf("no engine distribution for %s", goos)
	}
}

// Install downloads the release tagged version ("latest" for the newest) and
// installs its distribution at dir, so that dir holds the executable. An
// existing installation is replaced only after the new one unpacked cleanly.
func (i *EngineInstaller) Install(ctx context.Context, version, dir string) (*Installation, error) {
	const op = "install engine"

	name, err := assetName(i.goos)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSpawn, op, err)
	}

	release, v, err := i.releases.release(ctx, version)
	if err != nil {
		return nil, err
	}
	asset, ok := release.asset(name)
	if !ok || asset.DownloadURL == "" {
		return nil, errdefs.Newf(errdefs.KindNotFound, op, "release %s has no %s asset", release.TagName, name)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err).WithPath(dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, fmt.Errorf("failed to create parent directory: %w", err)).WithPath(dir)
	}

	staging := filepath.Join(filepath.Dir(dir), stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, fmt.Errorf("failed to create staging directory: %w", err)).WithPath(staging)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			i.logger.Warn("Failed to remove staging directory", interfaces.F("path", staging), interfaces.F("error", err))
		}
	}()

	i.logger.Info("Downloading engine",
		interfaces.F("version", v.String()),
		interfaces.F("asset", name),
		interfaces.F("size", asset.Size))

	archive := filepath.Join(staging, name)
	if err := downloadTo(ctx, i.github, i.retry, i.logger, asset.DownloadURL, "application/octet-stream", archive); err != nil {
		return nil, err
	}
	if asset.Digest != "" && strings.HasPrefix(asset.Digest, "sha256:") {
		if err := i.checksums.VerifyChecksum(ctx, archive, asset.Digest); err != nil {
			if errors.Is(err, errdefs.ErrIntegrity) {
				return nil, err
			}
			return nil, errdefs.New(errdefs.KindIntegrity, op, err).WithPath(archive)
		}
	}

	extracted := filepath.Join(staging, "extracted")
	if err := i.extractor.Extract(archive, extracted); err != nil {
		return nil, errdefs.New(errdefs.KindIntegrity, op, err).WithPath(asset.DownloadURL)
	}
	dist := filepath.Join(extracted, distributionDir)
	if !isFile(filepath.Join(dist, executableName())) {
		return nil, errdefs.Newf(errdefs.KindIntegrity, op, "archive has no %s/%s", distributionDir, executableName()).WithPath(asset.DownloadURL)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("install engine %s: %w", v, err)
	}
	if err := install(dist, dir, staging); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, err).WithPath(dir)
	}

	inst := &Installation{
		Version: v.String(),
		Dir:     dir,
		Binary:  filepath.Join(dir, executableName()),
	}
	i.logger.Info("Engine installed", interfaces.F("version", inst.Version), interfaces.F("path", inst.Binary))
	return inst, nil
}
