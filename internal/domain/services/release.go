package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
)

// engineReleasesPath is the release feed of the engine's binary distribution
const engineReleasesPath = "repos/github/codeql-cli-binaries/releases"

// LatestRelease selects the newest published engine release
const LatestRelease = "latest"

// UpdateStatus describes the installed engine relative to the latest release
type UpdateStatus string

// Update statuses
const (
	StatusUpToDate UpdateStatus = "up_to_date"
	StatusOutdated UpdateStatus = "outdated"
	StatusUnknown  UpdateStatus = "unknown"
)

// UpdateCheck is the result of comparing the installed and released engine
type UpdateCheck struct {
	Status    UpdateStatus
	Installed string
	Latest    string
}

// IsOutdated returns true if a newer engine has been released
func (u *UpdateCheck) IsOutdated() bool {
	return u.Status == StatusOutdated
}

// Message returns a human-readable summary
func (u *UpdateCheck) Message() string {
	switch u.Status {
	case StatusUpToDate:
		return fmt.Sprintf("engine %s is up to date", u.Installed)
	case StatusOutdated:
		return fmt.Sprintf("engine %s is outdated (latest: %s)", u.Installed, u.Latest)
	default:
		return fmt.Sprintf("installed engine version is unknown (latest: %s)", u.Latest)
	}
}

type releaseResponse struct {
	TagName    string         `json:"tag_name"`
	Draft      bool           `json:"draft"`
	Prerelease bool           `json:"prerelease"`
	Assets     []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
	// Digest is "sha256:<hex>" on releases that publish one
	Digest string `json:"digest"`
}

// asset returns the asset called name
func (r *releaseResponse) asset(name string) (releaseAsset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return releaseAsset{}, false
}

// ReleaseChecker looks up the latest published engine release
type ReleaseChecker struct {
	github gateways.GitHubGateway
	retry  RetryPolicy
	logger interfaces.Logger
}

// NewReleaseChecker creates a release checker
func NewReleaseChecker(github gateways.GitHubGateway, retry RetryPolicy, logger interfaces.Logger) *ReleaseChecker {
	return &ReleaseChecker{
		github: github,
		retry:  retry,
		logger: interfaces.OrNoOp(logger),
	}
}

// LatestEngineVersion fetches the version of the latest engine release
func (c *ReleaseChecker) LatestEngineVersion(ctx context.Context) (*semver.Version, error) {
	_, v, err := c.release(ctx, LatestRelease)
	return v, err
}

// release fetches the release tagged version, or the latest one
func (c *ReleaseChecker) release(ctx context.Context, version string) (*releaseResponse, *semver.Version, error) {
	const op = "engine release"

	path := engineReleasesPath + "/latest"
	if version != "" && version != LatestRelease {
		tag := "v" + strings.TrimPrefix(version, "v")
		if _, err := semver.NewVersion(tag); err != nil {
			return nil, nil, errdefs.New(errdefs.KindParse, op, fmt.Errorf("invalid engine version %q: %w", version, err))
		}
		path = engineReleasesPath + "/tags/" + url.PathEscape(tag)
	}

	var body json.RawMessage
	err := c.retry.Do(ctx, c.logger, op, func(ctx context.Context) error {
		var err error
		body, err = c.github.Get(ctx, path)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var release releaseResponse
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, nil, errdefs.New(errdefs.KindProtocol, op, err).WithPath(path)
	}
	if release.Draft || release.TagName == "" {
		return nil, nil, errdefs.Newf(errdefs.KindProtocol, op, "no published release").WithPath(path)
	}

	v, err := semver.NewVersion(strings.TrimPrefix(release.TagName, "v"))
	if err != nil {
		return nil, nil, errdefs.New(errdefs.KindProtocol, op, fmt.Errorf("invalid release tag %q: %w", release.TagName, err))
	}
	return &release, v, nil
}

// Check compares handle's version against the latest release. A handle
// without a parsed version yields StatusUnknown.
func (c *ReleaseChecker) Check(ctx context.Context, handle *entities.EngineHandle) (*UpdateCheck, error) {
	latest, err := c.LatestEngineVersion(ctx)
	if err != nil {
		return nil, err
	}

	check := &UpdateCheck{Status: StatusUnknown, Latest: latest.String()}
	if handle == nil || handle.Version == nil {
		return check, nil
	}

	check.Installed = handle.Version.String()
	if handle.Version.LessThan(latest) {
		check.Status = StatusOutdated
	} else {
		check.Status = StatusUpToDate
	}

	c.logger.Debug("Checked engine release",
		interfaces.F("installed", check.Installed),
		interfaces.F("latest", check.Latest),
		interfaces.F("status", check.Status))
	return check, nil
}
