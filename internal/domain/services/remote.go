package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
)

// maxRootSearchDepth bounds where an unpacked artifact may keep its database
const maxRootSearchDepth = 2

// RemoteConfig configures the remote fetcher
type RemoteConfig struct {
	Retry           RetryPolicy
	DownloadTimeout time.Duration
	// RequireSignature rejects unsigned artifacts when a signature verifier
	// is configured
	RequireSignature bool
}

// RemoteFetcher lists and downloads databases published on the hosting
// service's code-scanning API
type RemoteFetcher struct {
	github     gateways.GitHubGateway
	store      *DatabaseStore
	extractor  gateways.ArchiveExtractor
	checksums  gateways.ChecksumVerifier
	signatures gateways.SignatureVerifier
	config     RemoteConfig
	logger     interfaces.Logger
	now        func() time.Time
}

// NewRemoteFetcher creates a remote fetcher. signatures may be nil, in which
// case published signatures are ignored.
func NewRemoteFetcher(
	github gateways.GitHubGateway,
	store *DatabaseStore,
	extractor gateways.ArchiveExtractor,
	checksums gateways.ChecksumVerifier,
	signatures gateways.SignatureVerifier,
	config RemoteConfig,
	logger interfaces.Logger,
) *RemoteFetcher {
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = entities.DefaultDownloadTimeout
	}
	return &RemoteFetcher{
		github:     github,
		store:      store,
		extractor:  extractor,
		checksums:  checksums,
		signatures: signatures,
		config:     config,
		logger:     interfaces.OrNoOp(logger),
		now:        time.Now,
	}
}

// DescriptorIterator walks the descriptors published for a repository. The
// listing request is issued by the first call to Next; the iterator is
// single-pass.
type DescriptorIterator struct {
	ctx   context.Context
	fetch func(ctx context.Context) ([]entities.Descriptor, error)

	started bool
	done    bool
	items   []entities.Descriptor
	pos     int
	current *entities.Descriptor
	err     error
}

// NewDescriptorIterator creates an iterator over the descriptors returned by
// fetch, which is called at most once
func NewDescriptorIterator(ctx context.Context, fetch func(ctx context.Context) ([]entities.Descriptor, error)) *DescriptorIterator {
	return &DescriptorIterator{ctx: ctx, fetch: fetch}
}

// Next advances to the next descriptor
func (it *DescriptorIterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		items, err := it.fetch(it.ctx)
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.items = items
	}
	if it.pos >= len(it.items) {
		it.done = true
		it.current = nil
		return false
	}
	it.current = &it.items[it.pos]
	it.pos++
	return true
}

// Descriptor returns the current descriptor
func (it *DescriptorIterator) Descriptor() *entities.Descriptor {
	return it.current
}

// Err returns the error that stopped iteration, if any
func (it *DescriptorIterator) Err() error {
	return it.err
}

// Collect drains the iterator
func (it *DescriptorIterator) Collect() ([]entities.Descriptor, error) {
	var out []entities.Descriptor
	for it.Next() {
		out = append(out, *it.Descriptor())
	}
	return out, it.Err()
}

// List returns the descriptors published for ref. Descriptors whose branch or
// commit contradict the ones pinned on ref are filtered out.
func (r *RemoteFetcher) List(ctx context.Context, ref entities.RepositoryRef) *DescriptorIterator {
	return NewDescriptorIterator(ctx, func(ctx context.Context) ([]entities.Descriptor, error) {
		return r.list(ctx, ref)
	})
}

func (r *RemoteFetcher) list(ctx context.Context, ref entities.RepositoryRef) ([]entities.Descriptor, error) {
	path := fmt.Sprintf("repos/%s/%s/code-scanning/codeql/databases",
		url.PathEscape(ref.Owner()), url.PathEscape(ref.Name()))

	var body json.RawMessage
	err := r.config.Retry.Do(ctx, r.logger, "list databases", func(ctx context.Context) error {
		var err error
		body, err = r.github.Get(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}

	var all []entities.Descriptor
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, errdefs.New(errdefs.KindProtocol, "list databases", err).WithPath(path)
	}

	out := make([]entities.Descriptor, 0, len(all))
	for _, d := range all {
		if d.ID == 0 || d.Language == "" || d.CreatedAt.IsZero() || d.ArtifactURL() == "" {
			r.logger.Debug("Skipping incomplete descriptor", interfaces.F("id", d.ID), interfaces.F("language", d.Language))
			continue
		}
		if !d.MatchesRef(ref) {
			continue
		}
		out = append(out, d)
	}

	r.logger.Debug("Listed remote databases",
		interfaces.F("repository", ref.FullName()),
		interfaces.F("published", len(all)),
		interfaces.F("matching", len(out)))
	return out, nil
}

// DownloadLanguage downloads the newest published database for lang
func (r *RemoteFetcher) DownloadLanguage(ctx context.Context, ref entities.RepositoryRef, lang entities.Language, dest string) (*entities.Database, error) {
	descriptors, err := r.List(ctx, ref).Collect()
	if err != nil {
		return nil, err
	}

	var newest *entities.Descriptor
	for i := range descriptors {
		l, err := entities.ParseLanguage(descriptors[i].Language)
		if err != nil || l != lang {
			continue
		}
		if newest == nil || descriptors[i].CreatedAt.After(newest.CreatedAt) {
			newest = &descriptors[i]
		}
	}
	if newest == nil {
		return nil, errdefs.Newf(errdefs.KindNotFound, "download database", "no %s database published for %s", lang, ref)
	}
	return r.Download(ctx, ref, *newest, dest)
}

// Download fetches the artifact described by d and installs it at dest. Work
// happens in a staging directory next to dest, which is removed on return;
// dest is only replaced once the artifact has been verified and validated.
//
// A download that outlives the configured timeout fails with a TimeoutError;
// cancellation of ctx itself is returned as is.
func (r *RemoteFetcher) Download(ctx context.Context, ref entities.RepositoryRef, d entities.Descriptor, dest string) (*entities.Database, error) {
	downloadCtx, cancel := context.WithTimeout(ctx, r.config.DownloadTimeout)
	defer cancel()

	db, err := r.download(downloadCtx, ref, d, dest)
	if err != nil && ctx.Err() == nil && errors.Is(downloadCtx.Err(), context.DeadlineExceeded) {
		return nil, errdefs.New(errdefs.KindTimeout, "download database",
			fmt.Errorf("gave up after %v: %w", r.config.DownloadTimeout, err)).WithPath(d.ArtifactURL())
	}
	return db, err
}

func (r *RemoteFetcher) download(ctx context.Context, ref entities.RepositoryRef, d entities.Descriptor, dest string) (*entities.Database, error) {
	const op = "download database"

	if _, err := entities.ParseLanguage(d.Language); err != nil {
		return nil, errdefs.New(errdefs.KindProtocol, op, err)
	}
	artifactURL := d.ArtifactURL()
	if artifactURL == "" {
		return nil, errdefs.Newf(errdefs.KindProtocol, op, "descriptor %d has no download url", d.ID)
	}

	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, errdefs.New(errdefs.KindParse, op, err).WithPath(dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, fmt.Errorf("failed to create parent directory: %w", err)).WithPath(dest)
	}

	staging := filepath.Join(filepath.Dir(dest), stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o750); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, fmt.Errorf("failed to create staging directory: %w", err)).WithPath(staging)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			r.logger.Warn("Failed to remove staging directory", interfaces.F("path", staging), interfaces.F("error", err))
		}
	}()

	r.logger.Info("Downloading database",
		interfaces.F("repository", ref.String()),
		interfaces.F("language", d.Language),
		interfaces.F("descriptor", d.ID))

	archive := filepath.Join(staging, "artifact")
	if err := r.fetch(ctx, artifactURL, gateways.AcceptZip, archive); err != nil {
		return nil, err
	}

	sum, err := r.verify(ctx, d, archive, staging)
	if err != nil {
		return nil, err
	}

	extracted := filepath.Join(staging, "extracted")
	if err := r.extractor.Extract(archive, extracted); err != nil {
		return nil, errdefs.New(errdefs.KindIntegrity, op, err).WithPath(artifactURL)
	}
	root, err := findDatabaseRoot(extracted)
	if err != nil {
		return nil, errdefs.New(errdefs.KindIntegrity, op, err).WithPath(artifactURL)
	}
	if err := r.store.Validate(root); err != nil {
		return nil, errdefs.New(errdefs.KindIntegrity, op, err).WithPath(artifactURL)
	}

	manifest := &entities.SourceManifest{
		Repository:   ref,
		DescriptorID: d.ID,
		SHA256:       sum,
		DownloadedAt: r.now().UTC(),
	}
	if err := r.store.RecordSource(root, manifest); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	if err := install(root, dest, staging); err != nil {
		return nil, errdefs.New(errdefs.KindUnknown, op, err).WithPath(dest)
	}

	db, err := r.store.Load(dest)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Database downloaded",
		interfaces.F("name", db.Name),
		interfaces.F("language", db.Language),
		interfaces.F("path", db.Path))
	return db, nil
}

// verify checks the archive against the published digest and signature and
// returns its SHA-256
func (r *RemoteFetcher) verify(ctx context.Context, d entities.Descriptor, archive, staging string) (string, error) {
	const op = "verify artifact"

	var sum string
	if d.SHA256 != "" {
		if err := r.checksums.VerifyChecksum(ctx, archive, d.SHA256); err != nil {
			if errors.Is(err, errdefs.ErrIntegrity) {
				return "", err
			}
			return "", errdefs.New(errdefs.KindIntegrity, op, err).WithPath(archive)
		}
		sum = strings.ToLower(strings.TrimPrefix(d.SHA256, "sha256:"))
	} else {
		var err error
		if sum, err = r.checksums.CalculateChecksum(archive); err != nil {
			return "", errdefs.New(errdefs.KindIntegrity, op, err).WithPath(archive)
		}
	}

	if r.signatures == nil {
		return sum, nil
	}
	if d.SignatureURL == "" {
		if r.config.RequireSignature {
			return "", errdefs.Newf(errdefs.KindIntegrity, op, "descriptor %d is not signed", d.ID)
		}
		return sum, nil
	}

	signature := filepath.Join(staging, "artifact.sig")
	if err := r.fetch(ctx, d.SignatureURL, "application/octet-stream", signature); err != nil {
		return "", err
	}
	if err := r.signatures.VerifyDetachedSignature(ctx, archive, signature); err != nil {
		return "", err
	}
	r.logger.Debug("Artifact signature verified", interfaces.F("descriptor", d.ID))
	return sum, nil
}

// fetch streams rawURL into target, retrying transient failures
func (r *RemoteFetcher) fetch(ctx context.Context, rawURL, accept, target string) error {
	return downloadTo(ctx, r.github, r.config.Retry, r.logger, rawURL, accept, target)
}

// downloadTo streams rawURL into target, retrying transient failures
func downloadTo(ctx context.Context, github gateways.GitHubGateway, retry RetryPolicy, logger interfaces.Logger, rawURL, accept, target string) error {
	return retry.Do(ctx, logger, "download artifact", func(ctx context.Context) error {
		body, err := github.Download(ctx, rawURL, accept)
		if err != nil {
			return err
		}
		//nolint:errcheck // Defer close on HTTP response body
		defer body.Close()

		//nolint:gosec // G304: target is inside a staging directory
		f, err := os.Create(target)
		if err != nil {
			return errdefs.New(errdefs.KindUnknown, "download artifact", err).WithPath(target)
		}
		//nolint:errcheck // Defer close; the explicit Close below reports errors
		defer f.Close()

		if _, err := io.Copy(f, body); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("download %s: %w", rawURL, ctx.Err())
			}
			return errdefs.New(errdefs.KindNetwork, "download artifact", err).WithPath(rawURL)
		}
		if err := f.Close(); err != nil {
			return errdefs.New(errdefs.KindUnknown, "download artifact", err).WithPath(target)
		}
		return nil
	})
}

// findDatabaseRoot locates the directory holding the metadata file within
// the first levels of an unpacked artifact
func findDatabaseRoot(dir string) (string, error) {
	level := []string{dir}
	for d := 0; d <= maxRootSearchDepth; d++ {
		var next []string
		for _, candidate := range level {
			if fileExists(filepath.Join(candidate, entities.MetadataFileName)) {
				return candidate, nil
			}
			entries, err := os.ReadDir(candidate)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, filepath.Join(candidate, e.Name()))
				}
			}
		}
		sort.Strings(next)
		level = next
	}
	return "", fmt.Errorf("artifact does not contain %s", entities.MetadataFileName)
}

// install moves root to dest. An existing dest is parked in staging and put
// back if the move fails.
func install(root, dest, staging string) error {
	var parked string
	if _, err := os.Lstat(dest); err == nil {
		parked = filepath.Join(staging, "previous")
		if err := os.Rename(dest, parked); err != nil {
			return fmt.Errorf("failed to move existing database aside: %w", err)
		}
	}
	if err := os.Rename(root, dest); err != nil {
		if parked != "" {
			if restoreErr := os.Rename(parked, dest); restoreErr != nil {
				return errors.Join(fmt.Errorf("failed to install database: %w", err), restoreErr)
			}
		}
		return fmt.Errorf("failed to install database: %w", err)
	}
	return nil
}
