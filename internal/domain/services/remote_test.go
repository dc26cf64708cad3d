package services

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	adapters "github.com/ochairo/qldb/internal/domain-adapters/gateways"
	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
	"github.com/ochairo/qldb/internal/external-adapters/yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listPath = "/repos/acme/widgets/code-scanning/codeql/databases"

var widgetsRef = entities.MustParseRepositoryRef("acme/widgets@main")

type fakeSignatureVerifier struct {
	calls int
	err   error
}

func (f *fakeSignatureVerifier) VerifyDetachedSignature(_ context.Context, filePath, signaturePath string) error {
	f.calls++
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	if _, err := os.Stat(signaturePath); err != nil {
		return err
	}
	return f.err
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func databaseArchive(t *testing.T, prefix string, lang entities.Language) []byte {
	return zipArchive(t, map[string]string{
		prefix + "/" + entities.MetadataFileName:        fmt.Sprintf("primaryLanguage: %s\nbaselineLinesOfCode: 120\nfinalised: true\n", lang),
		prefix + "/db-" + string(lang) + "/default/cache": "0123456789",
	})
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// remoteServer fakes the code-scanning API
type remoteServer struct {
	*httptest.Server
	mux       *http.ServeMux
	listHits  atomic.Int32
	downloads atomic.Int32
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	s := &remoteServer{mux: http.NewServeMux()}
	s.Server = httptest.NewServer(s.mux)
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) publish(t *testing.T, descriptors ...entities.Descriptor) {
	body, err := json.Marshal(descriptors)
	require.NoError(t, err)
	s.mux.HandleFunc(listPath, func(w http.ResponseWriter, r *http.Request) {
		s.listHits.Add(1)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, gateways.AcceptJSON, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}

// serve registers an artifact answering with failures first, then body
func (s *remoteServer) serve(path string, body []byte, failures ...int) {
	var hits atomic.Int32
	s.mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		s.downloads.Add(1)
		n := int(hits.Add(1))
		if n <= len(failures) {
			w.WriteHeader(failures[n-1])
			return
		}
		_, _ = w.Write(body)
	})
}

func (s *remoteServer) descriptor(id int64, lang entities.Language, created time.Time) entities.Descriptor {
	return entities.Descriptor{
		ID:          id,
		Language:    string(lang),
		CreatedAt:   created,
		UpdatedAt:   created,
		DownloadURL: fmt.Sprintf("%s/artifacts/%d", s.URL, id),
		Ref:         "refs/heads/main",
	}
}

func newTestFetcher(s *remoteServer, signatures gateways.SignatureVerifier, config RemoteConfig) *RemoteFetcher {
	config.Retry = fastRetry()
	return NewRemoteFetcher(
		adapters.NewHTTPGitHubGateway(s.URL, "test-token", nil),
		newTestStore(),
		adapters.NewArchiveExtractor(nil),
		adapters.NewChecksumVerifier(),
		signatures,
		config,
		nil,
	)
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), stagingPrefix), "staging directory %s left behind", e.Name())
	}
}

func descriptorIDs(ds []entities.Descriptor) []int64 {
	ids := make([]int64, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}

func TestRemoteFetcher_List(t *testing.T) {
	s := newRemoteServer(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	onMain := s.descriptor(1, entities.LanguageGo, created)
	onMain.CommitOID = strings.Repeat("a", 40)
	onDev := s.descriptor(2, entities.LanguagePython, created)
	onDev.Ref = "refs/heads/dev"
	noURL := s.descriptor(3, entities.LanguageJava, created)
	noURL.DownloadURL = ""
	noRef := s.descriptor(4, entities.LanguageRuby, created)
	noRef.Ref = ""
	s.publish(t, onMain, onDev, noURL, noRef)

	fetcher := newTestFetcher(s, nil, RemoteConfig{})

	it := fetcher.List(context.Background(), widgetsRef)
	assert.Equal(t, int32(0), s.listHits.Load(), "listing is lazy")

	ds, err := it.Collect()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, descriptorIDs(ds))

	assert.False(t, it.Next(), "iterator is single-pass")
	assert.Nil(t, it.Descriptor())
	assert.Equal(t, int32(1), s.listHits.Load())

	pinned := entities.MustParseRepositoryRef("acme/widgets@" + strings.Repeat("b", 40))
	ds, err = fetcher.List(context.Background(), pinned).Collect()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, descriptorIDs(ds), "commit mismatch filtered, missing commits match")
}

func TestRemoteFetcher_List_NotFound(t *testing.T) {
	s := newRemoteServer(t)
	s.mux.HandleFunc(listPath, func(w http.ResponseWriter, _ *http.Request) {
		s.listHits.Add(1)
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	})

	it := newTestFetcher(s, nil, RemoteConfig{}).List(context.Background(), widgetsRef)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), errdefs.ErrNotFound)
	assert.Equal(t, int32(1), s.listHits.Load(), "not found is not retried")
}

func TestRemoteFetcher_List_RetriesServerErrors(t *testing.T) {
	s := newRemoteServer(t)
	body, err := json.Marshal([]entities.Descriptor{s.descriptor(1, entities.LanguageGo, time.Now())})
	require.NoError(t, err)
	s.mux.HandleFunc(listPath, func(w http.ResponseWriter, _ *http.Request) {
		if s.listHits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(body)
	})

	ds, err := newTestFetcher(s, nil, RemoteConfig{}).List(context.Background(), widgetsRef).Collect()
	require.NoError(t, err)
	assert.Len(t, ds, 1)
	assert.Equal(t, int32(3), s.listHits.Load())
}

func TestRemoteFetcher_List_MalformedBody(t *testing.T) {
	s := newRemoteServer(t)
	s.mux.HandleFunc(listPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message": "unexpected object"}`))
	})

	_, err := newTestFetcher(s, nil, RemoteConfig{}).List(context.Background(), widgetsRef).Collect()
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

func TestRemoteFetcher_Download(t *testing.T) {
	s := newRemoteServer(t)
	archive := databaseArchive(t, "codeql_db", entities.LanguageGo)
	s.serve("/artifacts/7", archive)

	d := s.descriptor(7, entities.LanguageGo, time.Now())
	d.SHA256 = "sha256:" + strings.ToUpper(sha256Hex(archive))

	root := t.TempDir()
	dest := filepath.Join(root, "acme", "widgets", "go")

	db, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, d, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, db.Path)
	assert.Equal(t, "widgets", db.Name)
	assert.Equal(t, entities.LanguageGo, db.Language)
	assert.Equal(t, 120, db.LinesOfCode())
	require.NotNil(t, db.Source)
	assert.Equal(t, "acme/widgets@main", db.Source.String())

	manifest, err := yaml.NewMetadataRepository().ReadSourceManifest(dest)
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, int64(7), manifest.DescriptorID)
	assert.Equal(t, sha256Hex(archive), manifest.SHA256)
	assert.False(t, manifest.DownloadedAt.IsZero())

	assertNoStaging(t, filepath.Dir(dest))

	c, err := newTestStore().Scan(context.Background(), root)
	require.NoError(t, err)
	_, ok := c.Get("widgets", entities.LanguageGo)
	assert.True(t, ok, "downloaded database is discoverable")
}

func TestRemoteFetcher_Download_ReplacesExisting(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", databaseArchive(t, "db", entities.LanguageGo))

	dest := filepath.Join(t.TempDir(), "widgets", "go")
	writeDatabase(t, dest, entities.LanguageGo)
	require.NoError(t, os.WriteFile(filepath.Join(dest, "old-marker"), nil, 0o600))

	_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), dest)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dest, "old-marker"))
	assertNoStaging(t, filepath.Dir(dest))
}

func TestRemoteFetcher_Download_IntegrityFailures(t *testing.T) {
	tests := []struct {
		name     string
		artifact func(t *testing.T) []byte
		checksum string
	}{
		{
			name:     "not an archive",
			artifact: func(*testing.T) []byte { return []byte("<html>maintenance</html>") },
		},
		{
			name: "archive without database",
			artifact: func(t *testing.T) []byte {
				return zipArchive(t, map[string]string{"README.md": "nothing here"})
			},
		},
		{
			name: "metadata without results directory",
			artifact: func(t *testing.T) []byte {
				return zipArchive(t, map[string]string{
					"db/" + entities.MetadataFileName: "primaryLanguage: go\nbaselineLinesOfCode: 120\nfinalised: true\n",
				})
			},
		},
		{
			name: "unfinalised database",
			artifact: func(t *testing.T) []byte {
				return zipArchive(t, map[string]string{
					"db/" + entities.MetadataFileName: "primaryLanguage: go\nfinalised: false\n",
					"db/db-go/default/cache":          "x",
				})
			},
		},
		{
			name:     "checksum mismatch",
			artifact: func(t *testing.T) []byte { return databaseArchive(t, "db", entities.LanguageGo) },
			checksum: strings.Repeat("0", 64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newRemoteServer(t)
			s.serve("/artifacts/1", tt.artifact(t))
			d := s.descriptor(1, entities.LanguageGo, time.Now())
			d.SHA256 = tt.checksum

			parent := filepath.Join(t.TempDir(), "acme", "widgets")
			fresh := filepath.Join(parent, "go")

			_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, d, fresh)
			assert.ErrorIs(t, err, errdefs.ErrIntegrity)
			assert.NoDirExists(t, fresh)
			assertNoStaging(t, parent)

			existing := filepath.Join(parent, "existing")
			writeDatabase(t, existing, entities.LanguageGo)
			_, err = newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, d, existing)
			assert.ErrorIs(t, err, errdefs.ErrIntegrity)
			assert.NoError(t, newTestStore().Validate(existing), "existing database untouched")
			assertNoStaging(t, parent)
		})
	}
}

func TestRemoteFetcher_Download_Retries(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", databaseArchive(t, "db", entities.LanguageGo), http.StatusServiceUnavailable, http.StatusTooManyRequests)

	dest := filepath.Join(t.TempDir(), "go")
	_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), dest)
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.downloads.Load())
}

func TestRemoteFetcher_Download_GivesUp(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", nil, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

	dest := filepath.Join(t.TempDir(), "go")
	_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), dest)
	assert.ErrorIs(t, err, errdefs.ErrNetwork)
	assert.Equal(t, errdefs.ExitNetwork, errdefs.ExitCode(err))
	assert.Equal(t, int32(3), s.downloads.Load(), "two retries after the first attempt")
	assert.NoDirExists(t, dest)
	assertNoStaging(t, filepath.Dir(dest))
}

func TestRemoteFetcher_Download_NotFound(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", nil, http.StatusNotFound)

	_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(context.Background(), widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), filepath.Join(t.TempDir(), "go"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, int32(1), s.downloads.Load())
}

func TestRemoteFetcher_Download_Canceled(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", databaseArchive(t, "db", entities.LanguageGo))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "go")
	_, err := newTestFetcher(s, nil, RemoteConfig{}).Download(ctx, widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), dest)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, dest)
	assertNoStaging(t, filepath.Dir(dest))
}

func TestRemoteFetcher_Download_Timeout(t *testing.T) {
	s := newRemoteServer(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.mux.HandleFunc("/artifacts/1", func(w http.ResponseWriter, r *http.Request) {
		s.downloads.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	dest := filepath.Join(t.TempDir(), "go")
	fetcher := newTestFetcher(s, nil, RemoteConfig{DownloadTimeout: 100 * time.Millisecond})
	_, err := fetcher.Download(context.Background(), widgetsRef, s.descriptor(1, entities.LanguageGo, time.Now()), dest)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.Equal(t, errdefs.ExitNetwork, errdefs.ExitCode(err))
	assert.NoDirExists(t, dest)
	assertNoStaging(t, filepath.Dir(dest))
}

func TestRemoteFetcher_DownloadLanguage(t *testing.T) {
	s := newRemoteServer(t)
	older := s.descriptor(1, entities.LanguageGo, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	newer := s.descriptor(2, entities.LanguageGo, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	other := s.descriptor(3, entities.LanguagePython, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	s.publish(t, older, newer, other)
	s.serve("/artifacts/1", databaseArchive(t, "db", entities.LanguageGo))
	s.serve("/artifacts/2", databaseArchive(t, "db", entities.LanguageGo))

	fetcher := newTestFetcher(s, nil, RemoteConfig{})
	dest := filepath.Join(t.TempDir(), "go")

	_, err := fetcher.DownloadLanguage(context.Background(), widgetsRef, entities.LanguageGo, dest)
	require.NoError(t, err)

	manifest, err := yaml.NewMetadataRepository().ReadSourceManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), manifest.DescriptorID, "newest descriptor wins")

	_, err = fetcher.DownloadLanguage(context.Background(), widgetsRef, entities.LanguageRust, filepath.Join(t.TempDir(), "rust"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, int32(1), s.downloads.Load())
}

func TestRemoteFetcher_Download_Signatures(t *testing.T) {
	s := newRemoteServer(t)
	s.serve("/artifacts/1", databaseArchive(t, "db", entities.LanguageGo))
	s.serve("/artifacts/1.asc", []byte("-----BEGIN PGP SIGNATURE-----"))

	unsigned := s.descriptor(1, entities.LanguageGo, time.Now())
	signed := unsigned
	signed.SignatureURL = s.URL + "/artifacts/1.asc"

	t.Run("verified", func(t *testing.T) {
		verifier := &fakeSignatureVerifier{}
		_, err := newTestFetcher(s, verifier, RemoteConfig{RequireSignature: true}).Download(context.Background(), widgetsRef, signed, filepath.Join(t.TempDir(), "go"))
		require.NoError(t, err)
		assert.Equal(t, 1, verifier.calls)
	})

	t.Run("bad signature", func(t *testing.T) {
		verifier := &fakeSignatureVerifier{err: errdefs.Newf(errdefs.KindIntegrity, "verify signature", "bad signature")}
		dest := filepath.Join(t.TempDir(), "go")
		_, err := newTestFetcher(s, verifier, RemoteConfig{}).Download(context.Background(), widgetsRef, signed, dest)
		assert.ErrorIs(t, err, errdefs.ErrIntegrity)
		assert.NoDirExists(t, dest)
	})

	t.Run("unsigned rejected", func(t *testing.T) {
		verifier := &fakeSignatureVerifier{}
		_, err := newTestFetcher(s, verifier, RemoteConfig{RequireSignature: true}).Download(context.Background(), widgetsRef, unsigned, filepath.Join(t.TempDir(), "go"))
		assert.ErrorIs(t, err, errdefs.ErrIntegrity)
		assert.Equal(t, 0, verifier.calls)
	})

	t.Run("unsigned allowed", func(t *testing.T) {
		verifier := &fakeSignatureVerifier{}
		_, err := newTestFetcher(s, verifier, RemoteConfig{}).Download(context.Background(), widgetsRef, unsigned, filepath.Join(t.TempDir(), "go"))
		require.NoError(t, err)
		assert.Equal(t, 0, verifier.calls)
	})
}

func TestFindDatabaseRoot(t *testing.T) {
	dir := t.TempDir()
	writeDatabase(t, filepath.Join(dir, "outer", "inner"), entities.LanguageGo)

	root, err := findDatabaseRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "outer", "inner"), root)

	deep := t.TempDir()
	writeDatabase(t, filepath.Join(deep, "a", "b", "c"), entities.LanguageGo)
	_, err = findDatabaseRoot(deep)
	assert.Error(t, err)
}
