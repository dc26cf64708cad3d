package entities

import (
	"strings"
	"time"
)

// Descriptor is the remote API's record of a downloadable database
type Descriptor struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name,omitempty"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Size        int64     `json:"size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	URL         string    `json:"url,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CommitOID   string    `json:"commit_oid,omitempty"`
	Ref         string    `json:"ref,omitempty"`
	// SHA256 and SignatureURL are optional integrity data
	SHA256       string `json:"sha256,omitempty"`
	SignatureURL string `json:"signature_url,omitempty"`
}

// ArtifactURL returns download_url, falling back to url.
func (d *Descriptor) ArtifactURL() string {
	if d.DownloadURL != "" {
		return d.DownloadURL
	}
	return d.URL
}

// MatchesRef reports whether the descriptor is compatible with the branch and
// commit pinned on ref. Values absent on either side always match.
func (d *Descriptor) MatchesRef(ref RepositoryRef) bool {
	if ref.Commit() != "" && d.CommitOID != "" && !strings.EqualFold(ref.Commit(), d.CommitOID) {
		return false
	}
	if ref.Branch() != "" && d.Ref != "" {
		if d.Ref != ref.Branch() && d.Ref != ref.Reference() {
			return false
		}
	}
	return true
}

// SourceManifest is the sidecar written next to a downloaded database
type SourceManifest struct {
	Repository   RepositoryRef
	DescriptorID int64
	SHA256       string
	DownloadedAt time.Time
}
