// Package gateways defines interfaces for external service adapters.
package gateways

import (
	"context"
	"encoding/json"
	"io"
)

// Accept headers for GitHub API requests
const (
	AcceptJSON = "application/vnd.github+json"
	AcceptZip  = "application/zip"
)

// GitHubGateway is the thin REST client used to discover and fetch databases.
// Implementations make a single attempt per call; retry policy belongs to the
// caller.
type GitHubGateway interface {
	// Get issues GET <api>/<path> and returns the JSON body
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Download streams the resource at url. The caller closes the reader.
	Download(ctx context.Context, url, accept string) (io.ReadCloser, error)
}
