package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint
	DefaultAPIURL = "https://api.github.com"
	// maxErrorBody bounds the response body quoted in errors
	maxErrorBody = 4 << 10
	// maxJSONBody bounds API responses decoded in memory
	maxJSONBody = 32 << 20
)

// HTTPGitHubGateway implements GitHubGateway using standard HTTP client
type HTTPGitHubGateway struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
	logger    interfaces.Logger
}

// NewHTTPGitHubGateway creates a new GitHub gateway with HTTP client. An empty
// baseURL selects DefaultAPIURL.
func NewHTTPGitHubGateway(baseURL, token string, logger interfaces.Logger) *HTTPGitHubGateway {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &HTTPGitHubGateway{
		// No client timeout: artifacts are large and callers bound requests with ctx
		client:    &http.Client{},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: "qldb/1.0",
		logger:    interfaces.OrNoOp(logger),
	}
}

// checkRateLimit inspects GitHub API rate limit headers and returns an error if exhausted
func (g *HTTPGitHubGateway) checkRateLimit(resp *http.Response) error {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}

	remainingInt, err := strconv.Atoi(remaining)
	if err != nil {
		return nil
	}

	if remainingInt == 0 && resp.StatusCode != http.StatusOK {
		if resetUnix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			resetAt := time.Unix(resetUnix, 0)
			return fmt.Errorf("GitHub API rate limit exceeded (0 remaining), resets at %s", resetAt.Format(time.RFC3339))
		}
		return fmt.Errorf("GitHub API rate limit exceeded (0 remaining)")
	}

	if remainingInt <= 10 {
		g.logger.Warn("GitHub API rate limit low", interfaces.F("remaining", remainingInt))
	}

	return nil
}

// Get issues GET <api>/<path> and returns the JSON body
func (g *HTTPGitHubGateway) Get(ctx context.Context, path string) (json.RawMessage, error) {
	url := g.baseURL + "/" + strings.TrimLeft(path, "/")

	resp, err := g.do(ctx, url, gateways.AcceptJSON)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, errdefs.New(errdefs.KindNetwork, "read response", err).WithPath(url)
	}
	if !json.Valid(body) {
		return nil, errdefs.Newf(errdefs.KindProtocol, "decode response", "response is not valid JSON").WithPath(url)
	}
	return json.RawMessage(body), nil
}

// Download streams the resource at url. The caller closes the reader.
func (g *HTTPGitHubGateway) Download(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	if strings.HasPrefix(url, "/") {
		url = g.baseURL + url
	}
	resp, err := g.do(ctx, url, accept)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do performs one request and classifies every non-2xx response
func (g *HTTPGitHubGateway) do(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNetwork, "create request", err).WithPath(url)
	}

	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	g.logger.Debug("GitHub request", interfaces.F("url", url), interfaces.F("accept", accept))

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %s: %w", url, ctx.Err())
		}
		return nil, errdefs.New(errdefs.KindNetwork, "send request", err).WithPath(url)
	}

	if rateLimitErr := g.checkRateLimit(resp); rateLimitErr != nil {
		//nolint:errcheck,gosec // G104: Best effort close on rate limit error
		resp.Body.Close()
		return nil, errdefs.New(errdefs.KindNetwork, "GitHub request", rateLimitErr).WithPath(url).WithStatus(resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(bodyBytes))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := errors.New(msg)

	kind := errdefs.KindNetwork
	if resp.StatusCode == http.StatusNotFound {
		kind = errdefs.KindNotFound
	}
	return nil, errdefs.New(kind, "GitHub request", cause).WithPath(url).WithStatus(resp.StatusCode)
}
