// Package registry resolves the remote content digest of an image reference,
// the collaborator behind "is an update available". Lookups are advisory:
// any failure yields an empty digest, never an error.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	hubAuthURL     = "https://auth.docker.io/token"
	hubRegistryURL = "https://registry-1.docker.io"
	hubService     = "registry.docker.io"
)

// manifestAccept lists the manifest media types whose digest we accept.
var manifestAccept = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}, ", ")

// Client queries registries anonymously, or with basic credentials for
// private repositories. Docker Hub pull tokens are cached per repository.
type Client struct {
	Username string
	Password string

	// AuthURL and RegistryURL override the Docker Hub endpoints, for tests.
	AuthURL     string
	RegistryURL string

	HTTPClient *http.Client

	mu     sync.Mutex
	tokens map[string]string
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		AuthURL:     hubAuthURL,
		RegistryURL: hubRegistryURL,
		HTTPClient:  &http.Client{Timeout: timeout},
		tokens:      make(map[string]string),
	}
}

// Digest returns the registry's current digest for an image reference, or ""
// when it cannot be determined. The error return exists to satisfy the
// resolver contract and is always nil.
func (c *Client) Digest(ctx context.Context, imageRef string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		slog.Debug("unparsable image reference", "image", imageRef, "err", err)
		return "", nil
	}

	// A digest-pinned reference is its own answer.
	if canonical, ok := named.(reference.Canonical); ok {
		return canonical.Digest().String(), nil
	}

	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	domain := reference.Domain(named)
	repo := reference.Path(named)

	var raw string
	if domain == "docker.io" {
		raw = c.hubDigest(ctx, repo, tag)
	} else {
		raw = c.genericDigest(ctx, domain, repo, tag)
	}
	if raw == "" {
		return "", nil
	}

	parsed, err := digest.Parse(raw)
	if err != nil {
		slog.Warn("registry returned malformed digest", "image", imageRef, "digest", raw, "err", err)
		return "", nil
	}
	return parsed.String(), nil
}

// hubDigest resolves through Docker Hub's token-then-manifest flow.
func (c *Client) hubDigest(ctx context.Context, repo, tag string) string {
	token, err := c.hubToken(ctx, repo)
	if err != nil {
		slog.Debug("docker hub token request failed", "repo", repo, "err", err)
		return ""
	}

	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", c.RegistryURL, repo, tag)
	return c.headManifest(ctx, manifestURL, "Bearer "+token)
}

func (c *Client) hubToken(ctx context.Context, repo string) (string, error) {
	c.mu.Lock()
	if token, ok := c.tokens[repo]; ok {
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	q := url.Values{
		"service": {hubService},
		"scope":   {fmt.Sprintf("repository:%s:pull", repo)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AuthURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", fmt.Errorf("token endpoint returned no token")
	}

	c.mu.Lock()
	c.tokens[repo] = body.Token
	c.mu.Unlock()
	return body.Token, nil
}

// genericDigest resolves against any other v2 registry with optional basic
// auth. Loopback registries are assumed plain HTTP.
func (c *Client) genericDigest(ctx context.Context, domain, repo, tag string) string {
	scheme := "https"
	if strings.HasPrefix(domain, "localhost") || strings.HasPrefix(domain, "127.") {
		scheme = "http"
	}

	auth := ""
	if c.Username != "" {
		auth = "Basic " + basicAuth(c.Username, c.Password)
	}
	manifestURL := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, domain, repo, tag)
	return c.headManifest(ctx, manifestURL, auth)
}

func (c *Client) headManifest(ctx context.Context, manifestURL, authorization string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", manifestAccept)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		slog.Debug("manifest request failed", "url", manifestURL, "err", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("manifest request rejected", "url", manifestURL, "status", resp.StatusCode)
		return ""
	}
	return resp.Header.Get("Docker-Content-Digest")
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
