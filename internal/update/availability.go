package update

import (
	"context"
	"log/slog"

	"github.com/updeck/updeck/internal/docker"
)

// DigestResolver looks up the registry-side content digest of an image
// reference. It returns "" when the digest cannot be determined.
type DigestResolver interface {
	Digest(ctx context.Context, imageRef string) (string, error)
}

// Availability is the outcome of one image freshness check.
type Availability struct {
	Image        string `json:"image"`
	LocalDigest  string `json:"localDigest,omitempty"`
	RemoteDigest string `json:"remoteDigest,omitempty"`
	Available    bool   `json:"updateAvailable"`
}

// CheckAvailable compares the locally pulled digest of an image with the
// registry's current digest for the same reference. Either side being unknown
// means "no update detected" — the check is advisory and never errors.
func CheckAvailable(ctx context.Context, eng docker.Engine, resolver DigestResolver, imageRef string) Availability {
	av := Availability{Image: imageRef}

	local, err := eng.ImageDigest(ctx, imageRef)
	if err != nil {
		slog.Debug("local digest lookup failed", "image", imageRef, "err", err)
		return av
	}
	av.LocalDigest = local

	remote, err := resolver.Digest(ctx, imageRef)
	if err != nil {
		slog.Debug("registry digest lookup failed", "image", imageRef, "err", err)
		return av
	}
	av.RemoteDigest = remote

	av.Available = local != "" && remote != "" && local != remote
	return av
}
