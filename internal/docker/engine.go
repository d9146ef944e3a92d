// Package docker abstracts a remote Docker daemon behind one capability
// interface with two implementations: an Engine API client for TCP hosts and
// a CLI wrapper that shells docker commands over SSH. The update orchestrator
// never branches on which one it holds.
package docker

import (
	"context"
	"errors"

	"github.com/docker/docker/api/types/container"
)

// ErrNotFound is returned when a container or image does not exist on the
// daemon. Both engine implementations normalize their transport's not-found
// signal to this sentinel.
var ErrNotFound = errors.New("docker: not found")

// Container is the summary row returned by List.
type Container struct {
	ID    string
	Name  string
	Image string
	State string // running, exited, created, paused, dead, ...
}

// Running reports whether the container's state reads "running".
func (c Container) Running() bool { return c.State == "running" }

// Engine is the polymorphic Docker capability surface. All operations accept
// container name or ID. Implementations are not safe for concurrent use; the
// per-host update sequence is strictly serial anyway.
type Engine interface {
	// List returns all containers, including stopped ones when all is set.
	List(ctx context.Context, all bool) ([]Container, error)

	// Inspect returns the daemon's full inspection document.
	Inspect(ctx context.Context, nameOrID string) (*container.InspectResponse, error)

	// Pull downloads an image. Blocks until the pull completes.
	Pull(ctx context.Context, imageRef string) error

	// Create creates a container from a declarative config and returns the
	// new container's ID. Only the first configured network is attached at
	// creation; the rest go through ConnectNetwork.
	Create(ctx context.Context, cfg *ContainerConfig) (string, error)

	Start(ctx context.Context, nameOrID string) error
	Stop(ctx context.Context, nameOrID string, timeout *int) error
	Rename(ctx context.Context, nameOrID, newName string) error
	Remove(ctx context.Context, nameOrID string, force bool) error

	// ConnectNetwork attaches a container to a network with the attachment's
	// aliases and static address.
	ConnectNetwork(ctx context.Context, network, nameOrID string, att *NetworkAttachment) error

	// ImageDigest returns the local registry digest (sha256:...) for an
	// image, or "" when the image is absent or carries no repo digest.
	ImageDigest(ctx context.Context, imageRef string) (string, error)

	// Ping verifies the daemon is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying transport. Idempotent.
	Close() error
}
