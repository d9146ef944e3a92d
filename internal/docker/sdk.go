package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// SDKEngine talks the Docker Engine API directly, used for TCP hosts.
type SDKEngine struct {
	cli *client.Client
}

// NewSDKEngine connects to a daemon at tcp://addr:port. With tls set the
// client uses the ambient DOCKER_CERT_PATH material, matching what the
// daemon-side socket expects.
func NewSDKEngine(addr string, port int, tls bool) (*SDKEngine, error) {
	opts := []client.Opt{
		client.WithHost(fmt.Sprintf("tcp://%s:%d", addr, port)),
		client.WithAPIVersionNegotiation(),
	}
	if tls {
		opts = append(opts, client.WithTLSClientConfigFromEnv())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

func (e *SDKEngine) List(ctx context.Context, all bool) ([]Container, error) {
	raw, err := e.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]Container, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, Container{
			ID:    c.ID,
			Name:  name,
			Image: c.Image,
			State: c.State,
		})
	}
	return result, nil
}

func (e *SDKEngine) Inspect(ctx context.Context, nameOrID string) (*container.InspectResponse, error) {
	raw, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("inspect %s: %w", nameOrID, ErrNotFound)
		}
		return nil, fmt.Errorf("inspect %s: %w", nameOrID, err)
	}
	return &raw, nil
}

func (e *SDKEngine) Pull(ctx context.Context, imageRef string) error {
	rc, err := e.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	return nil
}

func (e *SDKEngine) Create(ctx context.Context, cfg *ContainerConfig) (string, error) {
	conf, host, netConf := cfg.CreateParams()
	resp, err := e.cli.ContainerCreate(ctx, conf, host, netConf, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

func (e *SDKEngine) Start(ctx context.Context, nameOrID string) error {
	if err := e.cli.ContainerStart(ctx, nameOrID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", nameOrID, err)
	}
	return nil
}

func (e *SDKEngine) Stop(ctx context.Context, nameOrID string, timeout *int) error {
	if err := e.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("stop %s: %w", nameOrID, err)
	}
	return nil
}

func (e *SDKEngine) Rename(ctx context.Context, nameOrID, newName string) error {
	if err := e.cli.ContainerRename(ctx, nameOrID, newName); err != nil {
		return fmt.Errorf("rename %s: %w", nameOrID, err)
	}
	return nil
}

func (e *SDKEngine) Remove(ctx context.Context, nameOrID string, force bool) error {
	err := e.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("remove %s: %w", nameOrID, ErrNotFound)
		}
		return fmt.Errorf("remove %s: %w", nameOrID, err)
	}
	return nil
}

func (e *SDKEngine) ConnectNetwork(ctx context.Context, netName, nameOrID string, att *NetworkAttachment) error {
	ep := &network.EndpointSettings{}
	if att != nil {
		ep.Aliases = att.Aliases
		if att.IPv4 != "" {
			ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: att.IPv4}
		}
	}
	if err := e.cli.NetworkConnect(ctx, netName, nameOrID, ep); err != nil {
		return fmt.Errorf("connect %s to %s: %w", nameOrID, netName, err)
	}
	return nil
}

func (e *SDKEngine) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	resp, _, err := e.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("image inspect %s: %w", imageRef, err)
	}
	return digestFromRepoDigests(resp.RepoDigests), nil
}

func (e *SDKEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping daemon: %w", err)
	}
	return nil
}

func (e *SDKEngine) Close() error {
	return e.cli.Close()
}

// digestFromRepoDigests extracts the sha256 digest from RepoDigests entries
// of the form "repo@sha256:abc...".
func digestFromRepoDigests(digests []string) string {
	for _, d := range digests {
		if i := strings.Index(d, "@"); i >= 0 {
			return d[i+1:]
		}
	}
	if len(digests) > 0 {
		return digests[0]
	}
	return ""
}

var _ Engine = (*SDKEngine)(nil)
