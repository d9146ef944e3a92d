package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/updeck/updeck/internal/sshx"
)

// ErrNoCLI means the remote host has no docker binary on PATH. SSH hosts
// without Docker stay usable for package and security work; container
// operations are skipped with this reason.
var ErrNoCLI = errors.New("docker: cli not available on host")

// Runner executes a shell command on a remote host. *sshx.Client satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, opts sshx.RunOpts) (sshx.Result, error)
}

// defaultCommandTimeout bounds a docker invocation whose caller supplied no
// deadline. A hung remote command must surface as a failure, never a hang.
const defaultCommandTimeout = time.Minute

// CLIEngine drives Docker through its command line over an existing SSH
// connection. Output parsing leans on docker's JSON and --format modes so the
// wire shapes match the Engine API client.
type CLIEngine struct {
	run  Runner
	sudo bool

	// CommandTimeout bounds each invocation whose context carries no deadline
	// of its own. Zero means the default.
	CommandTimeout time.Duration
}

// NewCLIEngine wraps a Runner. With sudo set every docker invocation is
// elevated, for hosts where the SSH user is not in the docker group.
func NewCLIEngine(run Runner, sudo bool) *CLIEngine {
	return &CLIEngine{run: run, sudo: sudo}
}

func (e *CLIEngine) commandTimeout() time.Duration {
	if e.CommandTimeout > 0 {
		return e.CommandTimeout
	}
	return defaultCommandTimeout
}

func (e *CLIEngine) docker(ctx context.Context, args ...string) (sshx.Result, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "docker")
	for _, a := range args {
		parts = append(parts, shQuote(a))
	}

	// Callers with their own deadline (a pull allowance, a batch step bound)
	// keep it; everyone else gets the per-command bound.
	opts := sshx.RunOpts{Sudo: e.sudo}
	if _, ok := ctx.Deadline(); !ok {
		opts.Timeout = e.commandTimeout()
	}
	return e.run.Run(ctx, strings.Join(parts, " "), opts)
}

func (e *CLIEngine) List(ctx context.Context, all bool) ([]Container, error) {
	args := []string{"ps", "--no-trunc", "--format", "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}"}
	if all {
		args = append(args, "--all")
	}
	res, err := e.docker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []Container
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 4 {
			continue
		}
		result = append(result, Container{
			ID:    fields[0],
			Name:  fields[1],
			Image: fields[2],
			State: fields[3],
		})
	}
	return result, nil
}

func (e *CLIEngine) Inspect(ctx context.Context, nameOrID string) (*container.InspectResponse, error) {
	res, err := e.docker(ctx, "inspect", "--type", "container", nameOrID)
	if err != nil {
		if isNotFoundOutput(res.Stderr) {
			return nil, fmt.Errorf("inspect %s: %w", nameOrID, ErrNotFound)
		}
		return nil, fmt.Errorf("inspect %s: %w", nameOrID, err)
	}

	// docker inspect emits a JSON array even for a single subject.
	var docs []container.InspectResponse
	if err := json.Unmarshal([]byte(res.Stdout), &docs); err != nil {
		return nil, fmt.Errorf("inspect %s: decode: %w", nameOrID, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("inspect %s: %w", nameOrID, ErrNotFound)
	}
	return &docs[0], nil
}

func (e *CLIEngine) Pull(ctx context.Context, imageRef string) error {
	if res, err := e.docker(ctx, "pull", imageRef); err != nil {
		return fmt.Errorf("pull %s: %s: %w", imageRef, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) Create(ctx context.Context, cfg *ContainerConfig) (string, error) {
	res, err := e.docker(ctx, cfg.CreateArgs()...)
	if err != nil {
		return "", fmt.Errorf("create %s: %s: %w", cfg.Name, firstStderrLine(res), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *CLIEngine) Start(ctx context.Context, nameOrID string) error {
	if res, err := e.docker(ctx, "start", nameOrID); err != nil {
		return fmt.Errorf("start %s: %s: %w", nameOrID, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) Stop(ctx context.Context, nameOrID string, timeout *int) error {
	args := []string{"stop"}
	if timeout != nil {
		args = append(args, "--time", strconv.Itoa(*timeout))
	}
	args = append(args, nameOrID)
	if res, err := e.docker(ctx, args...); err != nil {
		return fmt.Errorf("stop %s: %s: %w", nameOrID, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) Rename(ctx context.Context, nameOrID, newName string) error {
	if res, err := e.docker(ctx, "rename", nameOrID, newName); err != nil {
		return fmt.Errorf("rename %s: %s: %w", nameOrID, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) Remove(ctx context.Context, nameOrID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, nameOrID)
	res, err := e.docker(ctx, args...)
	if err != nil {
		if isNotFoundOutput(res.Stderr) {
			return fmt.Errorf("remove %s: %w", nameOrID, ErrNotFound)
		}
		return fmt.Errorf("remove %s: %s: %w", nameOrID, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) ConnectNetwork(ctx context.Context, network, nameOrID string, att *NetworkAttachment) error {
	args := []string{"network", "connect"}
	if att != nil {
		for _, alias := range att.Aliases {
			args = append(args, "--alias", alias)
		}
		if att.IPv4 != "" {
			args = append(args, "--ip", att.IPv4)
		}
	}
	args = append(args, network, nameOrID)
	if res, err := e.docker(ctx, args...); err != nil {
		return fmt.Errorf("connect %s to %s: %s: %w", nameOrID, network, firstStderrLine(res), err)
	}
	return nil
}

func (e *CLIEngine) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	res, err := e.docker(ctx, "image", "inspect", imageRef)
	if err != nil {
		if isNotFoundOutput(res.Stderr) {
			return "", nil
		}
		return "", fmt.Errorf("image inspect %s: %w", imageRef, err)
	}

	var docs []struct {
		RepoDigests []string `json:"RepoDigests"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &docs); err != nil {
		return "", fmt.Errorf("image inspect %s: decode: %w", imageRef, err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return digestFromRepoDigests(docs[0].RepoDigests), nil
}

// Ping probes the docker CLI and daemon. A shell 127 means the binary is not
// installed, reported as ErrNoCLI so the caller can downgrade the host to
// SSH-only work instead of failing it.
func (e *CLIEngine) Ping(ctx context.Context) error {
	res, err := e.docker(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		if res.ExitCode == 127 {
			return ErrNoCLI
		}
		return fmt.Errorf("ping daemon: %s: %w", firstStderrLine(res), err)
	}
	return nil
}

// Close is a no-op: the SSH connection is owned by the caller.
func (e *CLIEngine) Close() error { return nil }

func isNotFoundOutput(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") ||
		strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such image")
}

func firstStderrLine(res sshx.Result) string {
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stderr), "\n")
	if line == "" {
		return "no output"
	}
	return line
}

// shQuote wraps a string in single quotes for POSIX shells, escaping embedded
// quotes. Safe for arbitrary values appearing in env vars and labels.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>(){}[]*?!~#%^=") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Engine = (*CLIEngine)(nil)
