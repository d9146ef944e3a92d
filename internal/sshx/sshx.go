// Package sshx is the SSH half of the remote execution transport: it dials a
// host, runs shell commands with optional sudo elevation and a hard timeout,
// and distinguishes "could not reach or authenticate" from "command ran and
// failed".
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/updeck/updeck/internal/inventory"
)

// ConnectError means the host could not be reached or authentication failed.
// The host is skipped for the rest of the batch run.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Host, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError means the command executed but exited nonzero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.ExitCode, firstLine(e.Stderr))
}

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr concatenated, for audit logs.
func (r Result) Combined() string { return r.Stdout + r.Stderr }

// RunOpts controls one command execution.
type RunOpts struct {
	Sudo    bool
	Timeout time.Duration // 0 means no per-command deadline beyond ctx
}

// Credentials are the decrypted auth material for one host.
type Credentials struct {
	PrivateKey    []byte // PEM/OpenSSH private key, optional
	KeyPassphrase string
	Password      string
}

// Client is one SSH connection to a host. Safe for sequential use; per-host
// operations are serialized by the caller. Close is idempotent.
type Client struct {
	host string

	mu     sync.Mutex
	conn   *ssh.Client
	closed bool
}

// Dial connects and authenticates to an SSH host. Key auth is preferred when
// a key is present; password auth is offered as a fallback. Host keys are not
// verified — the fleet is declared by the operator in the inventory.
func Dial(ctx context.Context, host *inventory.Host, creds Credentials, connectTimeout time.Duration) (*Client, error) {
	var methods []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ParsePrivateKey(creds.PrivateKey, creds.KeyPassphrase)
		if err != nil {
			return nil, &ConnectError{Host: host.Name, Err: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		return nil, &ConnectError{Host: host.Name, Err: errors.New("no credentials available")}
	}

	cfg := &ssh.ClientConfig{
		User:            host.SSH.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.SSH.Port))
	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Host: host.Name, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, &ConnectError{Host: host.Name, Err: err}
	}

	slog.Debug("ssh connected", "host", host.Name, "addr", addr)
	return &Client{host: host.Name, conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Run executes a command and returns its exit code and output. A nonzero exit
// is reported both in the Result and as a *CommandError so callers can pick
// whichever is convenient. A timeout surfaces as an error result, never a
// hang.
func (c *Client) Run(ctx context.Context, command string, opts RunOpts) (Result, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return Result{ExitCode: -1}, &ConnectError{Host: c.host, Err: errors.New("client closed")}
	}

	if opts.Sudo {
		command = "sudo -n " + command
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, &ConnectError{Host: c.host, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Closing the session tears down the remote process channel; the
		// goroutine then returns and is collected.
		session.Close()
		<-done
		res := Result{ExitCode: -1, Stdout: stdout.String(), Stderr: "command timed out"}
		return res, fmt.Errorf("run %q on %s: %w", command, c.host, ctx.Err())
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &CommandError{Cmd: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	res.ExitCode = -1
	return res, &ConnectError{Host: c.host, Err: err}
}

// Close tears down the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
