// Package remote runs commands on the build machine over SSH and stages
// local directory trees onto it. It is a thin synchronous wrapper: a
// non-zero exit or connection failure is reported to the caller, never
// retried here.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// RemoteExecError reports a remote command that could not run or exited
// non-zero, along with its combined output.
type RemoteExecError struct {
	Command string
	Output  string
	Err     error
}

func (e *RemoteExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("remote command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("remote command %q failed: %v (output: %s)", e.Command, e.Err, e.Output)
}

func (e *RemoteExecError) Unwrap() error { return e.Err }

// Dialer holds the SSH access settings for the build machine.
type Dialer struct {
	User    string
	KeyPath string
	Port    int
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dial connects to the machine at host and returns a ready Client.
func (d Dialer) Dial(ctx context.Context, host string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := os.ReadFile(d.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	port := d.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // build machines come and go with fresh host keys
		Timeout:         d.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, addr: addr, logger: logger}, nil
}

// Client is an established command channel to the build machine. One SSH
// connection carries all commands of a run; each command gets its own
// session.
type Client struct {
	conn   *ssh.Client
	addr   string
	logger *slog.Logger

	mu    sync.Mutex
	trace []TraceEntry
}

// Execute runs a single command remotely. A non-zero exit is an error.
func (c *Client) Execute(ctx context.Context, command string) error {
	_, err := c.run(ctx, command, nil)
	return err
}

// ExecuteStdin runs a command with the given stream attached to its stdin.
func (c *Client) ExecuteStdin(ctx context.Context, command string, stdin io.Reader) error {
	_, err := c.run(ctx, command, stdin)
	return err
}

// Output runs a command and returns its combined output.
func (c *Client) Output(ctx context.Context, command string) (string, error) {
	return c.run(ctx, command, nil)
}

func (c *Client) run(ctx context.Context, command string, stdin io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	output, err := c.runSession(command, stdin)
	c.record(command, err == nil, time.Since(start))
	if err != nil {
		return output, &RemoteExecError{Command: command, Output: output, Err: err}
	}
	return output, nil
}

func (c *Client) runSession(command string, stdin io.Reader) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
