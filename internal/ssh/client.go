// Package ssh wraps the SSH connectivity shared by the distributed
// backend and the tunnel supervisor: authentication method selection,
// remote command execution, and the passwordless-access precondition
// check tunneling depends on.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

// runTimeout bounds one remote command execution.
const runTimeout = 30 * time.Second

// Options selects how remote hosts are reached. Authentication methods
// are tried in a fixed priority: ambient agent credentials, then
// password, then private key files.
type Options struct {
	Port           int
	User           string
	Password       string
	UseAgent       bool
	KeyFiles       []string
	ConnectTimeout time.Duration
}

// Client dials remote hosts with the configured credentials. It is safe
// for concurrent use; every operation opens its own connection.
type Client struct {
	log  *slog.Logger
	opts Options
}

// New builds a client. When ambient agent credentials are requested
// alongside a password or key files, the agent wins and the rest serve
// as fallback only.
func New(opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.User == "" {
		opts.User = os.Getenv("USER")
	}
	if len(opts.KeyFiles) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			opts.KeyFiles = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}

	if opts.UseAgent && opts.Password != "" {
		log.Warn("both agent credentials and a password are configured, agent credentials take precedence")
	}
	return &Client{log: log.With("component", "ssh"), opts: opts}
}

func (c *Client) authMethods() []cryptossh.AuthMethod {
	var methods []cryptossh.AuthMethod

	if c.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				ag := agent.NewClient(conn)
				methods = append(methods, cryptossh.PublicKeysCallback(ag.Signers))
			} else {
				c.log.Warn("agent credentials requested but agent is unreachable", "error", err)
			}
		} else {
			c.log.Warn("agent credentials requested but SSH_AUTH_SOCK is not set")
		}
	}

	if c.opts.Password != "" {
		methods = append(methods, cryptossh.Password(c.opts.Password))
	}

	for _, file := range c.opts.KeyFiles {
		pem, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		signer, err := cryptossh.ParsePrivateKey(pem)
		if err != nil {
			c.log.Warn("skipping unparsable private key", "file", file, "error", err)
			continue
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	return methods
}

// Connect opens an SSH connection to host. Callers own the returned
// client and must close it. Remote hosts are operator-provisioned, so
// host keys are accepted on first contact.
func (c *Client) Connect(ctx context.Context, host string) (*cryptossh.Client, error) {
	methods := c.authMethods()
	if len(methods) == 0 {
		return nil, &core.ErrPermissionDenied{
			Reason: fmt.Sprintf("no usable SSH credentials for host %q", host),
		}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(c.opts.Port))
	cfg := &cryptossh.ClientConfig{
		User:            c.opts.User,
		Auth:            methods,
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.ConnectTimeout,
	}

	d := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := cryptossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &core.ErrPermissionDenied{
			User:   c.opts.User,
			Reason: fmt.Sprintf("unable to authenticate to host %q: %v", host, err),
		}
	}
	return cryptossh.NewClient(sshConn, chans, reqs), nil
}

// Run executes command on host and returns its stdout. Stderr is folded
// into the error on failure. The execution is bounded by a fixed
// timeout so a wedged host cannot stall a launch indefinitely.
func (c *Client) Run(ctx context.Context, host, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	client, err := c.Connect(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session on %s: %w", host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", fmt.Errorf("command on %s timed out after %s", host, runTimeout)
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("command on %s failed: %w: %s", host, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.String(), nil
	}
}

// CheckPasswordless verifies that host can be reached without an
// interactive prompt, which tunneling requires before any forward is
// built.
func (c *Client) CheckPasswordless(ctx context.Context, host string) error {
	client, err := c.Connect(ctx, host)
	if err != nil {
		return &core.ErrPermissionDenied{
			User:   c.opts.User,
			Reason: fmt.Sprintf("passwordless SSH to host %q is required for tunneling: %v", host, err),
		}
	}
	return client.Close()
}
