// Package tunnel implements per-kernel SSH port forwarding. Each
// kernel channel gets a loopback listener whose connections are relayed
// to the remote kernel through one SSH connection, the same topology
// "ssh -L 127.0.0.1:local:remote:port host" produces.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/ssh"
)

// RemoteConn is an established connection to a forwarding host through
// which remote endpoints can be dialed.
type RemoteConn interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// Dialer abstracts how forwarding hosts are reached so tests can
// substitute a local transport.
type Dialer interface {
	CheckAccess(ctx context.Context, host string) error
	Open(ctx context.Context, host string) (RemoteConn, error)
}

// SSHDialer adapts the shared SSH client to the Dialer interface.
type SSHDialer struct {
	Client *ssh.Client
}

func (d *SSHDialer) CheckAccess(ctx context.Context, host string) error {
	return d.Client.CheckPasswordless(ctx, host)
}

func (d *SSHDialer) Open(ctx context.Context, host string) (RemoteConn, error) {
	return d.Client.Connect(ctx, host)
}

// Supervisor owns the tunnels of a single kernel, at most one per
// channel. It implements the tunneler interface the provisioner
// consumes.
type Supervisor struct {
	log       *slog.Logger
	kernelID  string
	dialer    Dialer
	portRange core.PortRange

	mu       sync.Mutex
	forwards map[core.Channel]*forward
}

// New builds a supervisor for one kernel. Local listener ports honor
// the configured port range.
func New(kernelID string, dialer Dialer, portRange core.PortRange, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:       log.With("component", "tunnel", "kernel_id", kernelID),
		kernelID:  kernelID,
		dialer:    dialer,
		portRange: portRange,
		forwards:  map[core.Channel]*forward{},
	}
}

// CheckAccess verifies passwordless connectivity before tunnels are
// built so the failure mode is a clear authorization error rather than
// five dangling listeners.
func (s *Supervisor) CheckAccess(ctx context.Context, server string) error {
	return s.dialer.CheckAccess(ctx, server)
}

// Open forwards a fresh loopback port to remoteIP:remotePort through
// server and returns the local port. An existing tunnel for the same
// channel is replaced.
func (s *Supervisor) Open(ctx context.Context, channel core.Channel, server, remoteIP string, remotePort int) (int, error) {
	ln, err := s.portRange.Listen("127.0.0.1")
	if err != nil {
		return 0, fmt.Errorf("binding local endpoint for %s tunnel: %w", channel, err)
	}

	conn, err := s.dialer.Open(ctx, server)
	if err != nil {
		_ = ln.Close()
		return 0, fmt.Errorf("opening %s tunnel to %s: %w", channel, server, err)
	}

	f := &forward{
		ln:     ln,
		conn:   conn,
		remote: net.JoinHostPort(remoteIP, strconv.Itoa(remotePort)),
		log:    s.log.With("channel", channel),
	}
	go f.serve()

	s.mu.Lock()
	if old, ok := s.forwards[channel]; ok {
		old.close()
	}
	s.forwards[channel] = f
	s.mu.Unlock()

	localPort := ln.Addr().(*net.TCPAddr).Port
	s.log.Debug("tunnel established", "channel", channel,
		"local_port", localPort, "remote", f.remote, "server", server)
	return localPort, nil
}

// Close tears down the tunnel for one channel if present.
func (s *Supervisor) Close(channel core.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.forwards[channel]; ok {
		f.close()
		delete(s.forwards, channel)
	}
}

// CloseAll tears down every tunnel this kernel owns.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, f := range s.forwards {
		f.close()
		delete(s.forwards, ch)
	}
}

// Len returns the number of live tunnels.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}

// forward relays accepted loopback connections to one remote endpoint.
type forward struct {
	ln     net.Listener
	conn   RemoteConn
	remote string
	log    *slog.Logger

	closeOnce sync.Once
}

func (f *forward) serve() {
	for {
		local, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.relay(local)
	}
}

func (f *forward) relay(local net.Conn) {
	defer local.Close()

	remote, err := f.conn.Dial("tcp", f.remote)
	if err != nil {
		f.log.Warn("tunnel dial to remote endpoint failed", "remote", f.remote, "error", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

func (f *forward) close() {
	f.closeOnce.Do(func() {
		_ = f.ln.Close()
		_ = f.conn.Close()
	})
}
