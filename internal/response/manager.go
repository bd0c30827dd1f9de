// Package response implements the single response manager a gateway
// process runs: one TCP listener on which every launched kernel reports
// its encrypted connection info, an RSA keypair whose public half is
// passed to launchers, and a registry that hands each decrypted payload
// to the one provisioner waiting for it.
package response

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

const rsaKeyBits = 1024

// readDeadline bounds how long one launcher connection may take to
// deliver its payload.
const readDeadline = 10 * time.Second

// Options configures the response listener.
type Options struct {
	// IP to bind; empty binds all interfaces.
	IP string
	// Port to bind; 0 lets the OS choose.
	Port int
	// PortRetries is how many consecutive ports are tried when Port is
	// taken or forbidden.
	PortRetries int
	// ProhibitedIPs are regular expressions matching local addresses
	// that must not be advertised to launchers.
	ProhibitedIPs []string
}

// Manager owns the listener and the pending-kernel registry. It
// implements the broker interface provisioners consume.
type Manager struct {
	log       *slog.Logger
	opts      Options
	priv      *rsa.PrivateKey
	publicKey string
	ln        net.Listener
	addr      string

	mu      sync.Mutex
	pending map[string]chan core.ConnectionInfo

	legacyWarned atomic.Bool
	closed       atomic.Bool
}

// New generates the process keypair and binds the response listener.
// Call Serve to start accepting payloads.
func New(opts Options, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating response keypair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding response public key: %w", err)
	}

	ln, err := bind(opts, log)
	if err != nil {
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	advertise := opts.IP
	if advertise == "" || advertise == "0.0.0.0" {
		advertise = "127.0.0.1"
		ips, err := filterIPs(core.PublicIPs(), opts.ProhibitedIPs)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		if len(ips) > 0 {
			advertise = ips[0]
		}
	}

	m := &Manager{
		log:       log.With("component", "response-manager"),
		opts:      opts,
		priv:      priv,
		publicKey: base64.StdEncoding.EncodeToString(der),
		ln:        ln,
		addr:      net.JoinHostPort(advertise, strconv.Itoa(port)),
		pending:   map[string]chan core.ConnectionInfo{},
	}
	m.log.Info("response listener bound", "address", m.addr)
	return m, nil
}

// filterIPs drops addresses matching any of the prohibited patterns.
func filterIPs(ips, prohibited []string) ([]string, error) {
	patterns := make([]*regexp.Regexp, 0, len(prohibited))
	for _, p := range prohibited {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &core.ErrConfig{Option: "response.prohibited_local_ips", Message: err.Error()}
		}
		patterns = append(patterns, re)
	}

	out := ips[:0]
	for _, ip := range ips {
		excluded := false
		for _, re := range patterns {
			if re.MatchString(ip) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, ip)
		}
	}
	return out, nil
}

// bind tries the configured port and, when it is in use or forbidden,
// walks forward one port at a time up to the retry budget. Other bind
// errors fail immediately.
func bind(opts Options, log *slog.Logger) (net.Listener, error) {
	if opts.Port == 0 {
		return net.Listen("tcp", net.JoinHostPort(opts.IP, "0"))
	}

	var lastErr error
	for attempt := 0; attempt <= opts.PortRetries; attempt++ {
		port := opts.Port + attempt
		ln, err := net.Listen("tcp", net.JoinHostPort(opts.IP, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) && !errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("binding response listener: %w", err)
		}
		log.Warn("response port unavailable, trying next", "port", port, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("failed to bind response listener within %d ports of %d: %w",
		opts.PortRetries, opts.Port, lastErr)
}

// PublicKey returns the base64-encoded DER public key for launchers.
func (m *Manager) PublicKey() string { return m.publicKey }

// Address returns the "ip:port" launchers send payloads to.
func (m *Manager) Address() string { return m.addr }

// Serve accepts launcher connections until Close is called. It is run
// on its own goroutine.
func (m *Manager) Serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if m.closed.Load() {
				return
			}
			m.log.Warn("accepting response connection", "error", err)
			continue
		}
		go m.handle(conn)
	}
}

// Close stops the listener. Pending registrations stay intact so
// in-flight waits fail by timeout rather than panic.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.ln.Close()
}

func (m *Manager) handle(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	data, err := io.ReadAll(conn)
	if err != nil {
		m.log.Warn("reading response payload", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	m.post(data)
}

// post decodes one payload and routes it. Versioned payloads carry
// their kernel id; unversioned ones fall back to the legacy decoder,
// which identifies the kernel by trial decryption. The original decode
// error is reported when the legacy path also fails.
func (m *Manager) post(data []byte) {
	info, err := decodePayload(data, m.priv)
	if err != nil {
		if !errors.Is(err, errUnversionedPayload) {
			m.log.Error("undecryptable response payload dropped", "error", err)
			return
		}

		legacyInfo, kernelID, legacyErr := decodeLegacyPayload(data, m.registeredIDs())
		if legacyErr != nil {
			m.log.Error("undecryptable response payload dropped", "error", err, "legacy_error", legacyErr)
			return
		}
		if !m.legacyWarned.Swap(true) {
			m.log.Warn("received legacy connection payload; upgrade the kernel launcher, " +
				"support for unversioned payloads will be removed")
		}
		m.deliver(kernelID, legacyInfo)
		return
	}

	kernelID := info.KernelID()
	if kernelID == "" {
		m.log.Error("response payload missing kernel_id dropped")
		return
	}
	m.deliver(kernelID, info)
}

// deliver hands the payload to the registered waiter. Payloads for
// unknown kernels and duplicate payloads are dropped with a warning so
// each registration observes at most one response.
func (m *Manager) deliver(kernelID string, info core.ConnectionInfo) {
	m.mu.Lock()
	ch, ok := m.pending[kernelID]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("response for unregistered kernel dropped", "kernel_id", kernelID)
		return
	}
	select {
	case ch <- info:
		m.log.Debug("connection info received", "kernel_id", kernelID)
	default:
		m.log.Warn("duplicate response dropped", "kernel_id", kernelID)
	}
}

// Register announces that a kernel launch is pending a response.
// Registering an already registered kernel is a no-op.
func (m *Manager) Register(kernelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[kernelID]; !ok {
		m.pending[kernelID] = make(chan core.ConnectionInfo, 1)
	}
}

// Unregister withdraws a pending registration, discarding any payload
// already buffered for it.
func (m *Manager) Unregister(kernelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, kernelID)
}

func (m *Manager) registeredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionInfo waits up to timeout for the kernel's payload. The
// registration is consumed on delivery. ErrResponsePending is returned
// when no payload arrived in time so callers can keep polling.
func (m *Manager) ConnectionInfo(ctx context.Context, kernelID string, timeout time.Duration) (core.ConnectionInfo, error) {
	m.mu.Lock()
	ch, ok := m.pending[kernelID]
	m.mu.Unlock()
	if !ok {
		return nil, &core.ErrInvariant{KernelID: kernelID, Message: "kernel is not registered for a response"}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		m.Unregister(kernelID)
		return info, nil
	case <-timer.C:
		return nil, core.ErrResponsePending
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
