// Package sshx implements the L1 SSH transport: the bottom layer of the
// remote-execution stack. It opens and reuses one connection to the
// OpenProject host and exposes run/copy_in/copy_out.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/netresearch/j2o-core/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// TransportError reports a fatal connection-level failure: dial failure,
// lost connection, or a closed client used after Close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sshx: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config describes how to reach and authenticate against the OpenProject host.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	DialTimeout    time.Duration
}

// Transport owns a single reused SSH connection. It is safe for concurrent
// use by independent commands; serialization above this layer (one
// in-flight console evaluation at a time) is the console session's job,
// not this one's.
type Transport struct {
	cfg    Config
	logger *observability.Logger
	hosts  *HostKeyStore

	mu     sync.RWMutex
	client *ssh.Client
	closed bool
}

// NewTransport dials the OpenProject host and verifies the connection.
func NewTransport(ctx context.Context, cfg Config, hosts *HostKeyStore, logger *observability.Logger) (*Transport, error) {
	t := &Transport{cfg: cfg, hosts: hosts, logger: logger}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	logger.Info("ssh transport connected", zap.String("host", cfg.Host))
	return t, nil
}

func (t *Transport) dial(ctx context.Context) error {
	signer, err := LoadPrivateKey(t.cfg.PrivateKeyPath)
	if err != nil {
		return &TransportError{Op: "load_private_key", Err: err}
	}

	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: t.hosts.Callback(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, port(t.cfg.Port))

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return &TransportError{Op: "handshake", Err: err}
	}

	t.mu.Lock()
	t.client = ssh.NewClient(sshConn, chans, reqs)
	t.closed = false
	t.mu.Unlock()
	return nil
}

func port(p int) int {
	if p == 0 {
		return 22
	}
	return p
}

// Ping verifies the connection is alive without side effects.
func (t *Transport) Ping(ctx context.Context) error {
	_, _, exit, err := t.Run(ctx, "true", nil, 5*time.Second)
	if err != nil {
		return err
	}
	if exit != 0 {
		return &TransportError{Op: "ping", Err: fmt.Errorf("unexpected exit code %d", exit)}
	}
	return nil
}

// Run executes cmd on the remote host, optionally feeding stdin, and
// returns stdout, stderr and the exit code. It honors ctx cancellation by
// closing the session, which aborts the remote command.
func (t *Transport) Run(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, nil, -1, &TransportError{Op: "run", Err: fmt.Errorf("transport is closed")}
	}
	client := t.client
	t.mu.RUnlock()

	session, sessErr := client.NewSession()
	if sessErr != nil {
		return nil, nil, -1, &TransportError{Op: "new_session", Err: sessErr}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	if timeout == 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		return outBuf.Bytes(), errBuf.Bytes(), -1, &TransportError{Op: "run", Err: ctx.Err()}
	case <-time.After(timeout):
		session.Close()
		return outBuf.Bytes(), errBuf.Bytes(), -1, &TransportError{Op: "run", Err: fmt.Errorf("timed out after %s", timeout)}
	case runErr := <-done:
		if runErr == nil {
			return outBuf.Bytes(), errBuf.Bytes(), 0, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		return outBuf.Bytes(), errBuf.Bytes(), -1, &TransportError{Op: "run", Err: runErr}
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// CopyIn writes localBytes to remotePath on the remote host via an
// inline `cat > file` pipe over stdin (avoids shipping sftp when scp-style
// plumbing over the existing session suffices for the small payloads this
// engine moves: scripts and per-batch JSON).
func (t *Transport) CopyIn(ctx context.Context, localBytes []byte, remotePath string) error {
	cmd := fmt.Sprintf("cat > %s", shellQuote(remotePath))
	_, stderr, exit, err := t.Run(ctx, cmd, localBytes, 60*time.Second)
	if err != nil {
		return err
	}
	if exit != 0 {
		return &TransportError{Op: "copy_in", Err: fmt.Errorf("remote write failed: %s", strings.TrimSpace(string(stderr)))}
	}
	return nil
}

// CopyOut reads remotePath from the remote host.
func (t *Transport) CopyOut(ctx context.Context, remotePath string) ([]byte, error) {
	cmd := fmt.Sprintf("cat %s", shellQuote(remotePath))
	stdout, stderr, exit, err := t.Run(ctx, cmd, nil, 60*time.Second)
	if err != nil {
		return nil, err
	}
	if exit != 0 {
		return nil, &TransportError{Op: "copy_out", Err: fmt.Errorf("remote read failed: %s", strings.TrimSpace(string(stderr)))}
	}
	return stdout, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close closes the underlying SSH client. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

// WithRetry executes fn with exponential backoff (base 2s, cap 10s, 3
// attempts), matching the orchestrator-level retry policy for
// TransportError/ContainerError. It honors ctx cancellation between
// attempts.
func WithRetry(ctx context.Context, logger *observability.Logger, metrics *observability.Metrics, operation string, fn func() error) error {
	const maxAttempts = 3
	backoff := 2 * time.Second
	const cap = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				metrics.RecordRetry(operation, "cancelled")
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > cap {
					backoff = cap
				}
			}
			logger.Info("retrying after transport failure",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
			)
		}

		if err := fn(); err != nil {
			lastErr = err
			if !isRetriable(err) {
				metrics.RecordRetry(operation, "permanent_failure")
				return err
			}
			metrics.RecordRetry(operation, "retry")
			continue
		}

		if attempt > 0 {
			metrics.RecordRetry(operation, "success_after_retry")
		}
		return nil
	}

	metrics.RecordRetry(operation, "exhausted")
	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, maxAttempts, lastErr)
}

// retriable is implemented by TransportError and containerx.ContainerError:
// both are fatal for the current batch but safe to retry at the
// orchestrator's discretion (spec.md §4.1 failure model).
type retriable interface {
	Retriable() bool
}

func isRetriable(err error) bool {
	if r, ok := err.(retriable); ok {
		return r.Retriable()
	}
	return false
}

// Retriable reports that TransportError is always safe to retry.
func (e *TransportError) Retriable() bool { return true }
