package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/netresearch/j2o-core/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// HostKeyStore is a known-hosts-style fingerprint trust store for the
// single OpenProject host this engine talks to, plus the engine's own
// ed25519 client identity key (atomic write-then-rename persistence,
// in-memory fingerprint-trust map guarded by a mutex).
type HostKeyStore struct {
	mu            sync.RWMutex
	trustedHosts  map[string]string // host -> fingerprint
	identityPath  string
	identity      ed25519.PrivateKey
	logger        *observability.Logger
}

// NewHostKeyStore loads or generates the client identity key under
// keyDir, and starts with an empty trusted-host map (populated via
// TrustHost, e.g. from a known_hosts-equivalent config entry).
func NewHostKeyStore(logger *observability.Logger, keyDir string) (*HostKeyStore, error) {
	if keyDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("hostkeys: home directory: %w", err)
		}
		keyDir = filepath.Join(homeDir, ".j2o", "keys")
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("hostkeys: create key directory: %w", err)
	}

	hs := &HostKeyStore{
		trustedHosts: make(map[string]string),
		identityPath: filepath.Join(keyDir, "id_ed25519"),
		logger:       logger,
	}

	if err := hs.loadOrGenerateIdentity(); err != nil {
		return nil, fmt.Errorf("hostkeys: initialize identity: %w", err)
	}

	logger.Info("ssh identity ready", zap.String("fingerprint", hs.IdentityFingerprint()))
	return hs, nil
}

func (hs *HostKeyStore) loadOrGenerateIdentity() error {
	if _, err := os.Stat(hs.identityPath); os.IsNotExist(err) {
		hs.logger.Info("generating new ssh client identity")
		return hs.generateAndSaveIdentity()
	}

	keyPEM, err := os.ReadFile(hs.identityPath)
	if err != nil {
		return fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || len(block.Bytes) != ed25519.PrivateKeySize {
		hs.logger.Warn("identity key file unreadable, regenerating")
		return hs.generateAndSaveIdentity()
	}

	hs.mu.Lock()
	hs.identity = ed25519.PrivateKey(block.Bytes)
	hs.mu.Unlock()
	return nil
}

func (hs *HostKeyStore) generateAndSaveIdentity() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "OPENSSH PRIVATE KEY",
		Bytes: priv,
	})

	tmp := hs.identityPath + ".tmp"
	if err := os.WriteFile(tmp, keyPEM, 0600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	if err := os.Rename(tmp, hs.identityPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename identity key: %w", err)
	}

	hs.mu.Lock()
	hs.identity = priv
	hs.mu.Unlock()
	return nil
}

// IdentityFingerprint returns the SHA-256 fingerprint of the client's
// public identity key.
func (hs *HostKeyStore) IdentityFingerprint() string {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	if hs.identity == nil {
		return ""
	}
	pub := hs.identity.Public().(ed25519.PublicKey)
	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:])
}

// TrustHost records the expected fingerprint for a host. Subsequent
// connections whose presented host key does not match this fingerprint
// are rejected by Callback.
func (hs *HostKeyStore) TrustHost(host, fingerprint string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.trustedHosts[host] = fingerprint
	hs.logger.Info("trusted host key added", zap.String("host", host), zap.String("fingerprint", fingerprint))
}

// IsTrusted reports whether host's recorded fingerprint matches fingerprint.
func (hs *HostKeyStore) IsTrusted(host, fingerprint string) bool {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	expected, ok := hs.trustedHosts[host]
	if !ok {
		return false
	}
	return expected == fingerprint
}

// Callback returns an ssh.HostKeyCallback. If no fingerprint was ever
// recorded for a host (first connection), it trusts on first use and
// records the fingerprint; otherwise it enforces the recorded one.
func (hs *HostKeyStore) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)

		hs.mu.Lock()
		defer hs.mu.Unlock()

		expected, known := hs.trustedHosts[hostname]
		if !known {
			hs.trustedHosts[hostname] = fingerprint
			hs.logger.Info("trusting new host key on first use",
				zap.String("host", hostname), zap.String("fingerprint", fingerprint))
			return nil
		}
		if expected != fingerprint {
			return fmt.Errorf("hostkeys: host key mismatch for %s: expected %s, got %s", hostname, expected, fingerprint)
		}
		return nil
	}
}

// LoadPrivateKey loads an ssh.Signer from a PEM-encoded private key file
// on disk (the key authenticating this engine to the OpenProject host;
// distinct from the HostKeyStore's own identity, which signs nothing and
// exists only so the engine has a stable fingerprint to present).
func LoadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}
