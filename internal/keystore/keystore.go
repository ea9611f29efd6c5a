// Package keystore manages the single per-installation device keypair.
//
// Key lifecycle:
// 1. First need -> Ed25519 keypair generated, written under <state>/keys
// 2. Public half installed into remote authorized-keys during onboarding
// 3. Private half never leaves the machine
//
// Storage is a 0700 directory with a 0600 key file. If those permissions
// cannot be applied and verified, Ensure fails with InsecureStorage
// instead of silently serving a readable key.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/risefleet/rise/internal/atomicfile"
	"github.com/risefleet/rise/internal/protocol"
)

const keyComment = "rise-device"

// Store holds the device keypair on disk and caches the parsed signer.
type Store struct {
	dir string

	mu     sync.Mutex
	signer ssh.Signer
	pubkey string // authorized-keys line, trailing newline stripped
}

// New creates a store rooted at dir (typically <state-root>/keys).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) privPath() string { return filepath.Join(s.dir, "id_ed25519") }
func (s *Store) pubPath() string  { return filepath.Join(s.dir, "id_ed25519.pub") }

// Ensure generates the keypair if absent and loads it. Idempotent.
func (s *Store) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked()
}

func (s *Store) ensureLocked() error {
	if s.signer != nil {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	if err := s.loadExisting(); err == nil {
		return s.checkConfidential()
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(block)

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}
	pubLine := authorizedLine(signer.PublicKey())

	// Private key first, then public; tmp+rename so a crash never leaves
	// a half-written key file.
	if err := atomicfile.WriteFile(s.privPath(), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := atomicfile.WriteFile(s.pubPath(), []byte(pubLine+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	s.signer = signer
	s.pubkey = pubLine
	return s.checkConfidential()
}

// loadExisting parses an on-disk keypair into the cache.
func (s *Store) loadExisting() error {
	privPEM, err := os.ReadFile(s.privPath())
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(privPEM)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	s.signer = signer
	s.pubkey = authorizedLine(signer.PublicKey())
	return nil
}

// checkConfidential verifies the private key is owner-only. Group or
// world bits on the key file mean confidentiality is gone.
func (s *Store) checkConfidential() error {
	fi, err := os.Stat(s.privPath())
	if err != nil {
		return fmt.Errorf("stat private key: %w", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return protocol.New(protocol.CodeInsecureStorage,
			"private key %s has mode %04o, want owner-only", s.privPath(), fi.Mode().Perm())
	}
	return nil
}

// PublicKey returns the authorized-keys line for the device, generating
// the keypair on first call.
func (s *Store) PublicKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return "", err
	}
	return s.pubkey, nil
}

// Signer returns the SSH signer for key authentication.
func (s *Store) Signer() (ssh.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	return s.signer, nil
}

// KeyID returns the canonical SHA256 fingerprint of the public key.
func (s *Store) KeyID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(s.signer.PublicKey()), nil
}

// Clear removes the keypair from disk and memory. Testing only.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = nil
	s.pubkey = ""
	if err := os.Remove(s.privPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.pubPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SameKey reports whether an authorized-keys line carries the same key as
// line b, ignoring the comment field. Used for the idempotent add-device
// "already registered" check.
func SameKey(a, b string) bool {
	return normalize(a) != "" && normalize(a) == normalize(b)
}

func normalize(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[0] + " " + fields[1]
}

func authorizedLine(key ssh.PublicKey) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	return line + " " + keyComment
}
