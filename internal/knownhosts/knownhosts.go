// Package knownhosts persists host-key pins and classifies presented host
// keys under a Trust-On-First-Use policy.
//
// A record is never mutated in place. A changed fingerprint or algorithm
// is a security event surfaced to the user; replacement only happens via
// an explicit Remove followed by a fresh user-confirmed Add.
package knownhosts

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/risefleet/rise/internal/atomicfile"
)

// Status classifies a presented host key against the pin store.
type Status int

const (
	// Trusted: exact match on fingerprint and algorithm.
	Trusted Status = iota
	// New: no record; caller must obtain user confirmation before Add.
	New
	// FingerprintChanged: pinned algorithm, different fingerprint.
	// Possible MITM. Fatal for the connection, no override path.
	FingerprintChanged
	// AlgorithmChanged: pinned record with a different key algorithm.
	// Possible downgrade. Fatal for the connection.
	AlgorithmChanged
)

func (s Status) String() string {
	switch s {
	case Trusted:
		return "trusted"
	case New:
		return "new"
	case FingerprintChanged:
		return "fingerprint-changed"
	case AlgorithmChanged:
		return "algorithm-changed"
	}
	return "unknown"
}

// Record is one pinned host key.
type Record struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Fingerprint string    `json:"fingerprint"` // canonical SHA256:<base64>
	Algorithm   string    `json:"algorithm"`   // e.g. ssh-ed25519
	FirstSeen   time.Time `json:"firstSeen"`
}

type fileFormat struct {
	Hosts []Record `json:"hosts"`
}

// Store is the persisted (host,port) -> pin map. Single writer via its
// own mutex; verifications read a stable snapshot.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

// NewStore loads (or initializes) the pin store at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil // first run
		}
		return nil, fmt.Errorf("read known hosts: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse known hosts: %w", err)
	}
	for _, r := range ff.Hosts {
		s.records[hostKey(r.Host, r.Port)] = r
	}
	return s, nil
}

func hostKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Fingerprint canonicalizes a public key to SHA256:<base64>.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Verify classifies a presented key. It never writes; on New the caller
// pins via Add only after user confirmation.
func (s *Store) Verify(host string, port int, key ssh.PublicKey) (Status, Record) {
	return s.VerifyRaw(host, port, Fingerprint(key), key.Type())
}

// VerifyRaw classifies by pre-canonicalized fingerprint and algorithm.
func (s *Store) VerifyRaw(host string, port int, fingerprint, algorithm string) (Status, Record) {
	s.mu.RLock()
	rec, ok := s.records[hostKey(host, port)]
	s.mu.RUnlock()

	if !ok {
		return New, Record{}
	}
	if rec.Algorithm != algorithm {
		return AlgorithmChanged, rec
	}
	if rec.Fingerprint != fingerprint {
		return FingerprintChanged, rec
	}
	return Trusted, rec
}

// Add pins a host key after user confirmation. Refuses to overwrite an
// existing record: a change must go through Remove explicitly.
func (s *Store) Add(host string, port int, fingerprint, algorithm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := hostKey(host, port)
	if _, exists := s.records[k]; exists {
		return fmt.Errorf("known hosts: record for %s exists; remove it first", k)
	}
	s.records[k] = Record{
		Host:        host,
		Port:        port,
		Fingerprint: fingerprint,
		Algorithm:   algorithm,
		FirstSeen:   time.Now().UTC(),
	}
	return s.saveLocked()
}

// Remove deletes the pin for (host, port). Removing an absent record is
// not an error.
func (s *Store) Remove(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := hostKey(host, port)
	if _, exists := s.records[k]; !exists {
		return nil
	}
	delete(s.records, k)
	return s.saveLocked()
}

// Lookup returns the pin for (host, port) if present.
func (s *Store) Lookup(host string, port int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hostKey(host, port)]
	return rec, ok
}

// saveLocked writes the full store via tmp+fsync+rename. Must be called
// with s.mu held for writing.
func (s *Store) saveLocked() error {
	ff := fileFormat{Hosts: make([]Record, 0, len(s.records))}
	for _, r := range s.records {
		ff.Hosts = append(ff.Hosts, r)
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal known hosts: %w", err)
	}

	return atomicfile.WriteFile(s.path, data, 0o600)
}
