// Package state persists the control plane's local records: the host
// entries the UI routes by and the client half of pending firewall
// applies. All writes are atomic (tmp+fsync+rename).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/risefleet/rise/internal/atomicfile"
)

// SecurityMode is the access-policy mode applied to a host.
type SecurityMode string

const (
	ModePermissive SecurityMode = "permissive"
	ModeHybrid     SecurityMode = "hybrid"
	ModeKeyOnly    SecurityMode = "key-only"
)

// Valid reports whether m is one of the three modes.
func (m SecurityMode) Valid() bool {
	switch m {
	case ModePermissive, ModeHybrid, ModeKeyOnly:
		return true
	}
	return false
}

// Rank orders modes from permissive (0) to key-only (2). Downgrades from
// the client are free; upgrades are gated (see onboard).
func (m SecurityMode) Rank() int {
	switch m {
	case ModeHybrid:
		return 1
	case ModeKeyOnly:
		return 2
	}
	return 0
}

// HostEntry is one configured host.
type HostEntry struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"displayName"`
	Host         string       `json:"host"`
	Port         int          `json:"port"`
	Username     string       `json:"username"`
	SecurityMode SecurityMode `json:"securityMode"`

	// KeyRegistered records that the device key was installed on the
	// host by a successful onboarding; the session manager selects key
	// auth from it.
	KeyRegistered bool `json:"keyRegistered"`
}

// PendingMarker records an outstanding two-phase firewall apply whose
// commit window is ticking on the remote.
type PendingMarker struct {
	HostID    string    `json:"hostId"`
	AppliedAt time.Time `json:"appliedAt"`
}

const (
	hostsFileName   = "hosts.json"
	pendingFileName = "pending_firewall.json"
)

type hostsFile struct {
	Hosts []HostEntry `json:"hosts"`
}

type pendingFile struct {
	Pending []PendingMarker `json:"pending"`
}

// Store is the on-disk state under <state-root>.
type Store struct {
	dir string

	mu      sync.RWMutex
	hosts   map[string]HostEntry
	pending map[string]PendingMarker // at most one per host id
}

// NewStore loads (or initializes) the state rooted at dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:     dir,
		hosts:   make(map[string]HostEntry),
		pending: make(map[string]PendingMarker),
	}

	if err := loadJSON(filepath.Join(dir, hostsFileName), &hostsFile{}, func(v interface{}) {
		for _, h := range v.(*hostsFile).Hosts {
			s.hosts[h.ID] = h
		}
	}); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, pendingFileName), &pendingFile{}, func(v interface{}) {
		for _, p := range v.(*pendingFile).Pending {
			s.pending[p.HostID] = p
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func loadJSON(path string, into interface{}, apply func(interface{})) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	apply(into)
	return nil
}

// Hosts returns all host entries.
func (s *Store) Hosts() []HostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HostEntry, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out
}

// Host returns the entry for id.
func (s *Store) Host(id string) (HostEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	return h, ok
}

// UpsertHost creates or updates a host entry, assigning an id when the
// entry has none. Returns the stored entry.
func (s *Store) UpsertHost(h HostEntry) (HostEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if !h.SecurityMode.Valid() {
		return HostEntry{}, fmt.Errorf("invalid security mode %q", h.SecurityMode)
	}
	s.hosts[h.ID] = h
	return h, s.saveHostsLocked()
}

// RemoveHost deletes a host entry and its pending marker. The caller is
// responsible for evicting the host-key pin (knownhosts) alongside.
func (s *Store) RemoveHost(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[id]; !ok {
		return nil
	}
	delete(s.hosts, id)
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		if err := s.savePendingLocked(); err != nil {
			return err
		}
	}
	return s.saveHostsLocked()
}

// PutPending records a pending firewall marker for a host, superseding
// any existing one (a second apply restarts the window).
func (s *Store) PutPending(hostID string, appliedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[hostID] = PendingMarker{HostID: hostID, AppliedAt: appliedAt}
	return s.savePendingLocked()
}

// ClearPending removes the marker for a host. Clearing an absent marker
// is not an error.
func (s *Store) ClearPending(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[hostID]; !ok {
		return nil
	}
	delete(s.pending, hostID)
	return s.savePendingLocked()
}

// Pending returns the marker for a host, if one exists.
func (s *Store) Pending(hostID string) (PendingMarker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[hostID]
	return p, ok
}

func (s *Store) saveHostsLocked() error {
	ff := hostsFile{Hosts: make([]HostEntry, 0, len(s.hosts))}
	for _, h := range s.hosts {
		ff.Hosts = append(ff.Hosts, h)
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hosts: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(s.dir, hostsFileName), data, 0o600)
}

func (s *Store) savePendingLocked() error {
	ff := pendingFile{Pending: make([]PendingMarker, 0, len(s.pending))}
	for _, p := range s.pending {
		ff.Pending = append(ff.Pending, p)
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending markers: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(s.dir, pendingFileName), data, 0o600)
}
