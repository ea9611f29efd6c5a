package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/keystore"
	"github.com/risefleet/rise/internal/knownhosts"
	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/state"
)

const (
	connectTimeout = 30 * time.Second
	snoozeDuration = 30 * time.Minute
)

// ConnectOptions carries onboarding-scoped connection inputs.
type ConnectOptions struct {
	// Password enables password auth; only supplied during onboarding
	// flows (including OTP enrollment). Never persisted.
	Password string
	// AcceptNew confirms pinning a first-seen host key. Set only after
	// the user has approved the fingerprint from a NewHostKey event.
	AcceptNew bool
}

// Manager owns at most one channel per host id.
type Manager struct {
	keys  *keystore.Store
	pins  *knownhosts.Store
	store *state.Store
	bus   *events.Bus

	mu       sync.Mutex
	channels map[string]*Channel
	snoozed  map[string]time.Time

	// dial is swapped out in tests.
	dial func(addr string, config *ssh.ClientConfig) (commandRunner, error)
}

// NewManager wires the session manager to its collaborators.
func NewManager(keys *keystore.Store, pins *knownhosts.Store, store *state.Store, bus *events.Bus) *Manager {
	return &Manager{
		keys:     keys,
		pins:     pins,
		store:    store,
		bus:      bus,
		channels: make(map[string]*Channel),
		snoozed:  make(map[string]time.Time),
		dial:     dialSSH,
	}
}

func dialSSH(addr string, config *ssh.ClientConfig) (commandRunner, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return &sshRunner{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Channel returns the live channel for a configured host, dialing one if
// needed. Key auth only; onboarding flows use Connect directly.
func (m *Manager) Channel(ctx context.Context, hostID string) (*Channel, error) {
	m.mu.Lock()
	if ch, ok := m.channels[hostID]; ok && !ch.Closed() {
		m.mu.Unlock()
		return ch, nil
	}
	m.mu.Unlock()

	entry, ok := m.store.Host(hostID)
	if !ok {
		return nil, protocol.New(protocol.CodeNotConnected, "unknown host id %s", hostID)
	}
	return m.Connect(ctx, entry, ConnectOptions{})
}

// Connect establishes an authenticated channel to the host described by
// entry. The presented host key is routed through the TOFU verifier
// before authentication: a new key suspends the connection (NewHost error
// plus event) until the caller retries with AcceptNew; a changed key is
// fatal. After authentication succeeds on a new host the pin is written
// before any command runs.
func (m *Manager) Connect(ctx context.Context, entry state.HostEntry, opts ConnectOptions) (*Channel, error) {
	if entry.ID == "" {
		return nil, fmt.Errorf("connect: host entry has no id")
	}

	config := &ssh.ClientConfig{
		User:    entry.Username,
		Timeout: connectTimeout,
	}

	switch {
	case entry.KeyRegistered:
		signer, err := m.keys.Signer()
		if err != nil {
			return nil, fmt.Errorf("load device key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case opts.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(opts.Password)}
	default:
		return nil, protocol.New(protocol.CodeNoCredentials,
			"no credentials for %s: device key not registered and no password supplied", entry.Host)
	}

	var pinFingerprint, pinAlgorithm string
	config.HostKeyCallback = m.hostKeyCallback(entry, opts.AcceptNew, &pinFingerprint, &pinAlgorithm)

	addr := net.JoinHostPort(entry.Host, strconv.Itoa(entry.Port))
	runner, err := m.dial(addr, config)
	if err != nil {
		return nil, m.classifyDialError(entry, addr, err)
	}

	// Pin a user-accepted first-seen key before the first command.
	if pinFingerprint != "" {
		if err := m.pins.Add(entry.Host, entry.Port, pinFingerprint, pinAlgorithm); err != nil {
			runner.close()
			return nil, fmt.Errorf("pin host key: %w", err)
		}
		log.Printf("[session] pinned %s for %s", pinFingerprint, addr)
	}

	ch := &Channel{
		hostID: entry.ID,
		host:   entry.Host,
		port:   entry.Port,
		runner: runner,
		bus:    m.bus,
	}

	m.mu.Lock()
	if old, ok := m.channels[entry.ID]; ok && !old.Closed() {
		old.Close()
	}
	m.channels[entry.ID] = ch
	delete(m.snoozed, entry.ID)
	m.mu.Unlock()

	log.Printf("[session] connected to %s as %s", addr, entry.Username)
	return ch, nil
}

// hostKeyCallback routes the presented key through the TOFU verifier.
// On acceptance of a new key, the fingerprint is captured for pinning
// after authentication succeeds.
func (m *Manager) hostKeyCallback(entry state.HostEntry, acceptNew bool, pinFingerprint, pinAlgorithm *string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		status, _ := m.pins.Verify(entry.Host, entry.Port, key)
		fp := knownhosts.Fingerprint(key)

		switch status {
		case knownhosts.Trusted:
			return nil
		case knownhosts.New:
			if acceptNew {
				*pinFingerprint = fp
				*pinAlgorithm = key.Type()
				return nil
			}
			m.bus.Publish(events.NewHostKey{
				Host:        entry.Host,
				Port:        entry.Port,
				Fingerprint: fp,
				Algorithm:   key.Type(),
			})
			return protocol.New(protocol.CodeNewHost,
				"host %s presents unpinned key %s (%s); confirmation required", entry.Host, fp, key.Type())
		case knownhosts.FingerprintChanged:
			m.bus.Publish(events.HostKeyChanged{
				Host: entry.Host, Port: entry.Port,
				Fingerprint: fp, Algorithm: key.Type(), What: "fingerprint",
			})
			return protocol.New(protocol.CodeFingerprintChanged,
				"host key for %s changed to %s: possible man-in-the-middle", entry.Host, fp)
		default: // AlgorithmChanged
			m.bus.Publish(events.HostKeyChanged{
				Host: entry.Host, Port: entry.Port,
				Fingerprint: fp, Algorithm: key.Type(), What: "algorithm",
			})
			return protocol.New(protocol.CodeAlgorithmChanged,
				"host key algorithm for %s changed to %s: possible downgrade", entry.Host, key.Type())
		}
	}
}

// classifyDialError separates TOFU rejections (which travel wrapped in
// the handshake error) from plain unreachability.
func (m *Manager) classifyDialError(entry state.HostEntry, addr string, err error) error {
	for _, code := range []protocol.Code{
		protocol.CodeNewHost,
		protocol.CodeFingerprintChanged,
		protocol.CodeAlgorithmChanged,
	} {
		if protocol.IsCode(err, code) {
			return err
		}
	}
	// x/crypto/ssh flattens the callback error into a string; recover
	// the typed code from the message when wrapping is lost.
	msg := err.Error()
	switch {
	case containsCode(msg, protocol.CodeNewHost):
		return protocol.New(protocol.CodeNewHost, "%s", msg)
	case containsCode(msg, protocol.CodeFingerprintChanged):
		return protocol.New(protocol.CodeFingerprintChanged, "%s", msg)
	case containsCode(msg, protocol.CodeAlgorithmChanged):
		return protocol.New(protocol.CodeAlgorithmChanged, "%s", msg)
	}

	m.mu.Lock()
	snoozedUntil, snoozed := m.snoozed[entry.ID]
	m.mu.Unlock()
	if !snoozed || time.Now().After(snoozedUntil) {
		m.bus.Publish(events.Unreachable{HostID: entry.ID, Address: addr, Reason: err.Error()})
	}
	return protocol.New(protocol.CodeUnreachable, "cannot reach %s: %v", addr, err)
}

func containsCode(msg string, code protocol.Code) bool {
	return strings.Contains(msg, string(code)+":")
}

// ResolveUnreachable applies the user's answer to an Unreachable event.
func (m *Manager) ResolveUnreachable(hostID string, choice events.RecoveryChoice) error {
	switch choice {
	case events.ChoiceDropHost:
		entry, ok := m.store.Host(hostID)
		if ok {
			// Drop the pin with the entry; no remote cleanup is
			// attempted for an unreachable host.
			if err := m.pins.Remove(entry.Host, entry.Port); err != nil {
				return err
			}
		}
		m.CloseChannel(hostID)
		return m.store.RemoveHost(hostID)
	case events.ChoiceSnooze:
		m.mu.Lock()
		m.snoozed[hostID] = time.Now().Add(snoozeDuration)
		m.mu.Unlock()
		return nil
	case events.ChoiceCorrectAddress, events.ChoiceCancel:
		// Address edits land through the state store; nothing to do here.
		return nil
	}
	return fmt.Errorf("unknown recovery choice %d", choice)
}

// CloseChannel tears down the channel for a host, if any.
func (m *Manager) CloseChannel(hostID string) {
	m.mu.Lock()
	ch, ok := m.channels[hostID]
	delete(m.channels, hostID)
	m.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// CloseAll tears down every channel (shutdown path).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}
