package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
	"github.com/risefleet/rise/internal/state"
)

// CommitWindow is how long the client has to confirm after an apply
// response before the remote reverts on its own. Variable so tests can
// shrink it.
var CommitWindow = 90 * time.Second

// Runner is the slice of a session channel the firewall protocol needs.
type Runner interface {
	HostID() string
	Invoke(ctx context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error)
}

// ApplyResult is returned from a successful apply; the UI starts its
// visible countdown from AppliedAt.
type ApplyResult struct {
	RollbackScheduled bool
	Message           string
	AppliedAt         time.Time
	Window            time.Duration
}

// Manager tracks pending applies and their commit-window timers. At most
// one pending apply exists per host; a newer apply supersedes.
type Manager struct {
	store *state.Store
	bus   *events.Bus

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewManager wires the firewall protocol to the marker store and bus.
func NewManager(store *state.Store, bus *events.Bus) *Manager {
	return &Manager{store: store, bus: bus, timers: make(map[string]*time.Timer)}
}

// Scan returns the host's effective rule set.
func (m *Manager) Scan(ctx context.Context, ch Runner) (*protocol.Envelope, error) {
	env, err := ch.Invoke(ctx, session.ProgramFirewall, []string{"--scan"}, session.Quick, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}
	return env, nil
}

// Apply validates rules client-side, sends them on stdin, and records
// the pending marker. A second apply before confirm or rollback
// supersedes the first and restarts the window.
func (m *Manager) Apply(ctx context.Context, ch Runner, rules []Rule) (*ApplyResult, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(struct {
		Rules []Rule `json:"rules"`
	}{rules})
	if err != nil {
		return nil, fmt.Errorf("marshal rules: %w", err)
	}

	env, err := ch.Invoke(ctx, session.ProgramFirewall, []string{"--apply"}, session.Medium, payload)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}

	hostID := ch.HostID()
	appliedAt := time.Now().UTC()
	if err := m.store.PutPending(hostID, appliedAt); err != nil {
		return nil, err
	}
	m.armExpiry(hostID, appliedAt)

	return &ApplyResult{
		RollbackScheduled: env.Bool("rollbackScheduled"),
		Message:           env.String("message"),
		AppliedAt:         appliedAt,
		Window:            CommitWindow,
	}, nil
}

// Confirm persists the pending rules on the remote. An expired window
// surfaces PendingExpired: the change was already reverted and the user
// must re-apply. Either way the local marker is cleared.
func (m *Manager) Confirm(ctx context.Context, ch Runner) error {
	env, err := ch.Invoke(ctx, session.ProgramFirewall, []string{"--confirm"}, session.Quick, nil)
	if err != nil {
		return err
	}

	hostID := ch.HostID()
	if rerr := env.Err(); rerr != nil {
		if rerr.Code == protocol.CodePendingExpired {
			m.clearMarker(hostID)
		}
		return rerr
	}

	m.clearMarker(hostID)
	return nil
}

// Rollback restores the last persisted rule set and clears the marker.
func (m *Manager) Rollback(ctx context.Context, ch Runner) error {
	env, err := ch.Invoke(ctx, session.ProgramFirewall, []string{"--rollback"}, session.Quick, nil)
	if err != nil {
		return err
	}
	if rerr := env.Err(); rerr != nil {
		return rerr
	}
	m.clearMarker(ch.HostID())
	return nil
}

// Pending reports the outstanding apply for a host, if any.
func (m *Manager) Pending(hostID string) (state.PendingMarker, bool) {
	return m.store.Pending(hostID)
}

// armExpiry (re)starts the commit-window timer for a host. On expiry the
// remote has already reverted; the client clears its marker and tells
// the UI.
func (m *Manager) armExpiry(hostID string, appliedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[hostID]; ok {
		t.Stop()
	}
	m.timers[hostID] = time.AfterFunc(CommitWindow, func() {
		// The marker may already be gone if confirm/rollback raced the
		// timer; ClearPending tolerates that.
		marker, ok := m.store.Pending(hostID)
		if !ok || !marker.AppliedAt.Equal(appliedAt) {
			return
		}
		if err := m.store.ClearPending(hostID); err != nil {
			log.Printf("[firewall] clear expired marker %s: %v", hostID, err)
		}
		m.bus.Publish(events.PendingExpired{HostID: hostID, AppliedAt: appliedAt})
		log.Printf("[firewall] commit window expired on %s, remote reverted", hostID)
	})
}

func (m *Manager) clearMarker(hostID string) {
	m.mu.Lock()
	if t, ok := m.timers[hostID]; ok {
		t.Stop()
		delete(m.timers, hostID)
	}
	m.mu.Unlock()
	if err := m.store.ClearPending(hostID); err != nil {
		log.Printf("[firewall] clear marker %s: %v", hostID, err)
	}
}
