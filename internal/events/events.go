// Package events carries typed notifications from core components to the
// UI. Components publish; the UI owns its subscription. Payloads are plain
// data. Recovery actions (for example the unreachable-host choices) are
// methods on the owning component, never callbacks smuggled in an event.
package events

import (
	"log"
	"sync"
	"time"
)

// Kind discriminates event payload types.
type Kind string

const (
	KindNewHostKey     Kind = "new-host-key"
	KindHostKeyChanged Kind = "host-key-changed"
	KindUnreachable    Kind = "unreachable"
	KindCacheIntegrity Kind = "cache-integrity-failure"
	KindOpCancelled    Kind = "op-cancelled-during-update"
	KindPendingExpired Kind = "firewall-pending-expired"
	KindRootNoKey      Kind = "root-no-key"
	KindApiDrift       Kind = "api-drift"
	KindUpdateNotice   Kind = "update-notice"
)

// Event is implemented by every payload type.
type Event interface {
	EventKind() Kind
}

// NewHostKey asks the user to confirm a first-seen host key (TOFU).
type NewHostKey struct {
	Host        string
	Port        int
	Fingerprint string
	Algorithm   string
}

func (NewHostKey) EventKind() Kind { return KindNewHostKey }

// HostKeyChanged reports a pinned host presenting a different fingerprint
// (possible MITM) or algorithm (possible downgrade). Never auto-resolved.
type HostKeyChanged struct {
	Host        string
	Port        int
	Algorithm   string
	Fingerprint string
	// What is "fingerprint" or "algorithm".
	What string
}

func (HostKeyChanged) EventKind() Kind { return KindHostKeyChanged }

// RecoveryChoice is the user's answer to an Unreachable event.
type RecoveryChoice int

const (
	ChoiceCorrectAddress RecoveryChoice = iota
	ChoiceDropHost
	ChoiceSnooze
	ChoiceCancel
)

// Unreachable reports a host that could not be dialed. The UI answers via
// the session manager's ResolveUnreachable.
type Unreachable struct {
	HostID  string
	Address string
	Reason  string
}

func (Unreachable) EventKind() Kind { return KindUnreachable }

// CacheIntegrityFailure reports a SHA-256 mismatch on a fetched artifact.
// Treated as tampering; the previous good artifact keeps serving.
type CacheIntegrityFailure struct {
	Name     string
	Expected string
	Actual   string
}

func (CacheIntegrityFailure) EventKind() Kind { return KindCacheIntegrity }

// OpCancelledDuringUpdate reports a queued user operation that hit the
// 30-second queue deadline while a program update held the host lock.
type OpCancelledDuringUpdate struct {
	HostID    string
	Operation string
}

func (OpCancelledDuringUpdate) EventKind() Kind { return KindOpCancelled }

// PendingExpired reports that a firewall apply's commit window lapsed and
// the remote reverted to the last persisted rule set.
type PendingExpired struct {
	HostID    string
	AppliedAt time.Time
}

func (PendingExpired) EventKind() Kind { return KindPendingExpired }

// RootNoKey warns that a policy upgrade would lock out the invoking
// account, which has no pinned key. Requires explicit override.
type RootNoKey struct {
	HostID string
	Mode   string
}

func (RootNoKey) EventKind() Kind { return KindRootNoKey }

// ApiDrift warns that a host's program API minor version has drifted.
type ApiDrift struct {
	HostID        string
	ServerVersion string
}

func (ApiDrift) EventKind() Kind { return KindApiDrift }

// UpdateNotice reports new content observed by a cache sync. Identity is
// stable across sessions so the UI can de-duplicate.
type UpdateNotice struct {
	// Category is "program", "localization" or "ports-db".
	Category string
	Name     string
	Version  string
}

func (UpdateNotice) EventKind() Kind { return KindUpdateNotice }

const subscriberBuffer = 256

// Bus fans events out to subscribers. Publish never blocks a component;
// a subscriber that falls subscriberBuffer events behind loses the event
// and the loss is logged (security events are also persisted elsewhere,
// so a slow UI cannot silently swallow them).
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func closes
// the channel and releases the slot.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[events] subscriber %d full, dropped %s", id, ev.EventKind())
		}
	}
}
