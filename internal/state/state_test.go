package state

import (
	"testing"
	"time"
)

func TestUpsertAssignsID(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	h, err := s.UpsertHost(HostEntry{
		DisplayName:  "web server",
		Host:         "10.0.0.5",
		Username:     "rise-admin",
		SecurityMode: ModeHybrid,
	})
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	if h.ID == "" {
		t.Fatal("no id assigned")
	}
	if h.Port != 22 {
		t.Fatalf("default port not applied: %d", h.Port)
	}

	got, ok := s.Host(h.ID)
	if !ok || got.DisplayName != "web server" {
		t.Fatalf("entry not stored: %+v", got)
	}
}

func TestInvalidModeRejected(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.UpsertHost(HostEntry{Host: "h", SecurityMode: "open-bar"}); err == nil {
		t.Fatal("invalid mode must be rejected")
	}
}

func TestModeRank(t *testing.T) {
	if ModePermissive.Rank() >= ModeHybrid.Rank() || ModeHybrid.Rank() >= ModeKeyOnly.Rank() {
		t.Fatal("mode ranking broken")
	}
}

func TestPendingMarkerLifecycle(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	first := time.Now().UTC().Add(-10 * time.Second)
	if err := s.PutPending("h1", first); err != nil {
		t.Fatalf("PutPending: %v", err)
	}

	// A second apply supersedes the first: still exactly one marker.
	second := time.Now().UTC()
	if err := s.PutPending("h1", second); err != nil {
		t.Fatalf("PutPending supersede: %v", err)
	}
	p, ok := s.Pending("h1")
	if !ok || !p.AppliedAt.Equal(second) {
		t.Fatalf("supersede did not replace marker: %+v", p)
	}

	if err := s.ClearPending("h1"); err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	if _, ok := s.Pending("h1"); ok {
		t.Fatal("marker survived clear")
	}
	if err := s.ClearPending("h1"); err != nil {
		t.Fatalf("clearing absent marker must not fail: %v", err)
	}
}

func TestRemoveHostDropsMarker(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	h, err := s.UpsertHost(HostEntry{Host: "10.0.0.9", SecurityMode: ModePermissive})
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	if err := s.PutPending(h.ID, time.Now()); err != nil {
		t.Fatalf("PutPending: %v", err)
	}
	if err := s.RemoveHost(h.ID); err != nil {
		t.Fatalf("RemoveHost: %v", err)
	}
	if _, ok := s.Pending(h.ID); ok {
		t.Fatal("pending marker must die with its host")
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Hosts()) != 0 {
		t.Fatal("removed host resurrected on reload")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h, err := s.UpsertHost(HostEntry{Host: "10.0.0.7", SecurityMode: ModeKeyOnly, KeyRegistered: true})
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Second)
	if err := s.PutPending(h.ID, at); err != nil {
		t.Fatalf("PutPending: %v", err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Host(h.ID)
	if !ok || !got.KeyRegistered || got.SecurityMode != ModeKeyOnly {
		t.Fatalf("host entry lost: %+v", got)
	}
	p, ok := reloaded.Pending(h.ID)
	if !ok || !p.AppliedAt.Equal(at) {
		t.Fatalf("pending marker lost: %+v", p)
	}
}
