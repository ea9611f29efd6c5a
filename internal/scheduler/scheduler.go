// Package scheduler runs the periodic content sync and fans out program
// updates and notifications.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/risefleet/rise/internal/contentcache"
	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/notify"
	"github.com/risefleet/rise/internal/state"
)

// defaultSyncInterval is the cadence after the startup sync.
const defaultSyncInterval = 6 * time.Hour

// Cache is the sync side of the content cache.
type Cache interface {
	Sync(ctx context.Context) (*contentcache.SyncResult, error)
	Manifest() (*contentcache.Manifest, error)
}

// Pusher fans program updates out to the fleet.
type Pusher interface {
	PushFleet(ctx context.Context, hostIDs []string, entries []contentcache.ManifestEntry) map[string]error
}

// Scheduler drives sync-then-notify on startup and every interval.
type Scheduler struct {
	cache   Cache
	pusher  Pusher
	notices *notify.Store
	store   *state.Store
	bus     *events.Bus

	// autoUpdate pushes changed programs to every host; notifications
	// are emitted regardless of it.
	autoUpdate bool
	interval   time.Duration
}

// New builds a scheduler. A non-positive interval selects the default.
func New(cache Cache, pusher Pusher, notices *notify.Store, store *state.Store, bus *events.Bus, autoUpdate bool, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Scheduler{
		cache:      cache,
		pusher:     pusher,
		notices:    notices,
		store:      store,
		bus:        bus,
		autoUpdate: autoUpdate,
		interval:   interval,
	}
}

// Run blocks until ctx is cancelled: one sync now, then one per
// interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs the cache, notifies about what changed, and pushes
// program updates to the fleet when auto-update is on.
func (s *Scheduler) RunOnce(ctx context.Context) {
	res, err := s.cache.Sync(ctx)
	if err != nil {
		log.Printf("[scheduler] sync: %v", err)
		return
	}
	if !res.Changed() {
		return
	}

	s.notifyChanges(res)

	if s.autoUpdate && len(res.UpdatedPrograms) > 0 {
		hosts := s.store.Hosts()
		ids := make([]string, 0, len(hosts))
		for _, h := range hosts {
			ids = append(ids, h.ID)
		}
		failures := s.pusher.PushFleet(ctx, ids, res.UpdatedPrograms)
		if len(failures) > 0 {
			log.Printf("[scheduler] fleet push: %d of %d hosts failed", len(failures), len(ids))
		}
	}
}

// notifyChanges records one notification per changed artifact. The
// store de-duplicates across sessions; only genuinely new notices reach
// the bus.
func (s *Scheduler) notifyChanges(res *contentcache.SyncResult) {
	for _, entry := range res.UpdatedPrograms {
		s.notice("program", entry.Name, entry.Version,
			fmt.Sprintf("program %s %s available", entry.Name, entry.Version))
	}
	for _, lang := range res.UpdatedBundles {
		s.notice("localization", lang.Lang, lang.Version,
			fmt.Sprintf("localization %s updated", lang.Lang))
	}
	if res.PortsDBUpdated {
		version := res.ManifestVersion
		if m, err := s.cache.Manifest(); err == nil && m.PortsDBVersion != "" {
			version = m.PortsDBVersion
		}
		s.notice("ports-db", "ports_db", version, "ports database updated")
	}
}

func (s *Scheduler) notice(kind, name, version, message string) {
	isNew, err := s.notices.Record(kind, name, version, message)
	if err != nil {
		log.Printf("[scheduler] record notification: %v", err)
		return
	}
	if isNew {
		s.bus.Publish(events.UpdateNotice{Category: kind, Name: name, Version: version})
	}
}
