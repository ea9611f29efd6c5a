package daemon

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/risefleet/rise/internal/contentcache"
	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/firewall"
	"github.com/risefleet/rise/internal/hostops"
	"github.com/risefleet/rise/internal/hostupdate"
	"github.com/risefleet/rise/internal/keystore"
	"github.com/risefleet/rise/internal/knownhosts"
	"github.com/risefleet/rise/internal/notify"
	"github.com/risefleet/rise/internal/onboard"
	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/scheduler"
	"github.com/risefleet/rise/internal/sdnotify"
	"github.com/risefleet/rise/internal/session"
	"github.com/risefleet/rise/internal/state"
)

// Version is set at build time.
var Version = "0.4.0"

// Daemon is the composition root: it owns every subsystem and runs the
// background sync loop. Per-host operations go through the accessors.
type Daemon struct {
	config   *Config
	bus      *events.Bus
	keys     *keystore.Store
	pins     *knownhosts.Store
	hosts    *state.Store
	cache    *contentcache.Engine
	sessions *session.Manager
	firewall *firewall.Manager
	onboard  *onboard.Coordinator
	pusher   *hostupdate.Pusher
	notices  *notify.Store
	sched    *scheduler.Scheduler

	// WaitGroup for graceful goroutine drain on shutdown
	wg sync.WaitGroup
}

// New builds a daemon from configuration. The device keypair is created
// lazily on first onboarding, not here.
func New(cfg *Config) (*Daemon, error) {
	d := &Daemon{
		config: cfg,
		bus:    events.NewBus(),
		keys:   keystore.New(cfg.KeysDir()),
	}

	pins, err := knownhosts.NewStore(filepath.Join(cfg.StateDir, "known_hosts.json"))
	if err != nil {
		return nil, err
	}
	d.pins = pins

	hosts, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	d.hosts = hosts

	notices, err := notify.Open(cfg.NotificationsDBPath())
	if err != nil {
		return nil, err
	}
	d.notices = notices

	d.cache = contentcache.NewEngine(cfg.CacheDir(), cfg.ContentURL, d.bus)
	d.sessions = session.NewManager(d.keys, d.pins, d.hosts, d.bus)
	d.firewall = firewall.NewManager(d.hosts, d.bus)

	d.onboard = onboard.NewCoordinator(d.keys, d.cache, d.hosts, d.bus,
		func(ctx context.Context, entry state.HostEntry, opts session.ConnectOptions) (onboard.Channel, error) {
			return d.sessions.Connect(ctx, entry, opts)
		})

	d.pusher = hostupdate.NewPusher(d.cache,
		func(ctx context.Context, hostID string) (hostupdate.Channel, error) {
			return d.sessions.Channel(ctx, hostID)
		})

	d.sched = scheduler.New(d.cache, d.pusher, d.notices, d.hosts, d.bus,
		cfg.AutoUpdatePrograms, time.Duration(cfg.SyncIntervalHours)*time.Hour)

	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] rise daemon v%s starting", Version)
	log.Printf("[daemon] state_dir=%s, content=%s, auto_update=%v",
		d.config.StateDir, d.config.ContentURL, d.config.AutoUpdatePrograms)

	// First run blocks until the cache holds everything onboarding
	// needs; afterwards syncs are background-only.
	if d.cache.NeedsInitialization(session.Programs) {
		log.Printf("[daemon] cache empty, running blocking initialization")
		for p := range d.cache.Initialize(ctx) {
			switch {
			case p.Error != "":
				log.Printf("[daemon] initialization failed: %s", p.Error)
			case p.Complete:
				log.Printf("[daemon] initialization complete")
			default:
				log.Printf("[daemon] fetching %s (%d/%d)", p.CurrentFile, p.Downloaded, p.Total)
			}
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sched.Run(ctx)
	}()

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[daemon] sd_notify READY failed: %v", err)
	}
	_ = sdnotify.Status("managing " + d.config.StateDir)

	<-ctx.Done()
	log.Println("[daemon] shutting down...")
	_ = sdnotify.Stopping()
	d.sessions.CloseAll()

	// Wait for in-flight goroutines with a bounded drain
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[daemon] all goroutines drained")
	case <-time.After(30 * time.Second):
		log.Println("[daemon] goroutine drain timed out after 30s")
	}

	if err := d.notices.Close(); err != nil {
		log.Printf("[daemon] close notifications: %v", err)
	}
	return nil
}

// Events returns the event bus UIs subscribe to.
func (d *Daemon) Events() *events.Bus { return d.bus }

// Sessions returns the session manager.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Firewall returns the firewall protocol driver.
func (d *Daemon) Firewall() *firewall.Manager { return d.firewall }

// Onboard returns the onboarding coordinator.
func (d *Daemon) Onboard() *onboard.Coordinator { return d.onboard }

// Hosts returns the host entry store.
func (d *Daemon) Hosts() *state.Store { return d.hosts }

// Cache returns the content cache engine.
func (d *Daemon) Cache() *contentcache.Engine { return d.cache }

// Notifications returns the notification store.
func (d *Daemon) Notifications() *notify.Store { return d.notices }

// Bundle returns the localization bundle for the configured language.
func (d *Daemon) Bundle(ctx context.Context) (*contentcache.Bundle, error) {
	return d.cache.Bundle(ctx, d.config.Language)
}

// Per-host operations. Each resolves the host's channel (dialing with
// the stored credentials if needed) and runs the remote program.

// ListContainers lists a host's docker containers.
func (d *Daemon) ListContainers(ctx context.Context, hostID string) ([]hostops.Container, error) {
	ch, err := d.sessions.Channel(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return hostops.ListContainers(ctx, ch)
}

// ContainerOp starts, stops or restarts a container.
func (d *Daemon) ContainerOp(ctx context.Context, hostID, op, containerID string) error {
	ch, err := d.sessions.Channel(ctx, hostID)
	if err != nil {
		return err
	}
	switch op {
	case "start":
		return hostops.StartContainer(ctx, ch, containerID)
	case "stop":
		return hostops.StopContainer(ctx, ch, containerID)
	case "restart":
		return hostops.RestartContainer(ctx, ch, containerID)
	}
	return protocol.New(protocol.CodeInvalidInput, "unknown container op %q", op)
}

// Health returns a host's health snapshot.
func (d *Daemon) Health(ctx context.Context, hostID string) ([]hostops.HealthCheck, error) {
	ch, err := d.sessions.Channel(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return hostops.Health(ctx, ch)
}

// CheckUpdates asks a host for pending package updates.
func (d *Daemon) CheckUpdates(ctx context.Context, hostID string) (*hostops.UpdateReport, error) {
	ch, err := d.sessions.Channel(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return hostops.CheckUpdates(ctx, ch)
}

// UpgradePackages applies pending package updates on a host.
func (d *Daemon) UpgradePackages(ctx context.Context, hostID string) error {
	ch, err := d.sessions.Channel(ctx, hostID)
	if err != nil {
		return err
	}
	_, err = hostops.Upgrade(ctx, ch)
	return err
}
