// Package hostupdate pushes newer administrative program versions from
// the local cache out to managed hosts.
package hostupdate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/risefleet/rise/internal/contentcache"
	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
)

// fleetParallelism bounds how many hosts are pushed at once.
const fleetParallelism = 4

// Channel is the slice of a session channel a push needs: the update
// lock, locked uploads, and locked invocations.
type Channel interface {
	HostID() string
	Lock(ctx context.Context, forUpdate bool) (func(), error)
	InvokeLocked(ctx context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error)
	UploadLocked(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error
}

// ChannelFunc resolves a host id to its channel, dialing if necessary.
type ChannelFunc func(ctx context.Context, hostID string) (Channel, error)

// Cache is the read side of the content cache a push consumes.
type Cache interface {
	Program(name string) ([]byte, contentcache.ManifestEntry, error)
}

// Pusher uploads changed programs to hosts and triggers the staged
// install on the remote side.
type Pusher struct {
	cache    Cache
	channels ChannelFunc
}

// NewPusher builds a pusher over the cache and channel source.
func NewPusher(cache Cache, channels ChannelFunc) *Pusher {
	return &Pusher{cache: cache, channels: channels}
}

// PushHost updates one host: the update lock is held across the staging
// uploads and the install invocation, so user operations queue behind it
// under the queue deadline.
func (p *Pusher) PushHost(ctx context.Context, hostID string, entries []contentcache.ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ch, err := p.channels(ctx, hostID)
	if err != nil {
		return err
	}

	release, err := ch.Lock(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	for _, entry := range entries {
		data, cached, err := p.cache.Program(entry.Name)
		if err != nil {
			return fmt.Errorf("cache read %s: %w", entry.Name, err)
		}
		if cached.SHA256 != entry.SHA256 {
			// The cache moved on underneath us; push what it has now.
			entry = cached
		}
		dest := session.StagingDir + "/" + entry.Name
		if err := ch.UploadLocked(ctx, dest, bytes.NewReader(data), 0o755); err != nil {
			return fmt.Errorf("stage %s: %w", entry.Name, err)
		}
	}

	env, err := ch.InvokeLocked(ctx, session.ProgramSetupEnv, []string{"--update"}, session.Medium, nil)
	if err != nil {
		return err
	}
	if rerr := env.Err(); rerr != nil {
		return rerr
	}

	log.Printf("[hostupdate] pushed %d program(s) to %s", len(entries), hostID)
	return nil
}

// PushFleet pushes the changed entries to every host, parallel across
// hosts. It returns the per-host failures; an empty map means every
// host took the update. One host failing never stops the others.
func (p *Pusher) PushFleet(ctx context.Context, hostIDs []string, entries []contentcache.ManifestEntry) map[string]error {
	failures := make(map[string]error)
	if len(entries) == 0 || len(hostIDs) == 0 {
		return failures
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(fleetParallelism)

	for _, hostID := range hostIDs {
		hostID := hostID
		g.Go(func() error {
			if err := p.PushHost(ctx, hostID, entries); err != nil {
				if protocol.IsCode(err, protocol.CodeNotConnected) || protocol.IsCode(err, protocol.CodeUnreachable) {
					log.Printf("[hostupdate] %s unreachable, will retry next sync", hostID)
				} else {
					log.Printf("[hostupdate] push to %s: %v", hostID, err)
				}
				mu.Lock()
				failures[hostID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failures
}
